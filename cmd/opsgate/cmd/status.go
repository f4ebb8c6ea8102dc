package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and migration state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, err := newClientStack(ctx)
		if stack == nil {
			return err
		}
		defer stack.Close()
		if err != nil {
			fmt.Printf("Initialization failed: %v\n", err)
		}

		if user := stack.auth.CurrentUser(ctx); user != nil {
			fmt.Printf("Authenticated as %s (%s, id %s)\n", user.Email, user.Role, user.ID)
		} else {
			fmt.Println("Not authenticated")
		}

		status := stack.migration.Status()
		if status.Complete {
			fmt.Println("Storage migration: complete")
		} else {
			fmt.Printf("Storage migration: incomplete (%d/%d steps)\n",
				len(status.StepsCompleted),
				len(status.StepsCompleted)+len(status.StepsRemaining))
		}
		for _, e := range status.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		for _, w := range status.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
