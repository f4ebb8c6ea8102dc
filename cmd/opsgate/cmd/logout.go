package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and clear local session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, err := newClientStack(ctx)
		if stack != nil {
			defer stack.Close()
		}
		if err != nil {
			return err
		}

		stack.auth.Logout(ctx)
		fmt.Println("Logged out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
