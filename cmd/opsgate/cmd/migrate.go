package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	migrateRollback bool
	migrateCleanup  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the legacy token-storage migration",
	Long: `Moves legacy token storage to the secure session scheme: legacy keys
are backed up, cleared, and the outcome validated. Initialization runs
this automatically; the command exists to re-run, roll back, or clean up
after a partial migration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		// The raw stack skips initialization: a failed migration must not
		// prevent re-running or rolling it back.
		stack, err := newRawStack()
		if err != nil {
			return err
		}
		defer stack.Close()

		if migrateRollback {
			if err := stack.migration.Rollback(ctx); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Println("Rolled back to legacy token storage")
			return nil
		}

		if migrateCleanup {
			stack.migration.CleanupBackups()
			fmt.Println("Expired migration backups removed")
			return nil
		}

		status, err := stack.migration.Run(ctx)
		if err != nil {
			return err
		}
		for _, step := range stack.migration.Steps() {
			mark := " "
			if step.Completed {
				mark = "x"
			}
			fmt.Printf("  [%s] %s\n", mark, step.Name)
		}
		if !status.Complete {
			return fmt.Errorf("migration incomplete: %s", strings.Join(status.Errors, "; "))
		}
		fmt.Println("Migration complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "Restore the most recent migration backup")
	migrateCmd.Flags().BoolVar(&migrateCleanup, "cleanup", false, "Delete expired migration backups")
}
