package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mfallon/opsgate/auth"
)

var (
	loginEmail    string
	loginPassword string
	loginRemember bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the backend and persist the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			password = string(raw)
		}

		ctx := cmd.Context()
		stack, err := newClientStack(ctx)
		if stack != nil {
			defer stack.Close()
		}
		if err != nil {
			return err
		}

		result := stack.auth.Authenticate(ctx, auth.Credentials{
			Email:      loginEmail,
			Password:   password,
			RememberMe: loginRemember,
		})
		if !result.Success {
			if result.RateLimit != nil {
				resetAt := time.UnixMilli(result.RateLimit.ResetTime)
				return fmt.Errorf("login failed: %s (%d attempts remaining, resets %s)",
					result.Error, result.RateLimit.RemainingAttempts, resetAt.Format(time.RFC3339))
			}
			return fmt.Errorf("login failed: %s", result.Error)
		}

		user := stack.auth.CurrentUser(ctx)
		if user != nil {
			fmt.Printf("Logged in as %s (%s)\n", user.Email, user.Role)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (prompted when omitted)")
	loginCmd.Flags().BoolVar(&loginRemember, "remember", false, "Request an extended session")
	loginCmd.MarkFlagRequired("email")
}
