package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/mfallon/opsgate/internal/devserver"
)

var serverPort int

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the local development auth backend",
	Long: `Runs an in-memory stand-in for the production authentication
functions, seeded with demo accounts. Point the client at it with
--base-url http://localhost:<port>. API docs are served at /docs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ds := devserver.New(devserver.WithLogger(newLogger()))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", ds.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", serverPort),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Development auth backend listening on port %d\n", serverPort)
		fmt.Println("Demo accounts: admin@clinic.example / admin-password, staff@clinic.example / staff-password")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 8787, "Port to listen on")
}
