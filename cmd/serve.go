package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ari/wisp/internal/server"
	"github.com/ari/wisp/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local screen time backend",
	Long: `Start the local backend that receives synced screen time, answers site
checks and serves stats.

Examples:
  wisp serve               # Listen on the configured address (default :4500)
  wisp serve --addr :8080  # Listen on port 8080`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	st, err := store.New(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	srv := server.New(server.Config{Addr: addr, Debug: cfg.Debug}, st, newRules(cfg), logger).NewHTTPServer()

	errc := make(chan error, 1)
	go func() {
		fmt.Printf("Listening on %s\n", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Tracker.ShutdownTimeout)
	defer done()
	return server.Shutdown(shutdownCtx, srv)
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Address to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)
}
