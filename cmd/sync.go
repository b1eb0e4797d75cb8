package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ari/wisp/internal/session"
	"github.com/ari/wisp/internal/store"
	"github.com/ari/wisp/internal/syncer"
	"github.com/ari/wisp/internal/tracker"
	"github.com/ari/wisp/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session and screen time waiting to be synced",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := session.Open(cfg.GetSessionPath())
		if err != nil {
			return err
		}
		state := sess.Snapshot()

		fmt.Printf("Session (%s):\n", sess.Path())
		if state.User != nil {
			fmt.Printf("  User:  %s\n", state.User.ID)
			if state.User.Email != "" {
				fmt.Printf("  Email: %s\n", state.User.Email)
			}
		} else {
			fmt.Printf("  User:  (not logged in)\n")
		}
		if state.CurrentTask != "" {
			fmt.Printf("  Task:  %s\n", state.CurrentTask)
		}

		dbPath := cfg.GetDatabasePath()
		if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
			ui.DisplayLedger("Pending", nil)
			return nil
		}
		st, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		defer st.Close()

		pending, err := st.Pending(context.Background())
		if err != nil {
			return err
		}
		ui.DisplayLedger("Pending", pending)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver screen time saved by a previous host run",
	Long: `Deliver the screen time a previous host run could not sync before it
exited. Whatever is still undelivered is saved again for the next attempt.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		sess, err := session.Open(cfg.GetSessionPath())
		if err != nil {
			return err
		}
		st, err := store.New(cfg.GetDatabasePath())
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		defer st.Close()

		pending, err := st.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("Nothing to sync")
			return nil
		}

		tr := tracker.New(tracker.WithLogger(newLogger()), tracker.WithDebug(cfg.Debug))
		tr.Merge(pending)

		res, flushErr := tr.Flush(ctx, syncer.NewHTTPSink(cfg.Sync.Endpoint, cfg.Sync.Timeout), sess)
		// The saved ledger is only rewritten once the flush has settled, so a
		// crash mid-sync leaves it intact.
		if err := st.ReplacePending(ctx, tr.Snapshot()); err != nil {
			return errors.Join(flushErr, fmt.Errorf("failed to save undelivered screen time: %w", err))
		}
		if flushErr != nil {
			return fmt.Errorf("sync failed, screen time kept for the next attempt: %w", flushErr)
		}

		fmt.Printf("Synced %d entries (%s) for %s\n", res.Entries, ui.FormatDuration(res.Seconds), res.UserID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
}
