package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ari/wisp/internal/session"
	"github.com/ari/wisp/internal/store"
	"github.com/ari/wisp/internal/ui"
)

var statsUser string

var statsCmd = &cobra.Command{
	Use:   "stats [period]",
	Short: "Show screen time stored by the local backend",
	Long:  "Show screen time for a user. Period can be day, week, or month (default: day)",
	Args:  cobra.RangeArgs(0, 1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		period, err := store.ParsePeriod(name)
		if err != nil {
			return err
		}

		ctx := context.Background()
		userID := statsUser
		if userID == "" {
			sess, err := session.Open(cfg.GetSessionPath())
			if err != nil {
				return err
			}
			if userID, _ = sess.CurrentUser(ctx); userID == "" {
				return fmt.Errorf("no user logged in; pass --user or run `wisp login`")
			}
		}

		dbPath := cfg.GetDatabasePath()
		if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
			// Database doesn't exist yet, show empty stats
			ui.DisplayStats(period, &store.StatsData{UserID: userID})
			return nil
		}

		st, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		defer st.Close()

		if cfg.Debug {
			now := st.Now()
			fmt.Printf("\n[DEBUG] Time Filter:\n")
			fmt.Printf("  Period: %s\n", period)
			fmt.Printf("  Start:  %s\n", period.Since(now).Format("2006-01-02 15:04:05"))
			fmt.Printf("  End:    %s\n", now.Format("2006-01-02 15:04:05"))
			fmt.Printf("  User:   %s\n\n", userID)
		}

		stats, err := st.Stats(ctx, userID, period)
		if err != nil {
			return fmt.Errorf("error getting screen time stats: %w", err)
		}
		ui.DisplayStats(period, stats)
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVarP(&statsUser, "user", "u", "", "User id (default: the logged-in user)")
	rootCmd.AddCommand(statsCmd)
}
