package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ari/wisp/internal/config"
)

var (
	cfgPath string
	cfg     *config.Config
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "wisp [origin]",
	Short: "Track time spent on web pages",
	Long: `wisp records how long each web page stays in the foreground and syncs it
to a backend. When the browser launches it with an extension origin it runs
as the native messaging host; the subcommands manage the session, the local
backend and the collected stats.`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help command
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.LoadConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if debug {
			cfg.Debug = true
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// The browser starts native hosts with the calling extension's
		// origin as the first argument.
		if len(args) > 0 && isExtensionOrigin(args[0]) {
			return runHost(cmd, args)
		}
		return cmd.Help()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show loaded configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Config loaded:\n")
		fmt.Printf("  Database:        %s\n", cfg.GetDatabasePath())
		fmt.Printf("  Session file:    %s\n", cfg.GetSessionPath())
		fmt.Printf("  Sync endpoint:   %s\n", cfg.Sync.Endpoint)
		fmt.Printf("  Gap threshold:   %s\n", cfg.Tracker.GapThreshold)
		fmt.Printf("  Heartbeat:       %s\n", cfg.Tracker.HeartbeatInterval)
		fmt.Printf("  Flush interval:  %s\n", cfg.Tracker.FlushInterval)
		fmt.Printf("  Persist ledger:  %v\n", cfg.Tracker.PersistLedger)
		fmt.Printf("  Classifier:      %v (%s)\n", cfg.Classifier.Enabled, classifierSource(cfg))
		fmt.Printf("  Server address:  %s\n", cfg.Server.Addr)
		fmt.Printf("  Telemetry:       %v\n", cfg.Telemetry.Enabled)
	},
}

func isExtensionOrigin(arg string) bool {
	for _, scheme := range []string{"chrome-extension://", "moz-extension://"} {
		if strings.HasPrefix(arg, scheme) {
			return true
		}
	}
	return false
}

// newLogger returns the process logger. Stdout is reserved for native
// messaging frames, so logs always go to stderr.
func newLogger() *log.Logger {
	return log.New(os.Stderr, "wisp: ", log.LstdFlags)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Chrome on Windows appends --parent-window=<id> to the host's arguments.
	rootCmd.FParseErrWhitelist.UnknownFlags = true
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to config file (default: ~/.wisp/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Show debug output")
	rootCmd.AddCommand(infoCmd)
}
