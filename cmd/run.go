package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ari/wisp/internal/classifier"
	"github.com/ari/wisp/internal/config"
	"github.com/ari/wisp/internal/host"
	"github.com/ari/wisp/internal/metrics"
	"github.com/ari/wisp/internal/session"
	"github.com/ari/wisp/internal/store"
	"github.com/ari/wisp/internal/syncer"
	"github.com/ari/wisp/internal/tracker"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the native messaging host on stdin/stdout",
	Long: `Run the native messaging host. The browser normally starts it; running it
by hand is useful with a framed message stream piped to stdin.`,
	Args: cobra.ArbitraryArgs,
	RunE: runHost,
}

func runHost(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.New(ctx, metrics.Config{
		Endpoint: cfg.Telemetry.Endpoint,
		Enabled:  cfg.Telemetry.Enabled,
		Insecure: cfg.Telemetry.Insecure,
	}, logger)
	defer rec.Close(context.Background())

	sess, err := session.Open(cfg.GetSessionPath())
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	go func() {
		if err := sess.Watch(ctx, logger); err != nil {
			logger.Printf("session changes from other processes will not be seen: %v", err)
		}
	}()

	trackerOpts := trackerOptions(cfg, logger, rec)
	opts := []host.Option{
		host.WithLogger(logger),
		host.WithPageOptions(trackerOpts...),
	}

	if cfg.Tracker.PersistLedger {
		st, err := store.New(cfg.GetDatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()
		opts = append(opts, host.WithLedgerStore(st))
	}

	if c := newClassifier(cfg); c != nil {
		opts = append(opts, host.WithClassifier(c))
	}

	h := host.New(host.Config{
		HeartbeatInterval: cfg.Tracker.HeartbeatInterval,
		FlushInterval:     cfg.Tracker.FlushInterval,
		ShutdownTimeout:   cfg.Tracker.ShutdownTimeout,
		ClassifyTimeout:   cfg.Classifier.Timeout,
		MinConfidence:     cfg.Classifier.MinConfidence,
		Debug:             cfg.Debug,
	},
		tracker.New(trackerOpts...),
		syncer.NewHTTPSink(cfg.Sync.Endpoint, cfg.Sync.Timeout),
		sess,
		opts...,
	)

	logger.Printf("native messaging host started (pid %d)", os.Getpid())
	if err := h.Run(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("native messaging host stopped: %w", err)
	}
	logger.Printf("native messaging host stopped")
	return nil
}

func trackerOptions(c *config.Config, logger *log.Logger, rec tracker.Recorder) []tracker.Option {
	return []tracker.Option{
		tracker.WithGapThreshold(c.Tracker.GapThreshold),
		tracker.WithLogger(logger),
		tracker.WithDebug(c.Debug),
		tracker.WithRecorder(rec),
	}
}

// newClassifier returns nil when site checks are off. Without an endpoint
// the local rule set is used.
func newClassifier(c *config.Config) classifier.Classifier {
	if !c.Classifier.Enabled {
		return nil
	}
	if c.Classifier.Endpoint == "" {
		return newRules(c)
	}
	return classifier.NewClient(c.Classifier.Endpoint, c.Classifier.Timeout)
}

func newRules(c *config.Config) *classifier.Rules {
	var block []string
	if len(c.Classifier.Blocklist) > 0 {
		block = c.Classifier.Blocklist
	}
	return classifier.NewRules(c.Classifier.Allowlist, block)
}

func classifierSource(c *config.Config) string {
	if c.Classifier.Endpoint == "" {
		return "local rules"
	}
	return c.Classifier.Endpoint
}

func init() {
	rootCmd.AddCommand(hostCmd)
}
