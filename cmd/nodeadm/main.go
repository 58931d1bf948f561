package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/g960059/nodeadm/internal/app"
	"github.com/g960059/nodeadm/internal/config"
	"github.com/g960059/nodeadm/internal/engine"
	"github.com/g960059/nodeadm/internal/logging"
)

var (
	// Global flags
	configPath string
	portFlag   string
	nodeFlag   string
	dbFlag     string
	verbose    bool
	timeout    time.Duration

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nodeadm",
	Short: "Administer repeater and room nodes over their serial CLI",
	Long: `nodeadm talks to a repeater or room node through its text CLI on a
serial port, either directly or through a companion bridge.

Reads are grouped into sections (identity, radio, behavior, device_info).
Answers are matched to the queries that caused them, partial results are
kept when a query times out, and every command is journaled locally.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if portFlag != "" {
			loaded.SerialPort = portFlag
		}
		if nodeFlag != "" {
			loaded.NodeID = nodeFlag
		}
		if dbFlag != "" {
			loaded.DBPath = dbFlag
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		logger, err = logging.New(cfg.LogLevel, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Config file")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial device (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&nodeFlag, "node", "n", "", "Node identity prefix (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "State database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Time to wait for the node")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum entries to show")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Only entries newer than this")

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(advertCmd)
	rootCmd.AddCommand(clockSyncCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withSession opens the link, runs the app in the background and hands the
// running app to fn. The session starts with a bootstrap fetch so the board
// has settled before fn sends anything.
func withSession(cmd *cobra.Command, opts []engine.Option, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Open(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	runCtx, stop := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		errc <- a.Run(runCtx)
	}()

	workErr := a.Engine().Bootstrap(ctx)
	if workErr == nil {
		workErr = fn(ctx, a)
	}
	stop()
	return errors.Join(workErr, <-errc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
