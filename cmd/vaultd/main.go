package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	root := &cobra.Command{
		Use:          "vaultd",
		Short:        "Vault redemption keeper",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("rpc", "", "ledger JSON-RPC URL")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-file", "", "optional rotated log file, written alongside stdout")
	root.PersistentFlags().String("data-dir", "./data/snapshots", "account snapshot directory")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the config caches and one fulfillment engine per vault",
		RunE:  runService,
	}

	runCmd.Flags().String("ws", "", "ledger websocket URL, push updates are disabled when empty")
	runCmd.Flags().String("fee-payer-keypair", "", "fee payer keypair file")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for the attempt journal and snapshots")
	runCmd.Flags().String("journal", "./data/journal", "JSONL journal directory")
	runCmd.Flags().String("metrics-addr", ":9102", "prometheus listen address, empty disables")
	runCmd.Flags().String("nats-url", "", "NATS URL for operator notifications")
	runCmd.Flags().String("webhook-url", "", "webhook URL for operator notifications")
	runCmd.Flags().String("on-cache-poison", "exit", "after a cache rejects an update: stop its refresh loop or exit")
	runCmd.Flags().Int("max-accounts-per-tx", 64, "distinct accounts per transaction")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts for ledger calls")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().Duration("min-check-delay", 5*time.Second, "minimum delay between vault checks")
	runCmd.Flags().Duration("max-check-delay", 5*time.Minute, "maximum delay between vault checks")
	runCmd.Flags().Uint64("cu-price-micro-lamports", 0, "priority fee per compute unit")

	root.AddCommand(runCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect-config",
		Short: "Validate the persisted global config snapshot and print its oracle index",
		RunE:  runInspectConfig,
	}
	inspectCmd.Flags().String("global-config", "", "global config account")
	inspectCmd.Flags().String("source", "", "only print entries with this oracle source")

	root.AddCommand(inspectCmd)

	summaryCmd := &cobra.Command{
		Use:   "summary [vault]",
		Short: "Print the redemption summary of a configured vault",
		Args:  cobra.ExactArgs(1),
		RunE:  runSummary,
	}

	root.AddCommand(summaryCmd)

	simulateCmd := &cobra.Command{
		Use:   "simulate [vault]",
		Short: "Simulate pricing and the AUM check of a configured vault",
		Args:  cobra.ExactArgs(1),
		RunE:  runSimulate,
	}
	simulateCmd.Flags().String("fee-payer-keypair", "", "fee payer keypair file")

	root.AddCommand(simulateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level, file string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil || file == "" {
		return logger, err
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	rotated := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg.EncoderConfig),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}),
		cfg.Level,
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, rotated)
	})), nil
}
