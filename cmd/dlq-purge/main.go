package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

//nolint:gochecknoglobals,revive // build variables
var (
	commit  string = "unspecified"
	version string = "dev"
)

// errRunFailed is returned when a run completed but did not fully succeed.
// The report has already been printed at that point.
var errRunFailed = errors.New("reconciliation run did not succeed")

type config struct {
	LogFormat         string     `default:"text" split_words:"true"`
	LogLevel          slog.Level `default:"info" split_words:"true"`
	LogAddSource      bool       `default:"false" split_words:"true"`
	LogFile           string     `split_words:"true"`
	LogFileMaxSizeMB  int        `default:"50" split_words:"true"`
	LogFileMaxBackups int        `default:"5" split_words:"true"`

	NATSURL      string        `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	LockDuration time.Duration `default:"30s" split_words:"true"`

	ReceiveBatchSize int           `default:"32" split_words:"true"`
	ReceiveWait      time.Duration `default:"5s" split_words:"true"`
	RetryAttempts    uint          `default:"3" split_words:"true"`
	RetryDelay       time.Duration `default:"200ms" split_words:"true"`
	RetryMaxDelay    time.Duration `default:"5s" split_words:"true"`

	ArchiveURL      string `split_words:"true"`
	MetricsTextfile string `split_words:"true"`

	ListenAddr      string        `split_words:"true"`
	ServerTimeout   time.Duration `default:"15s" split_words:"true"`
	ShutdownTimeout time.Duration `default:"10s" split_words:"true"`
}

func loadConfig() (*config, error) {
	var cfg config
	if err := envconfig.Process("dlq_purge", &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func newLogger(cfg *config, stderr io.Writer) *slog.Logger {
	var out io.Writer = stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSizeMB,
			MaxBackups: cfg.LogFileMaxBackups,
			Compress:   true,
		}
	}

	//nolint: exhaustruct // optional config
	logOpts := &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogAddSource,
	}

	var logHandler slog.Handler
	switch cfg.LogFormat {
	case "json":
		logHandler = slog.NewJSONHandler(out, logOpts)
	default:
		//nolint:exhaustruct // optional config
		logHandler = tint.NewHandler(out, &tint.Options{
			Level:      cfg.LogLevel,
			AddSource:  cfg.LogAddSource,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.LogFile != "",
		})
	}

	return slog.New(logHandler).With(
		slog.String("app", "dlq-purge"),
		slog.String("version", version),
		slog.String("commit_hash", commit),
		slog.String("goversion", runtime.Version()),
	)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("unable to parse config", slog.Any("error", err))
		os.Exit(1)
	}

	log := newLogger(cfg, os.Stderr)

	if err := mainErr(cfg, log); err != nil {
		if !errors.Is(err, errRunFailed) {
			log.Error("dlq-purge stopped with error", slog.Any("error", err))
		}
		os.Exit(1)
	}
}

func mainErr(cfg *config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd(cfg, log).ExecuteContext(ctx)
}

func newRootCmd(cfg *config, log *slog.Logger) *cobra.Command {
	var scope scopeFlags

	root := &cobra.Command{
		Use:   "dlq-purge",
		Short: "Drain and triage dead-lettered messages",
		Long: `dlq-purge inspects the dead-letter sub-queues of queues and topic subscriptions
and discards, redrives or leaves each message according to a disposition policy.

Broker and runtime settings come from DLQ_PURGE_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&scope.Namespace, "namespace", "", "namespace (stream name prefix) to operate in")
	root.PersistentFlags().StringVar(&scope.ResourceGroup, "resource-group", "", "resource group of the namespace")

	root.AddCommand(newPurgeCmd(cfg, log, &scope))
	root.AddCommand(newListCmd(cfg, log, &scope))
	root.AddCommand(newProvisionCmd(cfg, log))

	return root
}
