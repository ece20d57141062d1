// Package main is a thin demo binary for the starling client library.
// It connects to a Helios-Starling server, registers one example method,
// subscribes to one example topic, and logs every connection lifecycle
// event until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	starling "github.com/helios-starling/starling-go"
	"github.com/helios-starling/starling-go/internal/methods"
	"github.com/helios-starling/starling-go/internal/reconnect"
	"github.com/helios-starling/starling-go/internal/topics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL   string
	logLevel    string
	minDelayMs  int
	maxDelayMs  int
	maxAttempts int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "starling-example",
		Short: "starling-example — demo client for the Helios-Starling protocol",
		Long: `starling-example connects to a Helios-Starling server over WebSocket,
registers one example RPC method and one topic subscription, and logs
connection lifecycle and reconnection events until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("STARLING_SERVER_URL", "ws://localhost:8080/ws"), "Helios-Starling server WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("STARLING_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.minDelayMs, "reconnect-min-delay-ms", 100, "Minimum reconnect backoff delay, in milliseconds")
	root.PersistentFlags().IntVar(&cfg.maxDelayMs, "reconnect-max-delay-ms", 30000, "Maximum reconnect backoff delay, in milliseconds")
	root.PersistentFlags().IntVar(&cfg.maxAttempts, "reconnect-max-attempts", 0, "Maximum reconnect attempts (0 = unlimited)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("starling-example %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting starling-example",
		zap.String("version", version),
		zap.String("server_url", cfg.serverURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reconnectOpts := reconnect.DefaultOptions()
	reconnectOpts.MinDelay = time.Duration(cfg.minDelayMs) * time.Millisecond
	reconnectOpts.MaxDelay = time.Duration(cfg.maxDelayMs) * time.Millisecond
	reconnectOpts.MaxAttempts = cfg.maxAttempts
	reconnectOpts.Debug = cfg.logLevel == "debug"

	client := starling.New(cfg.serverURL,
		starling.WithLogger(logger),
		starling.WithReconnectOptions(reconnectOpts),
	)

	client.On("starling:connected", func(event string, payload any) {
		logger.Info("connected to server")
	})
	client.On("starling:disconnected", func(event string, payload any) {
		logger.Warn("disconnected from server")
	})
	client.On("starling:reconnect:scheduled", func(event string, payload any) {
		logger.Debug("reconnect scheduled", zap.Any("delay", payload))
	})
	client.On("starling:reconnect:failed", func(event string, payload any) {
		logger.Warn("reconnect attempt failed", zap.Any("error", payload))
	})

	if err := client.RegisterMethod("example:echo", func(handlerCtx context.Context, rc *methods.RequestContext) error {
		return rc.Success(rc.Payload)
	}); err != nil {
		return fmt.Errorf("failed to register example:echo: %w", err)
	}

	if _, err := client.Subscribe("example.**", func(ev topics.Event) {
		logger.Info("received notification", zap.String("topic", ev.Topic), zap.ByteString("data", ev.Data))
	}); err != nil {
		return fmt.Errorf("failed to subscribe to example.**: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := client.Close(shutdownCtx); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}

	logger.Info("starling-example stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
