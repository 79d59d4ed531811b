// Command courier runs the durable conversation job queue: persisted send
// jobs, per-conversation FIFO lanes, retry with backoff, captcha and
// verification gating, and a local admin API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/conversation"
	"github.com/courierhq/courier/internal/history"
	"github.com/courierhq/courier/internal/observability"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/server"
	"github.com/courierhq/courier/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier — durable per-conversation message job queue",
	Long:  "A durable job queue for outgoing conversation messages: persistent jobs, per-conversation ordering, retry with backoff, and captcha/verification gating.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the courier server",
	RunE:  runServer,
}

var (
	logLevel        string
	bindAddr        string
	dataDir         string
	storeBackend    string
	historyPath     string
	retryWindow     = 24 * time.Hour
	retryBaseDelay  = 5 * time.Second
	retryMaxDelay   = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
	otelEnabled     bool
	otelEndpoint    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8270", "Admin API bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the job store")
	serverCmd.Flags().StringVar(&storeBackend, "store", store.BackendPebble, "Job store backend: pebble or badger")
	serverCmd.Flags().StringVar(&historyPath, "history-db", "", "Path to the outcome history SQLite database (default <data-dir>/history.db)")
	serverCmd.Flags().DurationVar(&retryWindow, "retry-window", retryWindow, "Total time a job may keep retrying before it is dropped")
	serverCmd.Flags().DurationVar(&retryBaseDelay, "retry-base-delay", retryBaseDelay, "First retry delay; doubles per attempt")
	serverCmd.Flags().DurationVar(&retryMaxDelay, "retry-max-delay", retryMaxDelay, "Upper bound on a single retry delay")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "How long graceful shutdown waits for in-flight jobs")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServer(cmd *cobra.Command, args []string) error {
	slog.Info("starting courier server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"store", storeBackend,
		"history_db", historyPath,
		"retry_window", retryWindow,
		"retry_base_delay", retryBaseDelay,
		"retry_max_delay", retryMaxDelay,
		"shutdown_timeout", shutdownTimeout,
		"otel_enabled", otelEnabled,
		"otel_endpoint", otelEndpoint,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	js, err := store.Open(storeBackend, dataDir, false)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer js.Close()

	if historyPath == "" {
		historyPath = dataDir + "/history.db"
	}
	hist, err := history.Open(historyPath)
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	defer hist.Close()

	directory := conversation.NewMemoryDirectory()
	verification := conversation.NewMemoryVerificationStore()
	challenges := conversation.NewChallengeRegistry(slog.Default())

	handlers := make(conversation.Handlers)
	transport := &logTransport{logger: slog.Default()}
	for _, kind := range conversation.Kinds() {
		handlers[kind] = transport.deliver
	}

	q, err := conversation.New(conversation.Config{
		Store:        js,
		Directory:    directory,
		Verification: verification,
		Challenges:   challenges,
		Handlers:     handlers,
		Queue: queue.Options{
			RetryWindow: retryWindow,
			BaseDelay:   retryBaseDelay,
			MaxDelay:    retryMaxDelay,
			Recorder:    history.NewRecorder(hist, slog.Default()),
		},
	})
	if err != nil {
		return fmt.Errorf("build conversation queue: %w", err)
	}

	if err := q.Recover(); err != nil {
		return fmt.Errorf("recover persisted jobs: %w", err)
	}

	srv := server.New(q, directory, verification, challenges, hist, bindAddr)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("courier server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("draining job lanes")
	queueCtx, cancelQueue := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelQueue()
	if err := q.Shutdown(queueCtx); err != nil {
		slog.Warn("queue drain incomplete; pending jobs resume on next start", "error", err)
	}

	slog.Info("courier server stopped")
	return nil
}

// logTransport stands in for a real message transport: it records every
// dispatch to the log and reports success. Embedders replace the handler
// map with their own transport.
type logTransport struct {
	logger *slog.Logger
}

func (t *logTransport) deliver(ctx context.Context, convo *conversation.Conversation,
	b conversation.Bundle, p conversation.Payload) error {
	t.logger.Info("job dispatched",
		"kind", p.Kind(),
		"conversation_id", convo.ID,
		"attempt", b.Attempt,
		"final_attempt", b.IsFinalAttempt,
	)
	return nil
}
