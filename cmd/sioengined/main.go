package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ramory-l/sioengine"
	"github.com/ramory-l/sioengine/transport"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "sioengined",
		Short:         "Real-time messaging protocol server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sioengined %s (%s)\n", version, commit)
		},
	}
}

type serveConfig struct {
	addr      string
	channel   string
	writeOnly bool
	logLevel  string
}

func loadConfig() serveConfig {
	// Missing .env files are fine; the environment still applies.
	_ = godotenv.Load()

	cfg := serveConfig{
		addr:     ":3000",
		channel:  "sioengine",
		logLevel: "info",
	}
	if v := os.Getenv("SIOENGINE_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("SIOENGINE_CHANNEL"); v != "" {
		cfg.channel = v
	}
	if v := os.Getenv("SIOENGINE_WRITE_ONLY"); v != "" {
		cfg.writeOnly, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("SIOENGINE_LOG_LEVEL"); v != "" {
		cfg.logLevel = v
	}
	return cfg
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the protocol server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	return cmd
}

func serve(ctx context.Context) error {
	cfg := loadConfig()
	logger := newLogger(cfg.logLevel)

	registry := prometheus.NewRegistry()
	metrics := sioengine.NewMetrics(registry)

	ts := transport.NewServer(nil, logger)

	// The in-process broker serves a single-process deployment; swap in
	// an adapter over a real broker to scale out.
	broker := sioengine.NewMemoryBroker()
	defer broker.Close()

	opts := []sioengine.PubSubOption{
		sioengine.WithChannel(cfg.channel),
		sioengine.WithManagerOptions(
			sioengine.WithLogger(logger),
			sioengine.WithMetrics(metrics),
		),
	}
	if cfg.writeOnly {
		opts = append(opts, sioengine.WithWriteOnly())
	}
	manager := sioengine.NewPubSubManager(ts, broker, opts...)

	srv := sioengine.NewServer(ts, manager,
		sioengine.WithServerLogger(logger),
		sioengine.WithServerMetrics(metrics),
		sioengine.WithAcceptedNamespaces(sioengine.WildcardNamespace),
	)
	ts.OnMessage(srv.HandleMessage)
	ts.OnClose(srv.HandleClose)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)
	defer manager.Shutdown()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/socket.io/", ts)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: cfg.addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.addr, "channel", cfg.channel,
			"write_only", cfg.writeOnly)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ts.Close()
	return httpServer.Shutdown(shutdownCtx)
}
