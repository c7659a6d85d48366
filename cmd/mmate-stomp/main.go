package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-stomp/config"
	"github.com/glimte/mmate-stomp/gateway"
	"github.com/glimte/mmate-stomp/health"
	rabbit "github.com/glimte/mmate-stomp/internal/rabbitmq"
	"github.com/glimte/mmate-stomp/substrate"
	"github.com/glimte/mmate-stomp/substrate/memory"
	"github.com/glimte/mmate-stomp/substrate/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmate-stomp",
		Short: "STOMP gateway with publisher-confirmed receipts",
		Long: `mmate-stomp accepts STOMP 1.0-1.2 clients over TCP and WebSocket and
routes their frames to an in-memory broker or RabbitMQ. RECEIPT frames for
SEND are only emitted once the broker has confirmed the publish.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mmate-stomp %s\n", version)
			fmt.Printf("  commit: %s\n", gitCommit)
			fmt.Printf("  built:  %s\n", buildTime)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := initTelemetry(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	sub, err := openSubstrate(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	policy, err := gateway.ParseNackPolicy(cfg.Gateway.NackPolicy)
	if err != nil {
		return err
	}

	srv, err := gateway.NewServer(sub,
		gateway.WithLogger(logger),
		gateway.WithErrorGrace(cfg.Gateway.ErrorGrace),
		gateway.WithSubmitTimeout(cfg.Gateway.SubmitTimeout),
		gateway.WithFrameRate(cfg.Gateway.MaxFramesPerSecond, cfg.Gateway.FrameBurst),
		gateway.WithInboundQueue(cfg.Gateway.InboundQueue),
		gateway.WithNackPolicy(policy),
		gateway.WithMaxConnections(cfg.Server.MaxConnections),
		gateway.WithServerName("mmate-stomp/"+version),
	)
	if err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	start := func(run func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(); err != nil {
				errCh <- err
			}
		}()
	}

	if cfg.Server.TCPAddr != "" {
		start(func() error { return srv.ListenAndServe(listenCtx, cfg.Server.TCPAddr) })
	}
	if cfg.Server.WSAddr != "" {
		start(func() error { return srv.ListenAndServeWebSocket(listenCtx, cfg.Server.WSAddr, cfg.Server.WSPath) })
	}
	if cfg.Server.HealthAddr != "" {
		registry := health.NewRegistry()
		registry.SetMetadata("version", version)
		registry.Register(health.NewConnectionChecker(srv, 0.9))
		registry.Register(health.NewRuntimeChecker(10000, 50000))
		if p, ok := sub.(health.Pinger); ok {
			registry.Register(health.NewSubstrateChecker(cfg.Substrate.Type, p))
		}
		start(func() error { return serveHealth(listenCtx, cfg.Server.HealthAddr, registry, logger) })
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("listener failed", "error", runErr)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("shutdown timed out", "timeout", cfg.Server.ShutdownTimeout)
	}
	return runErr
}

func serveHealth(ctx context.Context, addr string, registry *health.Registry, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: health.NewMux(registry, 5*time.Second)}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("health listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health listener: %w", err)
	}
	return nil
}

func openSubstrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) (substrate.Substrate, error) {
	switch cfg.Substrate.Type {
	case config.SubstrateRabbitMQ:
		exchanges := make([]rabbit.ExchangeDeclaration, 0, len(cfg.Exchanges))
		for _, ex := range cfg.Exchanges {
			exchanges = append(exchanges, rabbit.ExchangeDeclaration{Name: ex.Name, Type: ex.Type, Durable: ex.Durable})
		}
		sub := rabbitmq.New(rabbitmq.Config{
			URL:             cfg.Substrate.URL,
			VHost:           cfg.Gateway.VHost,
			ConnectionName:  "mmate-stomp",
			ReconnectDelay:  cfg.Substrate.ReconnectDelay,
			MaxRetries:      cfg.Substrate.MaxRetries,
			Prefetch:        cfg.Substrate.Prefetch,
			ConfirmBatch:    cfg.Substrate.ConfirmBatch,
			BreakerFailures: cfg.Substrate.BreakerFailures,
			BreakerTimeout:  cfg.Substrate.BreakerTimeout,
			Exchanges:       exchanges,
		}, logger)
		if err := sub.Connect(ctx); err != nil {
			sub.Close()
			return nil, fmt.Errorf("connect to rabbitmq at %s: %w", rabbit.SanitizeURL(cfg.Substrate.URL), err)
		}
		return sub, nil

	case config.SubstrateMemory:
		broker := memory.NewBroker(
			memory.WithLogger(logger),
			memory.WithVHost(cfg.Gateway.VHost),
			memory.WithConfirmBatch(cfg.Substrate.ConfirmBatch),
		)
		for _, ex := range cfg.Exchanges {
			if err := broker.DeclareExchange(ex.Name, ex.Type); err != nil {
				return nil, fmt.Errorf("declare exchange %s: %w", ex.Name, err)
			}
		}
		return broker, nil
	}
	return nil, errors.New("unknown substrate type " + cfg.Substrate.Type)
}
