// Connector runs the payment connector's transaction core: the capture
// scheduler, the lifecycle event emitter and the operational HTTP surface.
//
// Several instances may run against the same Postgres. Capture runs are
// serialised per instance and, when Redis is configured, capped across the
// fleet; charge ownership is settled by conditional status updates.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/api"
	"github.com/alphagov-mirror/pay-connector/internal/config"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
)

const serviceName = "pay-connector"

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "connector",
		Short:         "Payment connector transaction core",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("sandbox", false, "use in-memory stores and the sandbox gateway")

	root.AddCommand(newServeCmd(), newCaptureCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capture scheduler, event emitter and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, serve)
		},
	}
}

func newCaptureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture",
		Short: "Run a single capture batch and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summary, err := a.processor.TryRunCapture(ctx)
				if err != nil {
					return err
				}
				// Drain what the run queued before exiting.
				pending, err := a.worker.Drain(ctx)
				if err != nil {
					return err
				}
				a.logger.Info("capture run finished",
					zap.String("run_id", summary.RunID),
					zap.Int("captured", summary.Captured),
					zap.Int("pending_events", pending),
				)
				return nil
			})
		},
	}
}

// withApp loads configuration, builds the app and runs fn until it returns or
// the process receives SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var overrides []config.Override
	if sandbox, _ := cmd.Flags().GetBool("sandbox"); sandbox {
		overrides = append(overrides, config.WithSandbox())
	}
	cfg, err := config.Load(overrides...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Service: serviceName,
		Env:     cfg.App.Env,
		Level:   cfg.App.LogLevel,
		Format:  cfg.App.LogFormat,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer logger.Sync()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Service:  serviceName,
		Version:  version,
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialise tracing", zap.Error(err))
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start connector", zap.Error(err))
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("connector exited with error", zap.Error(err))
		return err
	}
	return nil
}

func serve(ctx context.Context, a *app) error {
	router := api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(a.processor, a.logger).WithRefunds(a.refunds).WithReplay(a.replay),
		HealthHandler: a.health,
		Metrics:       a.metrics,
		Logger:        a.logger,
	})

	server := &http.Server{
		Addr:         a.config.App.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // a manual capture run answers when the batch is done
		IdleTimeout:  60 * time.Second,
	}

	emission := a.worker.Scheduler()
	capture := a.processor.Scheduler()
	go emission.Start(ctx)
	go capture.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	a.health.SetReady(true)

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-serverErr:
		a.logger.Error("HTTP server failed", zap.Error(err))
	}
	a.health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Error("failed to shut down HTTP server", zap.Error(shutdownErr))
	}

	capture.Stop()
	emission.Stop()

	// Publish what the final capture run queued so it is not lost with the
	// process.
	n, drainErr := a.worker.Drain(shutdownCtx)
	if drainErr != nil {
		a.logger.Warn("final emission pass incomplete", zap.Error(drainErr))
	}
	if n > 0 {
		a.logger.Warn("exiting with undelivered events", zap.Int("pending", n))
	}

	a.logger.Info("connector stopped")
	return err
}
