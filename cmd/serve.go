package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/config"
	"github.com/sells-group/oficio-cli/internal/guard"
	"github.com/sells-group/oficio-cli/internal/monitoring"
	"github.com/sells-group/oficio-cli/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision, ingestion and review API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		counter := guard.NewMemoryCounter()
		counter.StartJanitor(ctx, config.Seconds(cfg.Guard.JanitorIntervalSecs))

		var reconciler monitoring.Reconciler
		if cfg.Primary.BaseURL != "" {
			reconciler = env.Dispatcher
		}
		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, nil),
			monitoring.NewAlerter(cfg.Monitoring),
			reconciler,
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newServer(env, counter).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newServer wires the HTTP surface onto an initialized environment.
func newServer(env *appEnv, counter guard.Counter) *server.Server {
	var ing server.Ingester
	if env.Pipeline != nil {
		ing = env.Pipeline
	}
	return server.New(server.Config{
		APIKey:          cfg.Guard.APIKey,
		KeyHeader:       cfg.Guard.KeyHeader,
		RateLimitMax:    cfg.Guard.RateLimitMax,
		RateLimitWindow: config.Millis(cfg.Guard.RateLimitWindowMs),
		Counter:         counter,
		CORSOrigins:     cfg.Server.CORSOrigins,
		TrustedProxies:  cfg.Guard.TrustedProxies,
	}, env.Store, ing, env.Dispatcher, env.Reviews)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
