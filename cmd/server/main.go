package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/boxrun/config"
	"github.com/isdmx/boxrun/logger"
	"github.com/isdmx/boxrun/mcpserver"
	"github.com/isdmx/boxrun/metrics"
	"github.com/isdmx/boxrun/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Isolation backend and box pool based on config
			sandbox.NewIsolator,
			sandbox.NewPoolFromConfig,

			// Prometheus collector, also used as the manager observer
			metrics.New,
			func(c *metrics.Collector) sandbox.Observer { return c },
			metrics.NewServer,

			// Execution manager
			sandbox.NewManagerFromConfig,
			func(m *sandbox.Manager) sandbox.Executor { return m },

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(register),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// register hooks box reset, the metrics exporter and the configured
// transport into the application lifecycle
func register(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	log *zap.Logger,
	manager *sandbox.Manager,
	metricsServer *metrics.Server,
	server *mcpserver.MCPServer,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Sandbox.ResetOnStart {
				if err := manager.Reset(ctx); err != nil {
					return err
				}
			}

			if metricsServer != nil {
				metricsServer.Start()
			}

			serve := server.ServeStdio
			if cfg.Server.Transport == "http" {
				serve = server.ServeHTTP
			}

			go func() {
				if err := serve(); err != nil {
					log.Error("transport stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if metricsServer != nil {
				return metricsServer.Stop(ctx)
			}
			return nil
		},
	})
}
