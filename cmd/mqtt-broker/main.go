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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/event"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		port       int
		debug      bool
	)
	cmd := &cobra.Command{
		Use:           "mqtt-broker",
		Short:         "MQTT 3.1.1 broker that can be chained into a tree of instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// .env is optional
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if errors.Is(err, config.ErrConfigCreated) {
				fmt.Fprintf(os.Stderr, "Created default configuration at %s, edit it and restart\n", configPath)
				return err
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error occured while reading config: %v\n", err)
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if debug {
				cfg.DebugMode = true
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", 1883, "TCP port to listen on, overrides the configuration")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	defer func() {
		_ = cleaner.Clean()
	}()

	srv, err := server.New(cfg)
	if err == nil {
		cleaner.Add(event.CallableFunc(srv.Close))
	}
	// logger goes last
	cleaner.Add(loggerCallback)
	if err != nil {
		logger.ErrorF("Error occured while constructing server, details: %v", err)
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.ErrorF("Error occured while starting server, details: %v", err)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", srv.MetricsHandler())
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.InfoF("Metrics server listen on %s", cfg.Metrics.Address)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down...")
		return nil
	})
	return g.Wait()
}
