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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	chsink "github.com/loykin/hostr/internal/audit/clickhouse"
	"github.com/loykin/hostr/internal/config"
	"github.com/loykin/hostr/internal/logger"
	"github.com/loykin/hostr/internal/metrics"
	"github.com/loykin/hostr/internal/notify"
	"github.com/loykin/hostr/internal/server"
	"github.com/loykin/hostr/internal/store/factory"
	"github.com/loykin/hostr/internal/supervisor"
)

func createServeCommand(flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hosting daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags.ConfigPath)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	st, err := factory.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "err", err)
	}

	sup := supervisor.New(cfg.Policy.Supervisor(), st)
	sup.SetLogger(log)
	sup.SetNotifier(buildNotifier(cfg.Notify, log))

	if cfg.Audit.Enabled {
		sink, err := chsink.New(cfg.Audit.Addr, cfg.Audit.Table)
		if err != nil {
			log.Warn("audit sink unavailable", "addr", cfg.Audit.Addr, "err", err)
		} else {
			defer func() { _ = sink.Close() }()
			if err := sink.EnsureSchema(ctx); err != nil {
				log.Warn("audit schema setup failed", "err", err)
			}
			sup.SetAuditSinks(sink)
		}
	}

	sup.StartEnforcer()
	srv, err := server.NewServer(cfg.Server.Listen, "/api", sup)
	if err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	log.Info("daemon started", "listen", cfg.Server.Listen, "store", cfg.Store.Type)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Warn("http shutdown failed", "err", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("supervisor shutdown failed", "err", err)
	}
	return nil
}

func buildNotifier(cfg config.NotifyConfig, log *slog.Logger) notify.Notifier {
	if cfg.Transport == "webhook" && cfg.URL != "" {
		return notify.NewWebhook(cfg.URL)
	}
	return notify.Slog{Logger: log}
}
