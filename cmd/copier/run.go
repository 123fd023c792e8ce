package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"futures_copier/internal/binance"
	"futures_copier/internal/copytrading"
	"futures_copier/internal/models"
	"futures_copier/internal/notify"

	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		start          bool
		statusInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the copy trading service until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), start, statusInterval)
		},
	}

	cmd.Flags().BoolVar(&start, "start", true, "start copy trading if it was not active before")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", time.Minute, "how often to log service status, 0 disables")

	return cmd
}

func (a *app) run(ctx context.Context, start bool, statusInterval time.Duration) error {
	logger := a.logger
	cfg := a.cfg

	logger.Info("=== Binance Futures Copy Trading ===")
	cfg.LogSummary(logger)

	store, err := a.openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram notifier: %w", err)
		}
		defer tg.Close()
		notifier = tg
	}

	params := cfg.CopyParams()

	conns := copytrading.NewConnections(store, binance.NewDialer(cfg.BinanceOptions(), logger), logger)
	dispatcher := copytrading.NewDispatcher(store, conns, store, notifier, params, logger)
	supervisor := copytrading.NewSupervisor(store, store, conns, dispatcher, notifier, params, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Resume(ctx); err != nil {
		return err
	}

	if !supervisor.IsActive() && start {
		if err := supervisor.Start(ctx); err != nil {
			return err
		}
	}

	if statusInterval > 0 {
		go logStatus(ctx, supervisor, statusInterval, logger)
	}

	<-ctx.Done()

	logger.Info("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", slog.Any("error", err))
		return err
	}

	logger.Info("✅ Service stopped")

	return nil
}

func logStatus(ctx context.Context, supervisor *copytrading.Supervisor, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := supervisor.Status()

		connected := 0
		for _, info := range status.Connections {
			if info.Status == models.ConnConnected {
				connected++
			}
		}

		copied, failed := 0, 0
		for _, m := range status.Monitors {
			copied += m.Copied
			failed += m.Failed
		}

		logger.Info("📊 Status",
			slog.Bool("active", status.Active),
			slog.Int("connections", connected),
			slog.Int("monitors", len(status.Monitors)),
			slog.Int("copied", copied),
			slog.Int("failed", failed))

		for _, m := range status.Monitors {
			if m.State == copytrading.StateStreaming {
				continue
			}
			logger.Warn("Master monitor not streaming",
				slog.String("master", m.MasterID),
				slog.String("state", string(m.State)),
				slog.String("last_error", m.LastError),
				slog.Int("reconnects", m.Reconnects))
		}
	}
}
