package main

import (
	"fmt"
	"io"
	"log/slog"

	"futures_copier/internal/config"
	"futures_copier/internal/storage"

	"github.com/spf13/cobra"
)

// app - то, что нужно всем командам
type app struct {
	configPath string

	cfg     *config.Config
	logger  *slog.Logger
	logFile io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "copier",
		Short: "Copy trading for Binance USDⓈ-M futures",
		Long: `copier mirrors filled orders of master accounts onto slave accounts.

Each slave order is sized from the slave's own balance and risk percentage,
and every attempt is recorded in a local SQLite ledger.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(
		newRunCmd(a),
		newTradesCmd(a),
		newAccountsCmd(a),
	)

	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.logFile = logFile

	return nil
}

func (a *app) close() error {
	if a.logFile == nil {
		return nil
	}
	return a.logFile.Close()
}

func (a *app) openStorage() (*storage.Storage, error) {
	store, err := storage.New(a.cfg.DBPath, a.logger, storage.WithRetention(a.cfg.Copy.Retention))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}
