package cli

import (
	"fmt"
	"log/slog"

	"github.com/astrodesk/astrodesk/internal/bridge"
	"github.com/astrodesk/astrodesk/internal/config"
	"github.com/astrodesk/astrodesk/internal/history"
	syslogger "github.com/astrodesk/astrodesk/internal/system/logger"
)

// app bundles the pieces most commands need. Close releases them.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	logMgr *syslogger.Manager
	bridge *bridge.Bridge
	store  *history.Store
}

// newApp loads config and wires logger and bridge. The history store is
// opened only when enabled; failures there degrade to no local transcript.
func newApp(stderrLogs bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logMgr, err := syslogger.New(syslogger.Config{
		Level:         syslogger.ParseLevel(cfg.Logging.Level),
		MaxAgeDays:    cfg.Logging.MaxAgeDays,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		StderrEnabled: stderrLogs || cfg.Logging.StderrEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger := logMgr.NewLogger()

	a := &app{
		cfg:    cfg,
		logger: logger,
		logMgr: logMgr,
		bridge: bridge.New(bridge.Options{Config: cfg, Logger: logger}),
	}

	if cfg.Storage.HistoryEnabled {
		store, err := history.NewStore(history.Config{
			MaxAgeDays: cfg.Storage.HistoryMaxAgeDays,
		})
		if err != nil {
			logger.Warn("local history unavailable", "error", err)
		} else {
			a.store = store
		}
	}

	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	a.bridge.Close()
	a.logMgr.Close()
}
