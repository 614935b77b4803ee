//go:build !no_automation

package main

import (
	"log/slog"

	"github.com/soulripper13/cozylife-local/internal/automation"
	"github.com/soulripper13/cozylife-local/internal/hub"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(h *hub.Hub, cfg *Config, logger *slog.Logger) *autoStopper {
	engine := automation.NewEngine(h, cfg.ScriptsDir, logger)
	if err := engine.Start(); err != nil {
		logger.Error("automation engine", "err", err)
		return &autoStopper{}
	}
	return &autoStopper{engine: engine}
}
