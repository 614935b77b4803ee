//go:build no_automation

package main

import (
	"log/slog"

	"github.com/soulripper13/cozylife-local/internal/hub"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *hub.Hub, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
