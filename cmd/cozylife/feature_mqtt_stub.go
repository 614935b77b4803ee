//go:build no_mqtt

package main

import (
	"log/slog"

	"github.com/soulripper13/cozylife-local/internal/hub"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *hub.Hub, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
