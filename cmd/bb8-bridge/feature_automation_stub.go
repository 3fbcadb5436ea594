//go:build no_automation

package main

import (
	"log/slog"

	"bb8-bridge/internal/automation"
	"bb8-bridge/internal/entity"
	"bb8-bridge/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ automation.Controller, _ *entity.Registry, _ *entity.EventBus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
