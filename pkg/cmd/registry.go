// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/courier/pkg/nodes/handoff"
	"github.com/dukex/courier/pkg/registry"
	"github.com/dukex/courier/pkg/send"
)

// NewRegistry registers the built-in nodes. Outbound messages go through the
// logging sender until a channel integration provides a real one.
func NewRegistry(logger *slog.Logger, router handoff.Router) *registry.Registry {
	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultNodes(registry.Dependencies{
		Sender: send.NewLogSender(logger),
		Router: router,
	})

	return reg
}
