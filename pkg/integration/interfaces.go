// Package integration loads configured integrations, runs their setup with
// retry, and exposes the coordinators they own.
package integration

import (
	"context"
	"time"

	"hacoordinator/pkg/coordinator"
)

// Integration is one configured connection to a device or service. It owns
// its coordinators for its whole lifetime.
type Integration interface {
	// Name returns the configured entry name.
	Name() string

	// Setup performs the first refresh of every coordinator. Errors matching
	// coordinator.ErrNotReady are retried by the supervisor; anything else,
	// including coordinator.ErrAuthFailed, is permanent.
	Setup(ctx context.Context) error

	// Unload shuts the coordinators down and releases connections. It must
	// be safe to call after a failed Setup.
	Unload()

	// Coordinators returns the coordinators owned by the integration.
	Coordinators() []coordinator.Handle
}

// Factory creates an integration for one entry.
type Factory func(ctx *Context) (Integration, error)

// EntryConfig is one item of the integrations list in the config file.
type EntryConfig struct {
	// Name identifies the entry and prefixes its coordinator names.
	Name string `yaml:"name"`

	// Type selects the registered factory.
	Type string `yaml:"type"`

	// ScanInterval overrides the integration's default polling interval.
	// Zero selects push mode.
	ScanInterval *time.Duration `yaml:"scan_interval,omitempty"`

	// Options is decoded by the integration itself.
	Options map[string]any `yaml:"options,omitempty"`
}
