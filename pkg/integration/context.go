package integration

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"hacoordinator/pkg/clock"
	"hacoordinator/pkg/coordinator"
)

// Context carries what a Factory needs to build an integration. It replaces
// any process-wide shared store: everything an integration uses arrives here.
type Context struct {
	// Entry is the configuration of the entry being created.
	Entry EntryConfig

	// Logger is already named after the entry.
	Logger *zap.Logger

	// Clock is the time source for coordinators and connection retries.
	Clock clock.Clock

	// CoordinatorOptions are applied to every coordinator of the entry,
	// e.g. observers, jitter and request cooldown.
	CoordinatorOptions []coordinator.Option
}

// Interval returns the configured scan interval, or def when unset.
func (c *Context) Interval(def time.Duration) time.Duration {
	if c.Entry.ScanInterval != nil {
		return *c.Entry.ScanInterval
	}
	return def
}

// CoordinatorName returns the name for a coordinator of this entry. An
// empty suffix names the entry's main coordinator.
func (c *Context) CoordinatorName(suffix string) string {
	if suffix == "" {
		return c.Entry.Name
	}
	return c.Entry.Name + "." + suffix
}

// Options builds coordinator options for this entry with the given default
// interval, followed by any extra options.
func (c *Context) Options(defaultInterval time.Duration, extra ...coordinator.Option) []coordinator.Option {
	opts := []coordinator.Option{
		coordinator.WithLogger(c.Logger),
		coordinator.WithClock(c.Clock),
		coordinator.WithInterval(c.Interval(defaultInterval)),
	}
	opts = append(opts, c.CoordinatorOptions...)
	return append(opts, extra...)
}

// DecodeOptions decodes the entry options into out. Unknown keys are errors.
func (c *Context) DecodeOptions(out any) error {
	if len(c.Entry.Options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(c.Entry.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options of %s: %w", c.Entry.Name, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid options for %s: %w", c.Entry.Name, err)
	}
	return nil
}
