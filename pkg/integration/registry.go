package integration

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority constants for type registration. A higher priority replaces a
// type registered under the same name.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// TypeInfo describes a registered integration type.
type TypeInfo struct {
	// Type is the value of `type:` in the config file.
	Type string

	// Description is shown in the API and logs.
	Description string

	// Priority decides between registrations of the same type.
	Priority int

	// Factory creates instances of the type.
	Factory Factory

	// DefaultScanInterval is the interval the type uses when an entry sets
	// no scan_interval. Zero means push mode.
	DefaultScanInterval time.Duration
}

// Registry maps integration types to factories. It is built explicitly by
// the binary; there is no global instance.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	types map[string]TypeInfo
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger.Named("registry"),
		types:  make(map[string]TypeInfo),
	}
}

// Register adds a type. A registration with a lower priority than the
// existing one is ignored; equal or higher priority replaces it.
func (r *Registry) Register(info TypeInfo) error {
	if info.Type == "" {
		return fmt.Errorf("integration type cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("integration type %s: factory cannot be nil", info.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[info.Type]; ok {
		if info.Priority < existing.Priority {
			r.logger.Debug("Integration type registration skipped",
				zap.String("type", info.Type),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		r.logger.Info("Integration type overridden",
			zap.String("type", info.Type),
			zap.Int("from_priority", existing.Priority),
			zap.Int("to_priority", info.Priority))
	}

	r.types[info.Type] = info
	r.logger.Debug("Integration type registered",
		zap.String("type", info.Type),
		zap.String("description", info.Description))
	return nil
}

// Get returns the type info for name.
func (r *Registry) Get(name string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[name]
	return info, ok
}

// List returns all registered types sorted by name.
func (r *Registry) List() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]TypeInfo, 0, len(r.types))
	for _, info := range r.types {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}
