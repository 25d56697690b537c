package sinks

import (
	"sync"

	"go.uber.org/zap"

	"hacoordinator/pkg/coordinator"
)

// UpdateLogger logs coordinator updates. It is always attached so polling
// coordinators have a listener even with no other outputs configured.
type UpdateLogger struct {
	logger *zap.Logger

	mu        sync.Mutex
	available map[string]bool
}

func NewUpdateLogger(logger *zap.Logger) *UpdateLogger {
	return &UpdateLogger{
		logger:    logger.Named("updates"),
		available: make(map[string]bool),
	}
}

// Attach logs every update of h; availability changes log at info level.
func (l *UpdateLogger) Attach(h coordinator.Handle) coordinator.Subscription {
	return h.AddListener(func() { l.log(h) })
}

func (l *UpdateLogger) log(h coordinator.Handle) {
	st := h.Status()

	l.mu.Lock()
	was, seen := l.available[st.Name]
	l.available[st.Name] = st.LastUpdateSuccess
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("coordinator", st.Name),
		zap.Bool("success", st.LastUpdateSuccess),
		zap.Int("consecutive_failures", st.ConsecutiveFailures),
	}
	if seen && was != st.LastUpdateSuccess {
		if st.LastUpdateSuccess {
			l.logger.Info("Coordinator available", fields...)
		} else {
			l.logger.Info("Coordinator unavailable", append(fields, zap.String("error", st.LastError))...)
		}
		return
	}
	l.logger.Debug("Coordinator updated", fields...)
}
