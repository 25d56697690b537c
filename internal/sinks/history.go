package sinks

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"hacoordinator/pkg/clock"
	"hacoordinator/pkg/coordinator"
)

// MeasurementCoordinatorUpdate is the measurement written per update.
const MeasurementCoordinatorUpdate = "coordinator_update"

// PointWriter queues points without blocking, like influx.Client.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// numeric is implemented by data types that can expose a single number.
type numeric interface {
	Float() (float64, bool)
}

// HistoryRecorder writes one point per coordinator update.
type HistoryRecorder struct {
	w      PointWriter
	clock  clock.Clock
	logger *zap.Logger
}

func NewHistoryRecorder(w PointWriter, c clock.Clock, logger *zap.Logger) *HistoryRecorder {
	if c == nil {
		c = clock.NewRealClock()
	}
	return &HistoryRecorder{w: w, clock: c, logger: logger.Named("history")}
}

// Attach records every update of h.
func (r *HistoryRecorder) Attach(h coordinator.Handle) coordinator.Subscription {
	return h.AddListener(func() { r.record(h) })
}

func (r *HistoryRecorder) record(h coordinator.Handle) {
	st := h.Status()
	fields := map[string]interface{}{
		"success":              st.LastUpdateSuccess,
		"consecutive_failures": st.ConsecutiveFailures,
	}
	if v, ok := h.Value(); ok {
		if n, ok := v.(numeric); ok {
			if f, ok := n.Float(); ok {
				fields["value"] = f
			}
		}
	}

	r.w.WritePoint(write.NewPoint(MeasurementCoordinatorUpdate,
		map[string]string{"coordinator": st.Name},
		fields,
		r.clock.Now()))
}
