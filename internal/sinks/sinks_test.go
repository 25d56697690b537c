package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"hacoordinator/pkg/clock"
	"hacoordinator/pkg/coordinator"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// meterReading exposes a number like rest.Reading does.
type meterReading float64

func (m meterReading) Float() (float64, bool) { return float64(m), true }

func newPushCoordinator[T any](t *testing.T, name string, mc *clock.MockClock) *coordinator.Coordinator[T] {
	t.Helper()
	c, err := coordinator.New(name, func(context.Context) (T, error) {
		var zero T
		return zero, errors.New("push only")
	}, coordinator.WithClock(mc))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

type published struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, string(payload), qos, retained})
	return f.err
}

func (f *fakePublisher) Messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func TestStatePublisher_PublishesAvailabilityAndState(t *testing.T) {
	mc := clock.NewMockClock(epoch)
	c := newPushCoordinator[map[string]int](t, "garage", mc)
	pub := &fakePublisher{}
	p := NewStatePublisher(pub, "home", 1, 16, zap.NewNop())

	p.Attach(c)
	c.SetUpdatedData(map[string]int{"door": 1})
	c.SetUpdateError(errors.New("link down"))

	p.Start()
	p.Stop()

	msgs := pub.Messages()
	require.Len(t, msgs, 6)
	for _, m := range msgs {
		assert.True(t, m.retained)
		assert.Equal(t, byte(1), m.qos)
	}

	assert.Equal(t, published{"home/garage/availability", "offline", 1, true}, msgs[0])
	assert.Equal(t, "home/garage/state", msgs[1].topic)
	assert.JSONEq(t, `{"coordinator":"garage","available":false,"consecutive_failures":0}`, msgs[1].payload)

	assert.Equal(t, "online", msgs[2].payload)
	var state StatePayload
	require.NoError(t, json.Unmarshal([]byte(msgs[3].payload), &state))
	assert.True(t, state.Available)
	require.NotNil(t, state.LastSuccess)
	assert.True(t, epoch.Equal(*state.LastSuccess))
	assert.Equal(t, map[string]any{"door": float64(1)}, state.Data)

	assert.Equal(t, "offline", msgs[4].payload)
	require.NoError(t, json.Unmarshal([]byte(msgs[5].payload), &state))
	assert.False(t, state.Available)
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.Equal(t, "link down", state.LastError)
	assert.NotNil(t, state.Data, "cached data survives the failure")
}

func TestStatePublisher_DropsWhenQueueFull(t *testing.T) {
	mc := clock.NewMockClock(epoch)
	c := newPushCoordinator[int](t, "meter", mc)
	pub := &fakePublisher{}
	p := NewStatePublisher(pub, "home", 0, 2, zap.NewNop())

	p.Attach(c)
	c.SetUpdatedData(7)
	assert.Equal(t, int64(2), p.Dropped())

	p.Start()
	p.Stop()
	assert.Len(t, pub.Messages(), 2)
}

func TestStatePublisher_PublishErrorsDoNotStopWorker(t *testing.T) {
	mc := clock.NewMockClock(epoch)
	c := newPushCoordinator[int](t, "meter", mc)
	pub := &fakePublisher{err: errors.New("not connected")}
	p := NewStatePublisher(pub, "home", 0, 8, zap.NewNop())

	p.Start()
	p.Attach(c)
	c.SetUpdatedData(1)
	p.Stop()
	p.Stop()

	assert.Len(t, pub.Messages(), 4)
}

func TestStatePublisher_Unsubscribe(t *testing.T) {
	mc := clock.NewMockClock(epoch)
	c := newPushCoordinator[int](t, "meter", mc)
	pub := &fakePublisher{}
	p := NewStatePublisher(pub, "home", 0, 8, zap.NewNop())

	sub := p.Attach(c)
	sub.Unsubscribe()
	c.SetUpdatedData(1)

	p.Start()
	p.Stop()
	assert.Len(t, pub.Messages(), 2, "only the initial state")
	assert.Equal(t, 0, c.Status().Listeners)
}

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func fieldMap(p *write.Point) map[string]interface{} {
	m := make(map[string]interface{})
	for _, f := range p.FieldList() {
		m[f.Key] = f.Value
	}
	return m
}

func TestHistoryRecorder_WritesPointPerUpdate(t *testing.T) {
	mc := clock.NewMockClock(epoch)
	c := newPushCoordinator[meterReading](t, "power", mc)
	w := &fakeWriter{}
	r := NewHistoryRecorder(w, mc, zap.NewNop())

	r.Attach(c)
	c.SetUpdatedData(3.5)
	mc.Advance(time.Minute)
	c.SetUpdateError(errors.New("timeout"))

	require.Len(t, w.points, 2)

	p := w.points[0]
	assert.Equal(t, MeasurementCoordinatorUpdate, p.Name())
	require.Len(t, p.TagList(), 1)
	assert.Equal(t, "coordinator", p.TagList()[0].Key)
	assert.Equal(t, "power", p.TagList()[0].Value)
	assert.Equal(t, epoch, p.Time())
	assert.Equal(t, map[string]interface{}{
		"success":              true,
		"consecutive_failures": int64(0),
		"value":                3.5,
	}, fieldMap(p))

	fields := fieldMap(w.points[1])
	assert.Equal(t, false, fields["success"])
	assert.Equal(t, int64(1), fields["consecutive_failures"])
	assert.Equal(t, epoch.Add(time.Minute), w.points[1].Time())
}

func TestHistoryRecorder_NonNumericData(t *testing.T) {
	mc := clock.NewMockClock(epoch)
	c := newPushCoordinator[string](t, "mode", mc)
	w := &fakeWriter{}
	NewHistoryRecorder(w, mc, zap.NewNop()).Attach(c)

	c.SetUpdatedData("eco")

	require.Len(t, w.points, 1)
	assert.NotContains(t, fieldMap(w.points[0]), "value")
}

func TestUpdateLogger_LogsAvailabilityChanges(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	mc := clock.NewMockClock(epoch)
	c := newPushCoordinator[int](t, "porch", mc)
	NewUpdateLogger(zap.New(core)).Attach(c)

	c.SetUpdatedData(1)
	c.SetUpdatedData(2)
	c.SetUpdateError(errors.New("offline"))
	c.SetUpdatedData(3)

	assert.Equal(t, 2, logs.FilterMessage("Coordinator updated").Len())
	require.Equal(t, 1, logs.FilterMessage("Coordinator unavailable").Len())
	assert.Equal(t, "offline", logs.FilterMessage("Coordinator unavailable").All()[0].ContextMap()["error"])
	assert.Equal(t, 1, logs.FilterMessage("Coordinator available").Len())
}
