package sun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hacoordinator/pkg/clock"
	"hacoordinator/pkg/coordinator"
	"hacoordinator/pkg/integration"
)

const (
	londonLat = 51.5074
	londonLon = -0.1278
)

func TestCompute_Events(t *testing.T) {
	midsummer := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		at    time.Duration
		event Event
		above bool
	}{
		{name: "small hours", at: 1 * time.Hour, event: EventNight, above: false},
		{name: "noon", at: 12 * time.Hour, event: EventDay, above: true},
		{name: "golden hour", at: 19*time.Hour + 50*time.Minute, event: EventSunset, above: true},
		{name: "twilight", at: 20*time.Hour + 35*time.Minute, event: EventDusk, above: false},
		{name: "late night", at: 23 * time.Hour, event: EventNight, above: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Compute(midsummer.Add(tt.at), londonLat, londonLon)
			require.NoError(t, err)
			assert.Equal(t, tt.event, r.Event)
			assert.Equal(t, tt.above, r.AboveHorizon)
			assert.Equal(t, r.Sunrise.Add(-30*time.Minute), r.Dawn)
			assert.Equal(t, r.Sunset.Add(30*time.Minute), r.Dusk)
		})
	}
}

func TestCompute_NextEvents(t *testing.T) {
	day := time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC)

	early, err := Compute(day.Add(time.Hour), londonLat, londonLon)
	require.NoError(t, err)
	assert.Equal(t, early.Sunrise, early.NextRising)
	assert.Equal(t, early.Sunset, early.NextSetting)

	noon, err := Compute(day.Add(12*time.Hour), londonLat, londonLon)
	require.NoError(t, err)
	assert.Equal(t, 22, noon.NextRising.Day())
	assert.Equal(t, noon.Sunset, noon.NextSetting)

	late, err := Compute(day.Add(23*time.Hour), londonLat, londonLon)
	require.NoError(t, err)
	assert.Equal(t, 22, late.NextRising.Day())
	assert.Equal(t, 22, late.NextSetting.Day())
}

func TestCompute_PolarDay(t *testing.T) {
	_, err := Compute(time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC), 78.22, 15.65)
	assert.ErrorIs(t, err, ErrNoSunEvents)
}

func TestOptions_Validate(t *testing.T) {
	assert.NoError(t, Options{Latitude: londonLat, Longitude: londonLon}.Validate())
	assert.Error(t, Options{Latitude: 91}.Validate())
	assert.Error(t, Options{Longitude: -181}.Validate())
}

func newContext(mc *clock.MockClock, opts map[string]any) *integration.Context {
	return &integration.Context{
		Entry:  integration.EntryConfig{Name: "home_sun", Type: "sun", Options: opts},
		Logger: zap.NewNop(),
		Clock:  mc,
	}
}

func TestIntegration_SetupAndRefresh(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2024, 6, 21, 1, 0, 0, 0, time.UTC))
	integ, err := New(newContext(mc, map[string]any{"latitude": londonLat, "longitude": londonLon}))
	require.NoError(t, err)
	defer integ.Unload()

	require.NoError(t, integ.Setup(context.Background()))
	coord := integ.(*Integration).Coordinator()

	r, ok := coord.Data()
	require.True(t, ok)
	assert.Equal(t, EventNight, r.Event)

	var updates int
	coord.AddListener(func() { updates++ })

	mc.Advance(11 * time.Hour)
	r, _ = coord.Data()
	assert.Equal(t, EventDay, r.Event)
	assert.Equal(t, 11*60, updates)
	assert.Equal(t, "home_sun", integ.Coordinators()[0].Name())
}

func TestIntegration_PolarNightIsNotReady(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2024, 12, 21, 12, 0, 0, 0, time.UTC))
	integ, err := New(newContext(mc, map[string]any{"latitude": 78.22, "longitude": 15.65}))
	require.NoError(t, err)
	defer integ.Unload()

	err = integ.Setup(context.Background())
	assert.ErrorIs(t, err, coordinator.ErrNotReady)
	assert.ErrorIs(t, err, ErrNoSunEvents)
}

func TestNew_InvalidOptions(t *testing.T) {
	mc := clock.NewMockClock(time.Now())

	_, err := New(newContext(mc, map[string]any{"latitude": 120.0}))
	assert.ErrorContains(t, err, "latitude")

	_, err = New(newContext(mc, map[string]any{"elevation": 10}))
	assert.ErrorContains(t, err, "invalid options")
}
