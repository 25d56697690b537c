package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hacoordinator/pkg/clock"
	"hacoordinator/pkg/coordinator"
	"hacoordinator/pkg/integration"
)

const statusBody = `{"device":{"name":"boiler","sensors":[{"id":"flow","temp":61.5},{"id":"return","temp":44}]},"online":true}`

func TestExtract(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		path        string
		wantValue   any
		wantNum     float64
		wantNumeric bool
		wantErr     string
	}{
		{name: "nested number", body: statusBody, path: "device.sensors.0.temp", wantValue: 61.5, wantNum: 61.5, wantNumeric: true},
		{name: "query", body: statusBody, path: `device.sensors.#(id=="return").temp`, wantValue: float64(44), wantNum: 44, wantNumeric: true},
		{name: "bool", body: statusBody, path: "online", wantValue: true},
		{name: "string", body: statusBody, path: "device.name", wantValue: "boiler"},
		{name: "missing path", body: statusBody, path: "device.firmware", wantErr: "not found"},
		{name: "invalid json", body: `{"device":`, path: "device", wantErr: "not valid JSON"},
		{name: "whole document", body: `42`, wantValue: float64(42), wantNum: 42, wantNumeric: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := extract([]byte(tt.body), tt.path, http.StatusOK)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, r.Value)
			num, ok := r.Float()
			assert.Equal(t, tt.wantNumeric, ok)
			assert.Equal(t, tt.wantNum, num)
		})
	}
}

func TestOptions_Validate(t *testing.T) {
	o := Options{URL: "http://boiler.local/status", Method: "post"}
	require.NoError(t, o.Validate())
	assert.Equal(t, http.MethodPost, o.Method)
	assert.Equal(t, DefaultTimeout, o.Timeout)

	assert.ErrorContains(t, (&Options{}).Validate(), "url is required")
	assert.ErrorContains(t, (&Options{URL: "ftp://x"}).Validate(), "http or https")
}

func newIntegration(t *testing.T, mc *clock.MockClock, opts map[string]any) *Integration {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	integ, err := New(&integration.Context{
		Entry:  integration.EntryConfig{Name: "boiler", Type: "rest", Options: opts},
		Logger: logger,
		Clock:  mc,
	})
	require.NoError(t, err)
	t.Cleanup(integ.Unload)
	return integ.(*Integration)
}

func TestIntegration_PollsEndpoint(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(statusBody))
	}))
	defer server.Close()

	mc := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newIntegration(t, mc, map[string]any{
		"url":        server.URL,
		"value_path": "device.sensors.0.temp",
		"headers":    map[string]any{"X-Api-Key": "secret"},
	})

	require.NoError(t, r.Setup(context.Background()))
	reading, ok := r.Coordinator().Data()
	require.True(t, ok)
	assert.Equal(t, 61.5, reading.Value)
	assert.Equal(t, http.StatusOK, reading.StatusCode)

	r.Coordinator().AddListener(func() {})
	mc.Advance(DefaultInterval)
	assert.Equal(t, int64(2), hits.Load())
}

func TestIntegration_StatusHandling(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		authFailed bool
		retryAfter time.Duration
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, authFailed: true},
		{name: "forbidden", status: http.StatusForbidden, authFailed: true},
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "120"}, retryAfter: 2 * time.Minute},
		{name: "server error", status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			mc := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			r := newIntegration(t, mc, map[string]any{"url": server.URL})

			err := r.Setup(context.Background())
			require.Error(t, err)
			if tt.authFailed {
				assert.ErrorIs(t, err, coordinator.ErrAuthFailed)
				assert.NotErrorIs(t, err, coordinator.ErrNotReady)
				return
			}
			assert.ErrorIs(t, err, coordinator.ErrNotReady)

			var updateFailed *coordinator.UpdateFailedError
			if tt.retryAfter > 0 {
				require.ErrorAs(t, err, &updateFailed)
				assert.Equal(t, tt.retryAfter, updateFailed.RetryAfter)
			} else {
				assert.False(t, errors.As(err, &updateFailed))
			}
		})
	}
}

func TestIntegration_TimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	mc := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newIntegration(t, mc, map[string]any{"url": server.URL, "timeout": "50ms"})

	err := r.Setup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, coordinator.ErrNotReady)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntegration_UnreachableIsNotReady(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	mc := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	r := newIntegration(t, mc, map[string]any{"url": url})

	assert.ErrorIs(t, r.Setup(context.Background()), coordinator.ErrNotReady)
}
