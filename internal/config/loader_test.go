package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hacoordinator/pkg/clock"
)

const baseConfig = `reload_interval: 30s
integrations:
  - name: sun
    type: sun
    options:
      latitude: 51.5
      longitude: -0.12
  - name: boiler
    type: rest
    scan_interval: 1m
    options:
      url: http://boiler.local/api/status
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func setupLoader(t *testing.T, content string) (*Loader, *clock.MockClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, content)

	mc := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	logger, _ := zap.NewDevelopment()
	l := NewLoader(path, logger, mc)
	t.Cleanup(l.Stop)
	return l, mc, path
}

func TestLoader_Load(t *testing.T) {
	l, _, _ := setupLoader(t, baseConfig)

	cfg, err := l.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Integrations, 2)
	assert.Equal(t, "boiler", cfg.Integrations[1].Name)
	require.NotNil(t, cfg.Integrations[1].ScanInterval)
	assert.Equal(t, time.Minute, *cfg.Integrations[1].ScanInterval)
	assert.Nil(t, cfg.Integrations[0].ScanInterval)
	assert.Equal(t, 51.5, cfg.Integrations[0].Options["latitude"])
	assert.Same(t, cfg, l.Current())
}

func TestLoader_MissingFile(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	l := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), logger, nil)

	_, err := l.Load()
	assert.ErrorContains(t, err, "failed to read config")
	assert.Nil(t, l.Current())
}

func TestLoader_AutoReloadAppliesChanges(t *testing.T) {
	l, mc, path := setupLoader(t, baseConfig)
	_, err := l.Load()
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []map[string]*time.Duration
	l.StartAutoReload(func(prev, next *Config) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, ScanIntervalChanges(prev, next))
	})

	mc.Advance(30 * time.Second)
	mu.Lock()
	assert.Empty(t, calls, "unchanged file does not notify")
	mu.Unlock()

	writeConfig(t, path, `reload_interval: 30s
integrations:
  - name: sun
    type: sun
    scan_interval: 5m
  - name: boiler
    type: rest
    scan_interval: 15s
`)
	mc.Advance(30 * time.Second)

	mu.Lock()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.Equal(t, 5*time.Minute, *calls[0]["sun"])
	assert.Equal(t, 15*time.Second, *calls[0]["boiler"])
	mu.Unlock()
	assert.Equal(t, 1, mc.PendingTimers())
}

func TestLoader_AutoReloadKeepsConfigOnError(t *testing.T) {
	l, mc, path := setupLoader(t, baseConfig)
	cfg, err := l.Load()
	require.NoError(t, err)

	called := false
	l.StartAutoReload(func(prev, next *Config) { called = true })

	writeConfig(t, path, "integrations: [not: valid")
	mc.Advance(30 * time.Second)

	assert.False(t, called)
	assert.Same(t, cfg, l.Current())
	assert.Equal(t, 1, mc.PendingTimers(), "reload keeps running after a bad file")
}

func TestLoader_StopAndDisabledReload(t *testing.T) {
	l, mc, _ := setupLoader(t, baseConfig)
	_, err := l.Load()
	require.NoError(t, err)

	l.StartAutoReload(nil)
	require.Equal(t, 1, mc.PendingTimers())
	l.Stop()
	assert.Equal(t, 0, mc.PendingTimers())

	l2, mc2, _ := setupLoader(t, "reload_interval: 0s\n")
	_, err = l2.Load()
	require.NoError(t, err)
	l2.StartAutoReload(nil)
	assert.Equal(t, 0, mc2.PendingTimers())
}
