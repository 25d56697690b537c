package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nopFactory(ctx *Context) (Integration, error) { return nil, nil }

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name        string
		info        TypeInfo
		errContains string
	}{
		{
			name: "valid registration",
			info: TypeInfo{Type: "sun", Description: "Sun position", Factory: nopFactory},
		},
		{
			name:        "empty type",
			info:        TypeInfo{Factory: nopFactory},
			errContains: "type cannot be empty",
		},
		{
			name:        "nil factory",
			info:        TypeInfo{Type: "sun"},
			errContains: "factory cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(zap.NewNop())
			err := r.Register(tt.info)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			info, ok := r.Get(tt.info.Type)
			require.True(t, ok)
			assert.Equal(t, tt.info.Description, info.Description)
		})
	}
}

func TestRegistry_PriorityOverride(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(TypeInfo{Type: "rest", Description: "public", Factory: nopFactory}))
	require.NoError(t, r.Register(TypeInfo{Type: "rest", Description: "private", Priority: PriorityOverride, Factory: nopFactory}))
	require.NoError(t, r.Register(TypeInfo{Type: "rest", Description: "late public", Factory: nopFactory}))

	info, ok := r.Get("rest")
	require.True(t, ok)
	assert.Equal(t, "private", info.Description)
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(nil)
	for _, typ := range []string{"upstream", "rest", "sun"} {
		require.NoError(t, r.Register(TypeInfo{Type: typ, Factory: nopFactory}))
	}

	var names []string
	for _, info := range r.List() {
		names = append(names, info.Type)
	}
	assert.Equal(t, []string{"rest", "sun", "upstream"}, names)

	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestContext_DecodeOptions(t *testing.T) {
	type opts struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	}

	t.Run("typed decode", func(t *testing.T) {
		ctx := &Context{Entry: EntryConfig{Name: "x", Options: map[string]any{
			"url":     "http://device.local/status",
			"timeout": "3s",
		}}}
		var o opts
		require.NoError(t, ctx.DecodeOptions(&o))
		assert.Equal(t, "http://device.local/status", o.URL)
		assert.Equal(t, 3*time.Second, o.Timeout)
	})

	t.Run("unknown key", func(t *testing.T) {
		ctx := &Context{Entry: EntryConfig{Name: "x", Options: map[string]any{"uri": "typo"}}}
		var o opts
		assert.ErrorContains(t, ctx.DecodeOptions(&o), "invalid options for x")
	})

	t.Run("no options", func(t *testing.T) {
		ctx := &Context{Entry: EntryConfig{Name: "x"}}
		o := opts{URL: "default"}
		require.NoError(t, ctx.DecodeOptions(&o))
		assert.Equal(t, "default", o.URL)
	})
}

func TestContext_NamesAndInterval(t *testing.T) {
	d := 5 * time.Second
	ctx := &Context{Entry: EntryConfig{Name: "weather", ScanInterval: &d}}

	assert.Equal(t, "weather", ctx.CoordinatorName(""))
	assert.Equal(t, "weather.forecast", ctx.CoordinatorName("forecast"))
	assert.Equal(t, 5*time.Second, ctx.Interval(time.Minute))

	ctx.Entry.ScanInterval = nil
	assert.Equal(t, time.Minute, ctx.Interval(time.Minute))
}
