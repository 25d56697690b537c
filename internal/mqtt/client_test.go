package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hacoordinator/internal/config"
)

func testConfig() config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.Broker = "tcp://127.0.0.1:1883"
	cfg.ClientID = "hacoordinator-test"
	cfg.TopicPrefix = "test"
	return cfg
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "user"
	cfg.Password = "pass"

	opts := buildClientOptions(cfg)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "127.0.0.1:1883", opts.Servers[0].Host)
	assert.Equal(t, "hacoordinator-test", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "pass", opts.Password)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.CleanSession)
	assert.Equal(t, time.Minute, opts.MaxReconnectInterval)

	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "test/status", opts.WillTopic)
	assert.True(t, opts.WillRetained)

	var will map[string]string
	require.NoError(t, json.Unmarshal(opts.WillPayload, &will))
	assert.Equal(t, "offline", will["status"])
	assert.Equal(t, "unexpected_disconnect", will["reason"])
}

func TestBuildClientOptions_NoCredentials(t *testing.T) {
	opts := buildClientOptions(testConfig())
	assert.Empty(t, opts.Username)
	assert.Empty(t, opts.Password)
}

func TestBuildStatusPayload(t *testing.T) {
	var online map[string]string
	require.NoError(t, json.Unmarshal([]byte(buildStatusPayload("id-1", "online", "")), &online))
	assert.Equal(t, "online", online["status"])
	assert.Equal(t, "id-1", online["client_id"])
	assert.NotContains(t, online, "reason")

	_, err := time.Parse(time.RFC3339, online["timestamp"])
	assert.NoError(t, err)
}

func TestPublish_ValidatesBeforeConnecting(t *testing.T) {
	c := &Client{cfg: testConfig(), logger: zap.NewNop()}

	assert.ErrorIs(t, c.Publish("", []byte("x"), 0, false), ErrInvalidTopic)
	assert.ErrorIs(t, c.Publish("a/b", []byte("x"), 3, false), ErrInvalidQoS)
	assert.ErrorIs(t, c.Publish("a/b", make([]byte, maxPayloadSize+1), 0, false), ErrPublishFailed)
}

func TestClose_NilClient(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.Close())
}
