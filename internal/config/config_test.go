package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "wisefido-bin-monitor", cfg.MQTT.ClientID)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, 512, cfg.MQTT.OfflineQueueSize)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "http://localhost:9000", cfg.Store.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Store.PollInterval)

	assert.Equal(t, "bins", cfg.Telemetry.TopicPrefix)
	assert.Equal(t, "registry/+/meta", cfg.Telemetry.RegistryTopic)

	assert.Equal(t, 2*time.Second, cfg.Presence.SweepInterval)
	assert.Equal(t, 8*time.Second, cfg.Presence.Cutoff)

	assert.Equal(t, 50, cfg.Logs.RingCapacity)
	assert.Equal(t, 95, cfg.Alert.FullThreshold)
	assert.Equal(t, 20*time.Second, cfg.Alert.DebounceWindow)
	assert.Equal(t, 3*time.Second, cfg.Alert.AudibleInterval)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("MQTT_BROKER", "tcp://test-broker:1883")
	os.Setenv("MQTT_CLIENT_ID", "test-client")
	os.Setenv("STORE_BASE_URL", "http://test-store:9000")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("PRESENCE_SWEEP_INTERVAL", "1s")
	os.Setenv("PRESENCE_CUTOFF", "4s")
	os.Setenv("ALERT_FULL_THRESHOLD", "90")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证环境变量覆盖
	assert.Equal(t, "tcp://test-broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "test-client", cfg.MQTT.ClientID)
	assert.Equal(t, "http://test-store:9000", cfg.Store.BaseURL)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, time.Second, cfg.Presence.SweepInterval)
	assert.Equal(t, 4*time.Second, cfg.Presence.Cutoff)
	assert.Equal(t, 90, cfg.Alert.FullThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 清理环境变量
	os.Clearenv()
}

func TestLoad_InvalidCutoff(t *testing.T) {
	os.Clearenv()
	os.Setenv("PRESENCE_SWEEP_INTERVAL", "5s")
	os.Setenv("PRESENCE_CUTOFF", "6s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cutoff")

	os.Clearenv()
}

func TestGetEnvDuration(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, 2*time.Second, getEnvDuration("TEST_DURATION", 2*time.Second))

	os.Setenv("TEST_DURATION", "150ms")
	assert.Equal(t, 150*time.Millisecond, getEnvDuration("TEST_DURATION", 2*time.Second))

	// 非法值回退到默认值
	os.Setenv("TEST_DURATION", "not-a-duration")
	assert.Equal(t, 2*time.Second, getEnvDuration("TEST_DURATION", 2*time.Second))

	os.Unsetenv("TEST_DURATION")
}
