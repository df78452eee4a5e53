package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// 离线发布队列容量（断线期间缓存的待发布消息数）
	OfflineQueueSize int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StoreConfig 远端设备注册库配置（路径寻址的 JSON 文档存储）
type StoreConfig struct {
	BaseURL      string
	AuthToken    string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Config 服务配置
type Config struct {
	MQTT  MQTTConfig
	Redis RedisConfig
	Store StoreConfig

	// 遥测主题配置
	Telemetry struct {
		// 设备数据主题前缀，订阅 {TopicPrefix}/#
		// 主题格式: bins/{device_id}/{category}[/{subcategory}]
		TopicPrefix string
		// 注册库元数据主题（retained），格式: registry/+/meta
		RegistryTopic string
	}

	// 在线状态跟踪配置
	Presence struct {
		SweepInterval time.Duration // 周期扫描间隔
		Cutoff        time.Duration // 离线判定阈值（应为扫描间隔的小倍数）
	}

	// 日志历史配置
	Logs struct {
		RingCapacity    int           // 每设备环形缓冲容量
		BackfillCount   int           // 按需回填的目标条数
		BackfillTimeout time.Duration // 回填订阅的超时时间
		// 回填请求/响应主题模板（%s 为设备 ID）
		// 两者都在数据主题前缀之外，避免被常规订阅重复消费
		RequestTopicFmt  string
		ResponseTopicFmt string
	}

	// 报警配置
	Alert struct {
		FullThreshold   int           // 满溢判定阈值（fill_pct >= 阈值）
		DebounceWindow  time.Duration // 同一 (类型, 设备) 的去重窗口
		AudibleInterval time.Duration // 未处理报警存在时的提示音间隔
		MuteKey         string        // 静音偏好的持久化键
		WebhookURL      string        // OS级通知通道（可选，为空则禁用）
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-bin-monitor")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.OfflineQueueSize = getEnvInt("MQTT_OFFLINE_QUEUE_SIZE", 512)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Store.BaseURL = getEnv("STORE_BASE_URL", "http://localhost:9000")
	cfg.Store.AuthToken = getEnv("STORE_AUTH_TOKEN", "")
	cfg.Store.PollInterval = getEnvDuration("STORE_POLL_INTERVAL", 3*time.Second)
	cfg.Store.Timeout = getEnvDuration("STORE_TIMEOUT", 10*time.Second)

	cfg.Telemetry.TopicPrefix = getEnv("TELEMETRY_TOPIC_PREFIX", "bins")
	cfg.Telemetry.RegistryTopic = getEnv("TELEMETRY_REGISTRY_TOPIC", "registry/+/meta")

	cfg.Presence.SweepInterval = getEnvDuration("PRESENCE_SWEEP_INTERVAL", 2*time.Second)
	cfg.Presence.Cutoff = getEnvDuration("PRESENCE_CUTOFF", 8*time.Second)

	cfg.Logs.RingCapacity = getEnvInt("LOG_RING_CAPACITY", 50)
	cfg.Logs.BackfillCount = getEnvInt("LOG_BACKFILL_COUNT", 20)
	cfg.Logs.BackfillTimeout = getEnvDuration("LOG_BACKFILL_TIMEOUT", 5*time.Second)
	cfg.Logs.RequestTopicFmt = getEnv("LOG_REQUEST_TOPIC_FMT", "bincmd/%s/log")
	cfg.Logs.ResponseTopicFmt = getEnv("LOG_RESPONSE_TOPIC_FMT", "binlog/%s")

	cfg.Alert.FullThreshold = getEnvInt("ALERT_FULL_THRESHOLD", 95)
	cfg.Alert.DebounceWindow = getEnvDuration("ALERT_DEBOUNCE_WINDOW", 20*time.Second)
	cfg.Alert.AudibleInterval = getEnvDuration("ALERT_AUDIBLE_INTERVAL", 3*time.Second)
	cfg.Alert.MuteKey = getEnv("ALERT_MUTE_KEY", "bin-monitor:alerts:muted")
	cfg.Alert.WebhookURL = getEnv("ALERT_WEBHOOK_URL", "")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate 校验配置约束
func (c *Config) validate() error {
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep interval must be positive, got %s", c.Presence.SweepInterval)
	}
	// 离线阈值必须是扫描间隔的小倍数，否则离线判定误差不可控
	if c.Presence.Cutoff < 2*c.Presence.SweepInterval {
		return fmt.Errorf("presence cutoff %s must be at least twice the sweep interval %s",
			c.Presence.Cutoff, c.Presence.SweepInterval)
	}
	if c.Logs.RingCapacity <= 0 {
		return fmt.Errorf("log ring capacity must be positive, got %d", c.Logs.RingCapacity)
	}
	if c.Alert.FullThreshold < 0 || c.Alert.FullThreshold > 100 {
		return fmt.Errorf("full threshold must be in [0,100], got %d", c.Alert.FullThreshold)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
