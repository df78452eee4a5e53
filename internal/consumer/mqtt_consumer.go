package consumer

import (
	"fmt"

	"wisefido-bin-monitor/internal/config"
	"wisefido-bin-monitor/internal/metrics"
	mqttcommon "wisefido-bin-monitor/internal/mqtt"
	"wisefido-bin-monitor/internal/normalizer"

	"go.uber.org/zap"
)

// Bus 消费者需要的总线能力（便于测试注入）
type Bus interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Sink 规范化消息的下游入口（事件循环）
type Sink func(msg *normalizer.Message)

// MQTTConsumer MQTT消息消费者
// 订阅遥测数据主题和注册库元数据主题，
// 规范化后交给事件循环，无法归属设备的消息计数后丢弃
type MQTTConsumer struct {
	config     *config.Config
	bus        Bus
	normalizer *normalizer.Normalizer
	metrics    *metrics.Metrics
	sink       Sink
	logger     *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	bus Bus,
	norm *normalizer.Normalizer,
	m *metrics.Metrics,
	sink Sink,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		bus:        bus,
		normalizer: norm,
		metrics:    m,
		sink:       sink,
		logger:     logger,
	}
}

// dataTopic 数据主题通配模式
func (c *MQTTConsumer) dataTopic() string {
	return c.config.Telemetry.TopicPrefix + "/#"
}

// Start 启动消费者
func (c *MQTTConsumer) Start() error {
	if err := c.bus.Subscribe(c.dataTopic(), c.config.MQTT.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to data topic: %w", err)
	}
	if err := c.bus.Subscribe(c.config.Telemetry.RegistryTopic, c.config.MQTT.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to registry topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("data_topic", c.dataTopic()),
		zap.String("registry_topic", c.config.Telemetry.RegistryTopic),
	)
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop() error {
	if err := c.bus.Unsubscribe(c.dataTopic(), c.config.Telemetry.RegistryTopic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理MQTT消息
func (c *MQTTConsumer) handleMessage(topic string, payload []byte, retained bool) error {
	c.metrics.IncBusMessage()

	msg, ok := c.normalizer.Normalize(topic, payload, retained)
	if !ok {
		// 无法归属到设备：计数后丢弃，不算错误
		c.metrics.IncDroppedMessage()
		return nil
	}

	c.logger.Debug("Received telemetry message",
		zap.String("topic", topic),
		zap.String("device_id", msg.DeviceID),
		zap.Bool("retained", retained),
	)

	c.sink(msg)
	return nil
}
