package mqtt

import (
	"fmt"
	"sync"
	"time"

	"wisefido-bin-monitor/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte, retained bool) error

// subscription 已登记的订阅，重连后自动恢复
type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
// 自动重连（有界回退）、重连后恢复全部订阅、
// 断线期间的发布进入 FIFO 队列并在恢复后按序重发
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu           sync.Mutex
	subs         map[string]subscription
	connHandlers []func(connected bool)

	queue *PublishQueue
}

// NewClient 创建MQTT客户端并建立连接
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		config: cfg,
		logger: logger,
		subs:   make(map[string]subscription),
		queue:  NewPublishQueue(cfg.OfflineQueueSize),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)

	c.client = mqtt.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return c, nil
}

// Subscribe 订阅主题（登记后重连自动恢复）
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	return c.subscribe(topic, qos, handler)
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload(), msg.Retained()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Publish 发布消息
// 断线时消息进入 FIFO 队列，恢复连接后按序重发
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnected() {
		if c.queue.Enqueue(Message{Topic: topic, QoS: qos, Retained: retained, Payload: payload}) {
			c.logger.Warn("Offline publish queue full, dropped oldest message",
				zap.String("topic", topic),
			)
		}
		return nil
	}

	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Unsubscribe 取消订阅（同时移除重连恢复登记）
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}

	return nil
}

// OnConnectionChange 注册连接状态变化回调
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connHandlers = append(c.connHandlers, fn)
}

// handleConnect 连接（或重连）成功：恢复订阅、冲刷发布队列
func (c *Client) handleConnect(_ mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	handlers := append([]func(bool){}, c.connHandlers...)
	c.mu.Unlock()

	for topic, sub := range subs {
		if err := c.subscribe(topic, sub.qos, sub.handler); err != nil {
			c.logger.Error("Failed to restore subscription",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}

	queued := c.queue.Drain()
	for _, msg := range queued {
		if err := c.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload); err != nil {
			c.logger.Error("Failed to flush queued publish",
				zap.String("topic", msg.Topic),
				zap.Error(err),
			)
		}
	}
	if len(queued) > 0 {
		c.logger.Info("Flushed offline publish queue",
			zap.Int("messages", len(queued)),
		)
	}

	for _, fn := range handlers {
		fn(true)
	}
}

// handleConnectionLost 连接断开：通知观察者，等待自动重连
func (c *Client) handleConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("MQTT connection lost", zap.Error(err))

	c.mu.Lock()
	handlers := append([]func(bool){}, c.connHandlers...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(false)
	}
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
