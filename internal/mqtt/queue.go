package mqtt

import "sync"

// Message 待发布的总线消息
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// PublishQueue 断线期间的发布缓冲
// FIFO 语义：恢复连接后按入队顺序重发；超出容量时丢弃最旧的
type PublishQueue struct {
	mu    sync.Mutex
	max   int
	items []Message
}

// NewPublishQueue 创建发布缓冲
func NewPublishQueue(max int) *PublishQueue {
	if max <= 0 {
		max = 1
	}
	return &PublishQueue{max: max}
}

// Enqueue 入队一条消息，返回是否因容量丢弃了最旧的消息
func (q *PublishQueue) Enqueue(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, msg)
	return dropped
}

// Drain 取出全部排队消息（入队顺序）并清空队列
func (q *PublishQueue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Len 当前排队消息数
func (q *PublishQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
