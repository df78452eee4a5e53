package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"wisefido-bin-monitor/internal/models"
	"wisefido-bin-monitor/internal/normalizer"

	"go.uber.org/zap"
)

// ErrBackfillTimeout 回填在收齐目标条数前超时
var ErrBackfillTimeout = fmt.Errorf("log backfill timed out")

// tsKeys 回填条目中设备时间戳的候选键名
var tsKeys = []string{"ts", "timestamp", "time"}

// BackfillLogs 按需回填设备日志历史
// 打开一个限时的总线订阅，向设备发布回填请求，逐条累积响应；
// 收齐目标条数后合入该设备的日志环。超时则取消订阅并
// 丢弃已累积的数据，返回 ErrBackfillTimeout
func (m *Monitor) BackfillLogs(ctx context.Context, deviceID string) (int, error) {
	target := m.config.Logs.BackfillCount
	respTopic := fmt.Sprintf(m.config.Logs.ResponseTopicFmt, deviceID)
	reqTopic := fmt.Sprintf(m.config.Logs.RequestTopicFmt, deviceID)

	ctx, cancel := context.WithTimeout(ctx, m.config.Logs.BackfillTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		entries []models.LogEntry
		once    sync.Once
		done    = make(chan struct{})
	)

	handler := func(topic string, payload []byte, retained bool) error {
		entry := parseBackfillEntry(payload, time.Now())

		mu.Lock()
		entries = append(entries, entry)
		n := len(entries)
		mu.Unlock()

		if n >= target {
			once.Do(func() { close(done) })
		}
		return nil
	}

	if err := m.bus.Subscribe(respTopic, m.config.MQTT.QoS, handler); err != nil {
		return 0, fmt.Errorf("failed to subscribe to backfill topic: %w", err)
	}
	defer func() {
		if err := m.bus.Unsubscribe(respTopic); err != nil {
			m.logger.Warn("Failed to unsubscribe backfill topic",
				zap.String("topic", respTopic),
				zap.Error(err),
			)
		}
	}()

	request, _ := json.Marshal(map[string]any{"count": target})
	if err := m.bus.Publish(reqTopic, m.config.MQTT.QoS, false, request); err != nil {
		return 0, fmt.Errorf("failed to publish backfill request: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		// 超时：丢弃累积，不做半量合入
		m.logger.Info("Log backfill timed out, discarding partial accumulation",
			zap.String("device_id", deviceID),
		)
		return 0, ErrBackfillTimeout
	}

	mu.Lock()
	collected := entries
	entries = nil
	mu.Unlock()

	// 收齐后的合入挂到服务生命周期上，回填超时边缘不丢事件
	m.enqueue(m.runCtx, backfillEvent{deviceID: deviceID, entries: collected})

	m.logger.Info("Log backfill completed",
		zap.String("device_id", deviceID),
		zap.Int("entries", len(collected)),
	)
	return len(collected), nil
}

// parseBackfillEntry 回填响应 → 日志条目
// Arrival 一律取本地接收时间，设备时间戳按量级启发式解析
func parseBackfillEntry(payload []byte, arrival time.Time) models.LogEntry {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		obj = map[string]any{"raw": string(payload)}
	}

	entry := models.LogEntry{Arrival: arrival, Payload: obj}
	for _, key := range tsKeys {
		if v, ok := obj[key]; ok {
			entry.TS = normalizer.ParseDeviceTimestamp(v)
			break
		}
	}
	return entry
}
