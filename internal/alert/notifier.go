package alert

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Notifier OS级通知通道
// 失败静默降级：应用内可视通道是权威通道，不依赖本通道成功
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// WebhookNotifier 通过 webhook 投递通知
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 webhook 通知通道
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(5*time.Second).
		SetRetryCount(1).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// Notify 投递单个报警事件
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"kind":              string(event.Kind),
			"device_id":         event.DeviceID,
			"first_detected_at": event.FirstDetectedAt.UnixMilli(),
		}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to post alert webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// Beeper 本地提示音通道
type Beeper interface {
	Beep() error
}

// TerminalBeeper 向终端写入 BEL 作为提示音
type TerminalBeeper struct {
	w io.Writer
}

func NewTerminalBeeper(w io.Writer) *TerminalBeeper {
	return &TerminalBeeper{w: w}
}

func (b *TerminalBeeper) Beep() error {
	_, err := b.w.Write([]byte("\a"))
	return err
}
