package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-bin-monitor/internal/config"
	"wisefido-bin-monitor/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Store 远端设备注册库（路径寻址、最终一致的 JSON 文档存储）
// 写入是部分合并而不是整体覆盖
type Store interface {
	FetchSnapshot(ctx context.Context) (models.StoreSnapshot, error)
	Watch(ctx context.Context, interval time.Duration) <-chan models.StoreSnapshot
	Merge(ctx context.Context, deviceID string, fields map[string]any) error
	Tombstone(ctx context.Context, deviceID string) error
}

// Client 注册库 HTTP 客户端
// 文档路径: {base}/devices.json（整棵子树）、{base}/devices/{id}.json（单设备）
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建注册库客户端
func NewClient(cfg *config.StoreConfig, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(3*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.AuthToken != "" {
		client.SetQueryParam("auth", cfg.AuthToken)
	}

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// FetchSnapshot 读取 devices 子树的完整快照
func (c *Client) FetchSnapshot(ctx context.Context) (models.StoreSnapshot, error) {
	snap, _, err := c.fetch(ctx)
	return snap, err
}

// fetch 读取快照并返回内容摘要（Watch 用于变更比较）
func (c *Client) fetch(ctx context.Context) (models.StoreSnapshot, [32]byte, error) {
	var digest [32]byte

	resp, err := c.httpClient.R().
		SetContext(ctx).
		Get("/devices.json")
	if err != nil {
		return nil, digest, fmt.Errorf("failed to fetch store snapshot: %w", err)
	}
	if resp.IsError() {
		return nil, digest, fmt.Errorf("store snapshot request returned status %d", resp.StatusCode())
	}

	body := resp.Body()
	digest = sha256.Sum256(body)

	// 空子树返回 "null"
	snap := models.StoreSnapshot{}
	if len(body) > 0 && string(body) != "null" {
		if err := json.Unmarshal(body, &snap); err != nil {
			return nil, digest, fmt.Errorf("failed to decode store snapshot: %w", err)
		}
	}
	return snap, digest, nil
}

// Watch 轮询订阅：快照内容变化时向返回的通道发送完整子树
// 首次成功读取立即发送一次；读取失败只记录并继续（本地恢复）
func (c *Client) Watch(ctx context.Context, interval time.Duration) <-chan models.StoreSnapshot {
	out := make(chan models.StoreSnapshot, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last [32]byte
		var seeded bool

		poll := func() {
			snap, digest, err := c.fetch(ctx)
			if err != nil {
				c.logger.Warn("Store poll failed", zap.Error(err))
				return
			}
			if seeded && digest == last {
				return
			}
			last = digest
			seeded = true
			select {
			case out <- snap:
			case <-ctx.Done():
			}
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return out
}

// Merge 部分合并写入单设备文档
func (c *Client) Merge(ctx context.Context, deviceID string, fields map[string]any) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(fields).
		Patch(fmt.Sprintf("/devices/%s.json", deviceID))
	if err != nil {
		return fmt.Errorf("failed to merge device %s: %w", deviceID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("device merge returned status %d", resp.StatusCode())
	}
	return nil
}

// Tombstone 写入删除墓碑标记
// 幂等：重复写入同一墓碑是无害的
func (c *Client) Tombstone(ctx context.Context, deviceID string) error {
	return c.Merge(ctx, deviceID, map[string]any{
		"deleted":    true,
		"deleted_at": time.Now().UnixMilli(),
	})
}
