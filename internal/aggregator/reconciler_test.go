package aggregator_test

import (
	"testing"
	"time"

	"wisefido-bin-monitor/internal/aggregator"
	"wisefido-bin-monitor/internal/config"
	"wisefido-bin-monitor/internal/models"
	"wisefido-bin-monitor/internal/normalizer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Logs.RingCapacity = 10
	cfg.Presence.Cutoff = 8 * time.Second
	cfg.Presence.SweepInterval = 2 * time.Second
	cfg.Alert.FullThreshold = 95
	return cfg
}

func newReconciler() *aggregator.Reconciler {
	return aggregator.NewReconciler(testConfig(), zap.NewNop())
}

func telemetry(t *testing.T, topic, payload string, arrival time.Time) *normalizer.Message {
	t.Helper()
	n := normalizer.New("bins", "registry/+/meta", zap.NewNop()).
		WithClock(func() time.Time { return arrival })
	msg, ok := n.Normalize(topic, []byte(payload), false)
	require.True(t, ok)
	return msg
}

func boolPtr(b bool) *bool  { return &b }
func intPtr(n int) *int     { return &n }
func i64Ptr(n int64) *int64 { return &n }

func TestReconciler_BaseLayerFromSnapshot(t *testing.T) {
	r := newReconciler()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	lastSeen := now.Add(-time.Minute).UnixMilli()
	r.ApplySnapshot(models.StoreSnapshot{
		"bin-1": {
			Online:   boolPtr(true),
			LastSeen: i64Ptr(lastSeen),
			FillPct:  intPtr(40),
			Meta:     map[string]string{"site": "plaza"},
		},
	})

	view := r.BuildView(nil, now)
	require.Contains(t, view, "bin-1")
	dev := view["bin-1"]
	assert.True(t, dev.Online)
	require.NotNil(t, dev.LastSeen)
	assert.Equal(t, lastSeen, dev.LastSeen.UnixMilli())
	require.NotNil(t, dev.FillPct)
	assert.Equal(t, 40, *dev.FillPct)
	assert.False(t, dev.BinFull)
	assert.Equal(t, "plaza", dev.Meta["site"])
	assert.False(t, dev.Unregistered)
}

func TestReconciler_TombstoneExcluded(t *testing.T) {
	r := newReconciler()

	r.ApplySnapshot(models.StoreSnapshot{
		"bin-1": {Online: boolPtr(true)},
		"bin-2": {Deleted: true},
	})

	view := r.BuildView(nil, time.Now())
	assert.Contains(t, view, "bin-1")
	assert.NotContains(t, view, "bin-2")
}

func TestReconciler_BinFullDerivedFromThreshold(t *testing.T) {
	r := newReconciler()

	r.ApplySnapshot(models.StoreSnapshot{
		"full":     {FillPct: intPtr(95)},
		"not-full": {FillPct: intPtr(40)},
		// fill 缺失时回退到显式标志
		"explicit": {BinFull: boolPtr(true)},
	})

	view := r.BuildView(nil, time.Now())
	assert.True(t, view["full"].BinFull)
	assert.False(t, view["not-full"].BinFull)
	assert.True(t, view["explicit"].BinFull)
}

func TestReconciler_LiveOverlayOverridesBase(t *testing.T) {
	r := newReconciler()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	r.ApplySnapshot(models.StoreSnapshot{
		"bin-1": {Online: boolPtr(false), FillPct: intPtr(20)},
	})
	r.ApplyTelemetry(telemetry(t, "bins/bin-1/data", `{"fill_pct":97,"flood":1}`, now))

	pres := map[string]models.PresenceRecord{
		"bin-1": {Online: true, LastSeen: now},
	}
	view := r.BuildView(pres, now)
	dev := view["bin-1"]
	assert.True(t, dev.Online)
	require.NotNil(t, dev.FillPct)
	assert.Equal(t, 97, *dev.FillPct)
	assert.True(t, dev.BinFull)
	assert.True(t, dev.Flooded)
	require.NotNil(t, dev.LastSeen)
	assert.Equal(t, now, *dev.LastSeen)
}

func TestReconciler_StoreOfflineNotResurrected(t *testing.T) {
	r := newReconciler()

	// 注册库报告 offline 且无影子状态：保持 offline
	r.ApplySnapshot(models.StoreSnapshot{
		"bin-1": {Online: boolPtr(false)},
	})

	view := r.BuildView(nil, time.Now())
	assert.False(t, view["bin-1"].Online)
}

func TestReconciler_BusOnlyDeviceFlaggedUnregistered(t *testing.T) {
	r := newReconciler()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	r.ApplyTelemetry(telemetry(t, "bins/bin-9/data", `{"fill":10}`, now))

	// 从未进过注册库：无论多久都保留，并标记待注册
	view := r.BuildView(nil, now.Add(time.Hour))
	require.Contains(t, view, "bin-9")
	assert.True(t, view["bin-9"].Unregistered)
}

func TestReconciler_StoreRemovedDeviceDroppedAfterCutoff(t *testing.T) {
	r := newReconciler()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	r.ApplySnapshot(models.StoreSnapshot{"bin-1": {Online: boolPtr(true)}})
	r.ApplyTelemetry(telemetry(t, "bins/bin-1/data", `{"fill":10}`, now))

	// 设备从快照中消失
	r.ApplySnapshot(models.StoreSnapshot{})

	// cutoff 内仍有实时活动：保留，防抖动
	view := r.BuildView(nil, now.Add(5*time.Second))
	require.Contains(t, view, "bin-1")
	assert.False(t, view["bin-1"].Unregistered)

	// 超过 cutoff：移除
	view = r.BuildView(nil, now.Add(9*time.Second))
	assert.NotContains(t, view, "bin-1")
}

func TestReconciler_BusLogsTakePriority(t *testing.T) {
	r := newReconciler()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	storeTS := now.Add(-time.Hour).Unix()
	r.ApplySnapshot(models.StoreSnapshot{
		"bin-1": {
			Logs: map[string]models.StoreLogEntry{
				"push-a": {TS: i64Ptr(storeTS), Payload: map[string]any{"src": "store"}},
			},
		},
	})
	r.ApplyTelemetry(telemetry(t, "bins/bin-1/data", `{"src":"bus","fill":10}`, now))

	view := r.BuildView(nil, now)
	logs := view["bin-1"].Logs
	require.Len(t, logs, 2)
	assert.Equal(t, "bus", logs[0].Payload["src"])
	assert.Equal(t, "store", logs[1].Payload["src"])
	// 总线日志始终带本地接收时间
	assert.Equal(t, now, logs[0].Arrival)
}

func TestReconciler_StoreLogsSortedAndTruncated(t *testing.T) {
	cfg := testConfig()
	cfg.Logs.RingCapacity = 3
	r := aggregator.NewReconciler(cfg, zap.NewNop())

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix()
	logs := map[string]models.StoreLogEntry{
		"a": {TS: i64Ptr(base + 10), Payload: map[string]any{"seq": "1"}},
		"b": {TS: i64Ptr(base + 30), Payload: map[string]any{"seq": "3"}},
		"c": {TS: i64Ptr(base + 20), Payload: map[string]any{"seq": "2"}},
		"d": {TS: i64Ptr(base + 5), Payload: map[string]any{"seq": "0"}},
	}
	r.ApplySnapshot(models.StoreSnapshot{"bin-1": {Logs: logs}})

	view := r.BuildView(nil, time.Now())
	entries := view["bin-1"].Logs
	require.Len(t, entries, 3)
	assert.Equal(t, "3", entries[0].Payload["seq"])
	assert.Equal(t, "2", entries[1].Payload["seq"])
	assert.Equal(t, "1", entries[2].Payload["seq"])
}

func TestReconciler_ForgetIsIdempotent(t *testing.T) {
	r := newReconciler()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	r.ApplySnapshot(models.StoreSnapshot{"bin-1": {Online: boolPtr(true)}})
	r.ApplyTelemetry(telemetry(t, "bins/bin-1/data", `{"fill":10}`, now))

	r.Forget("bin-1")
	view := r.BuildView(nil, now)
	assert.NotContains(t, view, "bin-1")

	// 重复删除不报错、视图同样不含该设备
	r.Forget("bin-1")
	view = r.BuildView(nil, now)
	assert.NotContains(t, view, "bin-1")
}

func TestReconciler_RetainedTopicsTracked(t *testing.T) {
	r := newReconciler()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	n := normalizer.New("bins", "registry/+/meta", zap.NewNop()).
		WithClock(func() time.Time { return now })
	msg, ok := n.Normalize("bins/bin-1/status", []byte(`{"online":1}`), true)
	require.True(t, ok)
	r.ApplyTelemetry(msg)

	meta, ok := n.Normalize("registry/bin-1/meta", []byte(`{"site":"plaza"}`), true)
	require.True(t, ok)
	r.ApplyTelemetry(meta)

	topics := r.RetainedTopics("bin-1")
	assert.Equal(t, []string{"bins/bin-1/status", "registry/bin-1/meta"}, topics)

	// 元数据消息不产生日志条目
	assert.Len(t, r.LiveLogs("bin-1"), 1)
}
