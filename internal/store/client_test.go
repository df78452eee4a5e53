package store_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wisefido-bin-monitor/internal/config"
	"wisefido-bin-monitor/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStoreServer 可变更内容的注册库测试服务端
type fakeStoreServer struct {
	mu      sync.Mutex
	body    string
	patches []map[string]any
	paths   []string
}

func (f *fakeStoreServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, f.body)
		case http.MethodPatch:
			var fields map[string]any
			data, _ := io.ReadAll(r.Body)
			json.Unmarshal(data, &fields)
			f.patches = append(f.patches, fields)
			f.paths = append(f.paths, r.URL.Path)
			io.WriteString(w, "{}")
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (f *fakeStoreServer) setBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
}

func newTestClient(baseURL string) *store.Client {
	cfg := &config.StoreConfig{
		BaseURL:      baseURL,
		Timeout:      2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}
	return store.NewClient(cfg, zap.NewNop())
}

func TestClient_FetchSnapshot(t *testing.T) {
	fake := &fakeStoreServer{body: `{"bin-1":{"online":true,"fill_pct":40},"bin-2":{"deleted":true}}`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(srv.URL)
	snap, err := client.FetchSnapshot(context.Background())
	require.NoError(t, err)

	require.Contains(t, snap, "bin-1")
	require.NotNil(t, snap["bin-1"].Online)
	assert.True(t, *snap["bin-1"].Online)
	require.NotNil(t, snap["bin-1"].FillPct)
	assert.Equal(t, 40, *snap["bin-1"].FillPct)
	assert.True(t, snap["bin-2"].Deleted)
}

func TestClient_FetchSnapshot_NullSubtree(t *testing.T) {
	fake := &fakeStoreServer{body: `null`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	snap, err := newTestClient(srv.URL).FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestClient_MergeAndTombstone(t *testing.T) {
	fake := &fakeStoreServer{body: `{}`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := newTestClient(srv.URL)
	require.NoError(t, client.Merge(context.Background(), "bin-1", map[string]any{"last_refresh": 123}))
	require.NoError(t, client.Tombstone(context.Background(), "bin-1"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.patches, 2)
	assert.Equal(t, "/devices/bin-1.json", fake.paths[0])
	assert.EqualValues(t, 123, fake.patches[0]["last_refresh"])
	assert.Equal(t, true, fake.patches[1]["deleted"])
	assert.NotNil(t, fake.patches[1]["deleted_at"])
}

func TestClient_WatchEmitsOnChangeOnly(t *testing.T) {
	fake := &fakeStoreServer{body: `{"bin-1":{"fill_pct":10}}`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newTestClient(srv.URL)
	ch := client.Watch(ctx, 10*time.Millisecond)

	// 首次读取立即发送
	select {
	case snap := <-ch:
		require.Contains(t, snap, "bin-1")
		assert.Equal(t, 10, *snap["bin-1"].FillPct)
	case <-time.After(time.Second):
		t.Fatal("expected initial snapshot")
	}

	// 内容未变：不重复发送
	select {
	case <-ch:
		t.Fatal("unexpected snapshot for unchanged content")
	case <-time.After(50 * time.Millisecond):
	}

	// 内容变化：发送新快照
	fake.setBody(`{"bin-1":{"fill_pct":96}}`)
	select {
	case snap := <-ch:
		assert.Equal(t, 96, *snap["bin-1"].FillPct)
	case <-time.After(time.Second):
		t.Fatal("expected snapshot after change")
	}
}
