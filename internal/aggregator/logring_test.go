package aggregator_test

import (
	"fmt"
	"testing"
	"time"

	"wisefido-bin-monitor/internal/aggregator"
	"wisefido-bin-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(i int) models.LogEntry {
	return models.LogEntry{
		Arrival: time.Date(2026, 8, 1, 12, 0, i, 0, time.UTC),
		Payload: map[string]any{"seq": fmt.Sprintf("%d", i)},
	}
}

func TestLogRing_NewestFirst(t *testing.T) {
	ring := aggregator.NewLogRing(10)

	ring.Push(entryAt(1))
	ring.Push(entryAt(2))
	ring.Push(entryAt(3))

	entries := ring.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "3", entries[0].Payload["seq"])
	assert.Equal(t, "2", entries[1].Payload["seq"])
	assert.Equal(t, "1", entries[2].Payload["seq"])
}

func TestLogRing_EvictsOldest(t *testing.T) {
	const capacity = 10
	ring := aggregator.NewLogRing(capacity)

	// 容量 N，写入 N+5 条，只保留最新的 N 条
	for i := 1; i <= capacity+5; i++ {
		ring.Push(entryAt(i))
	}

	entries := ring.Entries()
	require.Len(t, entries, capacity)
	assert.Equal(t, "15", entries[0].Payload["seq"])
	assert.Equal(t, "6", entries[capacity-1].Payload["seq"])
}

func TestLogRing_EntriesIsCopy(t *testing.T) {
	ring := aggregator.NewLogRing(5)
	ring.Push(entryAt(1))

	entries := ring.Entries()
	entries[0].Payload = map[string]any{"seq": "tampered"}

	assert.Equal(t, "1", ring.Entries()[0].Payload["seq"])
}
