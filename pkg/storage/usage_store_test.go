package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRecordDerivesInputFromComponents(t *testing.T) {
	row := NormalizeRecord(map[string]interface{}{
		"input_uncached_tokens":       float64(100),
		"input_cache_read_tokens":     float64(40),
		"input_cache_write_tokens_5m": float64(10),
		"output_tokens":               float64(25),
	})

	assert.Equal(t, int64(150), row["input_tokens"])
	assert.Equal(t, int64(175), row["total_tokens"])
}

func TestNormalizeRecordClampsUncachedAndTotal(t *testing.T) {
	row := NormalizeRecord(map[string]interface{}{
		"input_tokens":          float64(50),
		"input_uncached_tokens": float64(80),
		"output_tokens":         float64(20),
		"tool_input_tokens":     float64(5),
		"total_tokens":          float64(10), // under the floor
	})

	assert.Equal(t, int64(50), row["input_uncached_tokens"])
	assert.Equal(t, int64(75), row["total_tokens"])
}

func TestNormalizeRecordUnpricedDropsCost(t *testing.T) {
	row := NormalizeRecord(map[string]interface{}{
		"cost_usd": 1.23,
		"priced":   false,
	})
	assert.Nil(t, row["cost_usd"])
	assert.Equal(t, false, row["priced"])
}

func TestUsageStoreQueryAndSummarize(t *testing.T) {
	store := NewUsageStore(t.TempDir(), NewLockRegistry())
	now := time.Now().UnixMilli()

	require.NoError(t, store.AppendRecord(map[string]interface{}{
		"timestamp_ms": now,
		"provider":     "openai",
		"model":        "gpt-4o-mini",
		"trigger_type": "chat",
		"input_tokens": 100, "output_tokens": 50, "total_tokens": 150,
		"priced": true, "cost_usd": 0.001,
	}))
	require.NoError(t, store.AppendRecord(map[string]interface{}{
		"timestamp_ms": now,
		"provider":     "google",
		"model":        "gemini-2.0-flash",
		"trigger_type": "cron",
		"input_tokens": 10, "output_tokens": 5, "total_tokens": 15,
	}))
	require.NoError(t, store.AppendRecord(map[string]interface{}{
		"timestamp_ms": now - 72*3600*1000, // outside the window
		"provider":     "openai",
		"model":        "gpt-4o-mini",
		"input_tokens": 999,
	}))

	records := store.QueryRecords(UsageQuery{SinceHours: 24, Limit: 100})
	require.Len(t, records, 2)

	onlyChat := store.QueryRecords(UsageQuery{SinceHours: 24, TriggerType: "chat", Limit: 100})
	require.Len(t, onlyChat, 1)
	assert.Equal(t, "openai", onlyChat[0]["provider"])

	summary := store.Summarize(records)
	assert.Equal(t, int64(2), summary.Totals["runs"])
	assert.Equal(t, int64(1), summary.Totals["priced_runs"])
	assert.Equal(t, int64(1), summary.Totals["unpriced_runs"])
	assert.Equal(t, int64(165), summary.Totals["total_tokens"])
	assert.InDelta(t, 0.001, summary.Totals["cost_usd"].(float64), 1e-9)

	require.Len(t, summary.ByProvider, 2)
	assert.Equal(t, "openai", summary.ByProvider[0]["provider"], "priced bucket sorts first")
}
