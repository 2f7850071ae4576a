package sync

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/store"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

func barAt(hour int64) types.OHLCVBar {
	c := decimal.NewFromInt(100)
	return types.OHLCVBar{TimestampMs: hour * 3_600_000, Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(1)}
}

// TestSyncQualityScenario is S6 from spec §8: A has [0,1,2,3]h, B has
// [1,2,3,4]h; MasterTimeline = [1,2,3]; both AlignedSeries have length 3.
func TestSyncQualityScenario(t *testing.T) {
	ts, err := store.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	ctx := context.Background()

	aBars := []types.OHLCVBar{barAt(0), barAt(1), barAt(2), barAt(3)}
	bBars := []types.OHLCVBar{barAt(1), barAt(2), barAt(3), barAt(4)}
	if _, err := ts.Append(ctx, "A", types.Timeframe1h, aBars); err != nil {
		t.Fatalf("append A: %v", err)
	}
	if _, err := ts.Append(ctx, "B", types.Timeframe1h, bBars); err != nil {
		t.Fatalf("append B: %v", err)
	}

	sync := New(zap.NewNop(), ts)
	result, err := sync.Sync(ctx, []string{"A", "B"}, types.Timeframe1h)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	wantTimestamps := []int64{1 * 3_600_000, 2 * 3_600_000, 3 * 3_600_000}
	if len(result.Timeline.Timestamps) != len(wantTimestamps) {
		t.Fatalf("master timeline length = %d, want %d", len(result.Timeline.Timestamps), len(wantTimestamps))
	}
	for i, ts := range wantTimestamps {
		if result.Timeline.Timestamps[i] != ts {
			t.Fatalf("timeline[%d] = %d, want %d", i, result.Timeline.Timestamps[i], ts)
		}
	}

	if len(result.Aligned["A"].Bars) != 3 || len(result.Aligned["B"].Bars) != 3 {
		t.Fatalf("aligned series length mismatch: A=%d B=%d", len(result.Aligned["A"].Bars), len(result.Aligned["B"].Bars))
	}
}

func TestSyncEmptyIntersectionErrors(t *testing.T) {
	ts, err := store.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	ctx := context.Background()
	if _, err := ts.Append(ctx, "A", types.Timeframe1h, []types.OHLCVBar{barAt(0)}); err != nil {
		t.Fatalf("append A: %v", err)
	}
	if _, err := ts.Append(ctx, "B", types.Timeframe1h, []types.OHLCVBar{barAt(100)}); err != nil {
		t.Fatalf("append B: %v", err)
	}

	sync := New(zap.NewNop(), ts)
	if _, err := sync.Sync(ctx, []string{"A", "B"}, types.Timeframe1h); err == nil {
		t.Fatalf("expected error on empty intersection")
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	ts, err := store.New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	ctx := context.Background()
	bars := []types.OHLCVBar{barAt(0), barAt(1), barAt(2)}
	if _, err := ts.Append(ctx, "A", types.Timeframe1h, bars); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := ts.Append(ctx, "B", types.Timeframe1h, bars); err != nil {
		t.Fatalf("append: %v", err)
	}

	sync := New(zap.NewNop(), ts)
	r1, err := sync.Sync(ctx, []string{"A", "B"}, types.Timeframe1h)
	if err != nil {
		t.Fatalf("sync 1: %v", err)
	}
	r2, err := sync.Sync(ctx, []string{"A", "B"}, types.Timeframe1h)
	if err != nil {
		t.Fatalf("sync 2: %v", err)
	}
	if len(r1.Aligned["A"].Bars) != len(r2.Aligned["A"].Bars) {
		t.Fatalf("align not idempotent")
	}
}
