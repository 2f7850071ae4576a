package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func bar(ts int64, close float64) types.OHLCVBar {
	c := decimal.NewFromFloat(close)
	return types.OHLCVBar{
		TimestampMs: ts,
		Open:        c,
		High:        c,
		Low:         c,
		Close:       c,
		Volume:      decimal.NewFromInt(10),
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bars := []types.OHLCVBar{bar(60_000, 100), bar(120_000, 101)}

	stats1, err := s.Append(ctx, "BTCUSDT", types.Timeframe1m, bars)
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if stats1.Inserted != 2 || stats1.DuplicatesIgnored != 0 {
		t.Fatalf("unexpected first append stats: %+v", stats1)
	}

	stats2, err := s.Append(ctx, "BTCUSDT", types.Timeframe1m, bars)
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if stats2.Inserted != 0 || stats2.DuplicatesIgnored != 2 {
		t.Fatalf("append not idempotent: %+v", stats2)
	}

	it, err := s.Range(ctx, "BTCUSDT", types.Timeframe1m, 0, 1_000_000)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	count := 0
	for it.Next() {
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 bars after idempotent append, got %d", count)
	}
}

func TestCoverageNoNegativeDuration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bars := []types.OHLCVBar{bar(60_000, 100), bar(120_000, 101), bar(180_000, 102)}
	if _, err := s.Append(ctx, "ETHUSDT", types.Timeframe1m, bars); err != nil {
		t.Fatalf("append: %v", err)
	}
	report, err := s.Coverage(ctx, "ETHUSDT", types.Timeframe1m)
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	interval := types.TimeframeInterval(types.Timeframe1m)
	if report.LastTs-report.FirstTs < int64(report.Records-1)*interval {
		t.Fatalf("negative-duration coverage: %+v", report)
	}
	if report.Status != types.CoverageComplete {
		t.Fatalf("expected COMPLETE, got %s (%s)", report.Status, report.Reason)
	}
}

func TestCoverageDetectsGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bars := []types.OHLCVBar{bar(60_000, 100), bar(300_000, 101)} // 4-minute gap at 1m interval
	if _, err := s.Append(ctx, "SOLUSDT", types.Timeframe1m, bars); err != nil {
		t.Fatalf("append: %v", err)
	}
	report, err := s.Coverage(ctx, "SOLUSDT", types.Timeframe1m)
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if len(report.Gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d", len(report.Gaps))
	}
	if report.Status != types.CoverageInsufficient {
		t.Fatalf("expected INSUFFICIENT, got %s", report.Status)
	}
}

func TestRangeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bars := []types.OHLCVBar{bar(60_000, 1), bar(120_000, 2), bar(180_000, 3)}
	if _, err := s.Append(ctx, "BTCUSDT", types.Timeframe1m, bars); err != nil {
		t.Fatalf("append: %v", err)
	}
	it, err := s.Range(ctx, "BTCUSDT", types.Timeframe1m, 60_000, 180_000)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	var got []types.OHLCVBar
	for it.Next() {
		got = append(got, it.Bar())
	}
	if len(got) != len(bars) {
		t.Fatalf("round-trip mismatch: got %d bars, want %d", len(got), len(bars))
	}
	for i := range bars {
		if !got[i].Close.Equal(bars[i].Close) || got[i].TimestampMs != bars[i].TimestampMs {
			t.Fatalf("round-trip bar %d mismatch: %+v vs %+v", i, got[i], bars[i])
		}
	}
}

func TestUnknownKeyReturnsEmptyNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	it, err := s.Range(ctx, "UNKNOWN", types.Timeframe1h, 0, 1)
	if err != nil {
		t.Fatalf("expected no error for unknown key, got %v", err)
	}
	if it.Next() {
		t.Fatalf("expected empty iterator for unknown key")
	}
	report, err := s.Coverage(ctx, "UNKNOWN", types.Timeframe1h)
	if err != nil {
		t.Fatalf("expected no error for unknown key, got %v", err)
	}
	if report.Status != types.CoverageNoData {
		t.Fatalf("expected NO_DATA, got %s", report.Status)
	}
}
