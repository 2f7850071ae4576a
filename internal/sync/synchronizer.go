// Package sync implements C4 SymbolSynchronizer: builds a per-timeframe
// master timeline from the intersection of per-symbol timestamp sets and
// aligns each symbol's raw series to it, emitting sync-quality metrics.
//
// New authorship (no direct teacher equivalent); the worker-pool shape is
// adapted from internal/workers/pool.go and the intersection/quality
// algorithm follows original_source's symbol_synchronizer.py exactly as
// pinned by spec §4.3.
package sync

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/store"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

const (
	maxAlignWorkers  = 4
	interWorkerDelay = 100 * time.Millisecond
)

// Synchronizer is the C4 implementation.
type Synchronizer struct {
	logger *zap.Logger
	ts     *store.Store
}

// New constructs a Synchronizer backed by a TimeSeriesStore.
func New(logger *zap.Logger, ts *store.Store) *Synchronizer {
	return &Synchronizer{logger: logger, ts: ts}
}

// Result bundles the MasterTimeline and per-symbol AlignedSeries for one
// timeframe.
type Result struct {
	Timeline MasterTimelineWithSeries
}

// MasterTimelineWithSeries pairs a MasterTimeline with its aligned series,
// keyed by symbol.
type MasterTimelineWithSeries struct {
	Timeline types.MasterTimeline
	Aligned  map[string]types.AlignedSeries
	Warning  string
}

// Sync builds the MasterTimeline for one timeframe across the given symbols
// and aligns every symbol's raw series to it, per spec §4.3.
func (s *Synchronizer) Sync(ctx context.Context, symbols []string, tf types.Timeframe) (MasterTimelineWithSeries, error) {
	if len(symbols) == 0 {
		return MasterTimelineWithSeries{}, fmt.Errorf("sync: no symbols supplied")
	}

	rawTimestamps := make(map[string][]int64, len(symbols))
	rawBars := make(map[string][]types.OHLCVBar, len(symbols))

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return MasterTimelineWithSeries{}, err
		}
		it, err := s.ts.Range(ctx, symbol, tf, math.MinInt64+1, math.MaxInt64)
		if err != nil {
			return MasterTimelineWithSeries{}, fmt.Errorf("sync: loading %s/%s: %w", symbol, tf, err)
		}
		var bars []types.OHLCVBar
		for it.Next() {
			bars = append(bars, it.Bar())
		}
		rawBars[symbol] = bars
		ts := make([]int64, len(bars))
		for i, b := range bars {
			ts[i] = b.TimestampMs
		}
		rawTimestamps[symbol] = ts
	}

	intersection := intersectSorted(rawTimestamps)
	if len(intersection) == 0 {
		return MasterTimelineWithSeries{}, fmt.Errorf("sync: empty intersection across %d symbols for %s", len(symbols), tf)
	}

	quality := syncQuality(intersection, len(symbols), 1)

	timeline := types.MasterTimeline{
		Timeframe:    tf,
		Timestamps:   intersection,
		Start:        intersection[0],
		End:          intersection[len(intersection)-1],
		TotalPeriods: len(intersection),
		SyncQuality:  quality,
		SessionID:    uuid.New().String(),
		CreatedAt:    time.Now(),
	}

	aligned, err := s.alignAll(ctx, symbols, tf, rawBars, intersection)
	if err != nil {
		return MasterTimelineWithSeries{}, err
	}

	result := MasterTimelineWithSeries{Timeline: timeline, Aligned: aligned}
	if quality < 80 {
		result.Warning = fmt.Sprintf("sync quality %.1f below 80 threshold", quality)
		s.logger.Warn("sync: low quality", zap.Float64("quality", quality), zap.String("timeframe", string(tf)))
	}
	return result, nil
}

// intersectSorted returns the sorted intersection of timestamp sets already
// known to be ascending per symbol.
func intersectSorted(bySymbol map[string][]int64) []int64 {
	counts := make(map[int64]int)
	n := len(bySymbol)
	for _, ts := range bySymbol {
		seen := make(map[int64]struct{}, len(ts))
		for _, t := range ts {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			counts[t]++
		}
	}
	out := make([]int64, 0)
	for t, c := range counts {
		if c == n {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// syncQuality implements spec §4.3 step 3 exactly:
// consistency = 1 - stddev(delta)/mean(delta) (0 if fewer than 2 timestamps)
// coverage_factor = min(1, |symbols|*|timeframes| / 20)
// quality = 100 * (0.7*consistency + 0.3*coverage_factor), clamped [0,100].
func syncQuality(timestamps []int64, numSymbols, numTimeframes int) float64 {
	consistency := 0.0
	if len(timestamps) >= 2 {
		deltas := make([]float64, 0, len(timestamps)-1)
		sum := 0.0
		for i := 1; i < len(timestamps); i++ {
			d := float64(timestamps[i] - timestamps[i-1])
			deltas = append(deltas, d)
			sum += d
		}
		mean := sum / float64(len(deltas))
		if mean != 0 {
			var variance float64
			for _, d := range deltas {
				variance += (d - mean) * (d - mean)
			}
			variance /= float64(len(deltas))
			stddev := math.Sqrt(variance)
			consistency = 1 - stddev/mean
		}
	}

	coverageFactor := math.Min(1, float64(numSymbols*numTimeframes)/20)
	quality := 100 * (0.7*consistency + 0.3*coverageFactor)
	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	return quality
}

// alignAll builds each symbol's AlignedSeries using a bounded worker pool
// of size maxAlignWorkers, with a 100ms delay between successive
// submissions to avoid bursting any downstream APIs the aligner triggers.
func (s *Synchronizer) alignAll(ctx context.Context, symbols []string, tf types.Timeframe, rawBars map[string][]types.OHLCVBar, intersection []int64) (map[string]types.AlignedSeries, error) {
	intersectSet := make(map[int64]struct{}, len(intersection))
	for _, t := range intersection {
		intersectSet[t] = struct{}{}
	}

	type jobResult struct {
		symbol string
		series types.AlignedSeries
	}

	results := make(chan jobResult, len(symbols))
	sem := make(chan struct{}, maxAlignWorkers)

	for _, symbol := range symbols {
		sem <- struct{}{}
		go func(sym string) {
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("sync: align worker panic", zap.Any("recover", r))
					results <- jobResult{symbol: sym, series: types.AlignedSeries{Symbol: sym, Timeframe: tf}}
				}
			}()
			filtered := make([]types.OHLCVBar, 0, len(intersectSet))
			for _, b := range rawBars[sym] {
				if _, ok := intersectSet[b.TimestampMs]; ok {
					filtered = append(filtered, b)
				}
			}
			results <- jobResult{symbol: sym, series: types.AlignedSeries{Symbol: sym, Timeframe: tf, Bars: filtered}}
		}(symbol)
		time.Sleep(interWorkerDelay)
	}

	out := make(map[string]types.AlignedSeries, len(symbols))
	for i := 0; i < len(symbols); i++ {
		r := <-results
		out[r.symbol] = r.series
	}
	return out, nil
}
