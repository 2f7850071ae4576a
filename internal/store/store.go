// Package store implements C2 TimeSeriesStore: one logical table per
// (symbol, timeframe), with idempotent append, ascending-order range
// queries, gap/duplicate-aware coverage reports, and a last-timestamp
// lookup. Storage is file-backed JSON, one file per key, adapting
// internal/data/store.go's directory-per-dataset layout. One mutex per key
// serializes appends and reads of that key, so reads of the same key do not
// run concurrently; different keys proceed in parallel.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/pkg/types"
)

// Store is the C2 TimeSeriesStore implementation.
type Store struct {
	logger  *zap.Logger
	dataDir string

	mu     sync.RWMutex // guards the keys map itself, not per-series content
	series map[string]*seriesState
}

type seriesState struct {
	mu    sync.Mutex // single-writer per (symbol,timeframe)
	bars  []types.OHLCVBar
	index map[int64]int // timestampMs -> position in bars, for dedup
}

// New creates a Store rooted at dataDir, creating it if necessary.
func New(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating data dir: %w", err)
	}
	return &Store{
		logger:  logger,
		dataDir: dataDir,
		series:  make(map[string]*seriesState),
	}, nil
}

func seriesKey(symbol string, tf types.Timeframe) string {
	return symbol + "_" + string(tf)
}

func (s *Store) filePath(symbol string, tf types.Timeframe) string {
	return filepath.Join(s.dataDir, seriesKey(symbol, tf)+".json")
}

// getOrLoad returns the in-memory series state for a key, loading it from
// disk on first access.
func (s *Store) getOrLoad(symbol string, tf types.Timeframe) (*seriesState, error) {
	key := seriesKey(symbol, tf)

	s.mu.RLock()
	st, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.series[key]; ok {
		return st, nil
	}

	st = &seriesState{index: make(map[int64]int)}
	if bars, err := s.loadFromDisk(symbol, tf); err != nil {
		return nil, err
	} else if bars != nil {
		st.bars = bars
		for i, b := range bars {
			st.index[b.TimestampMs] = i
		}
	}
	s.series[key] = st
	return st, nil
}

func (s *Store) loadFromDisk(symbol string, tf types.Timeframe) ([]types.OHLCVBar, error) {
	data, err := os.ReadFile(s.filePath(symbol, tf))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s/%s: %w", symbol, tf, err)
	}
	var bars []types.OHLCVBar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("store: decoding %s/%s: %w", symbol, tf, err)
	}
	return bars, nil
}

func (s *Store) persist(symbol string, tf types.Timeframe, bars []types.OHLCVBar) error {
	data, err := json.Marshal(bars)
	if err != nil {
		return fmt.Errorf("store: encoding %s/%s: %w", symbol, tf, err)
	}
	tmp := s.filePath(symbol, tf) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: writing %s/%s: %w", symbol, tf, err)
	}
	return os.Rename(tmp, s.filePath(symbol, tf))
}

// Append inserts bars, dropping duplicates on (symbol,timeframe,timestamp)
// idempotently. Out-of-order bars go through the same upsert path as
// in-order ones; the result is always kept sorted ascending.
func (s *Store) Append(ctx context.Context, symbol string, tf types.Timeframe, bars []types.OHLCVBar) (types.InsertStats, error) {
	if err := ctx.Err(); err != nil {
		return types.InsertStats{}, err
	}
	st, err := s.getOrLoad(symbol, tf)
	if err != nil {
		return types.InsertStats{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	stats := types.InsertStats{}
	for _, b := range bars {
		if !b.Valid() {
			s.logger.Warn("store: dropping invalid bar",
				zap.String("symbol", symbol), zap.String("timeframe", string(tf)),
				zap.Int64("ts", b.TimestampMs))
			continue
		}
		if _, exists := st.index[b.TimestampMs]; exists {
			stats.DuplicatesIgnored++
			continue
		}
		st.bars = append(st.bars, b)
		stats.Inserted++
	}

	if stats.Inserted > 0 {
		sort.Slice(st.bars, func(i, j int) bool { return st.bars[i].TimestampMs < st.bars[j].TimestampMs })
		for i, b := range st.bars {
			st.index[b.TimestampMs] = i
		}
		if err := s.persist(symbol, tf, st.bars); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// Iterator walks bars in ascending timestamp order.
type Iterator struct {
	bars []types.OHLCVBar
	pos  int
}

// Next advances the iterator, returning false when exhausted.
func (it *Iterator) Next() bool {
	it.pos++
	return it.pos < len(it.bars)
}

// Bar returns the current bar; only valid after a true Next().
func (it *Iterator) Bar() types.OHLCVBar { return it.bars[it.pos] }

// Range returns bars for (symbol,timeframe) in [fromTs,toTs] ascending
// order. Unknown keys yield an empty iterator, never an error.
func (s *Store) Range(ctx context.Context, symbol string, tf types.Timeframe, fromTs, toTs int64) (*Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.getOrLoad(symbol, tf)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]types.OHLCVBar, 0)
	lo := sort.Search(len(st.bars), func(i int) bool { return st.bars[i].TimestampMs >= fromTs })
	for i := lo; i < len(st.bars); i++ {
		if st.bars[i].TimestampMs > toTs {
			break
		}
		out = append(out, st.bars[i])
	}
	return &Iterator{bars: out, pos: -1}, nil
}

// LastTimestamp returns the newest timestamp stored for (symbol,timeframe),
// or (0,false) when there is no data.
func (s *Store) LastTimestamp(ctx context.Context, symbol string, tf types.Timeframe) (int64, bool, error) {
	st, err := s.getOrLoad(symbol, tf)
	if err != nil {
		return 0, false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.bars) == 0 {
		return 0, false, nil
	}
	return st.bars[len(st.bars)-1].TimestampMs, true, nil
}

// Coverage computes the CoverageReport for (symbol,timeframe) per spec
// §4.1: gaps are timestamp deltas exceeding the timeframe's canonical
// interval; expected records = (last_ts-first_ts)/interval + 1.
func (s *Store) Coverage(ctx context.Context, symbol string, tf types.Timeframe) (types.CoverageReport, error) {
	st, err := s.getOrLoad(symbol, tf)
	if err != nil {
		return types.CoverageReport{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	report := types.CoverageReport{Symbol: symbol, Timeframe: tf}
	if len(st.bars) == 0 {
		report.Status = types.CoverageNoData
		return report, nil
	}

	interval := types.TimeframeInterval(tf)
	report.FirstTs = st.bars[0].TimestampMs
	report.LastTs = st.bars[len(st.bars)-1].TimestampMs
	report.Records = len(st.bars)

	var gaps []types.Range
	duplicates := 0
	for i := 1; i < len(st.bars); i++ {
		delta := st.bars[i].TimestampMs - st.bars[i-1].TimestampMs
		if delta == 0 {
			duplicates++
			continue
		}
		if interval > 0 && delta > interval {
			gaps = append(gaps, types.Range{Start: st.bars[i-1].TimestampMs, End: st.bars[i].TimestampMs})
		}
	}
	report.Gaps = gaps
	report.Duplicates = duplicates

	if interval <= 0 {
		report.Status = types.CoverageError
		report.Reason = "unknown timeframe interval"
		return report, nil
	}

	expected := (report.LastTs-report.FirstTs)/interval + 1
	if len(gaps) == 0 && int64(report.Records) >= expected {
		report.Status = types.CoverageComplete
	} else {
		report.Status = types.CoverageInsufficient
		report.Reason = fmt.Sprintf("%d gap(s) over %d expected record(s), have %d", len(gaps), expected, report.Records)
	}
	return report, nil
}
