// Package historical implements C3 HistoricalDataManager: guarantees a
// minimum coverage window for every configured (symbol, timeframe) pair,
// orchestrating backfill through C1 ExchangeClient and C2 TimeSeriesStore.
package historical

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/exchange"
	"github.com/atlas-desktop/perpsync/internal/store"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

// Config tunes backfill chunking and retry behavior.
type Config struct {
	MinCoverageDays int
	BatchLimit      int           // bars per fetch_ohlcv call, typically 1000
	MaxRetries      int           // per-chunk retry attempts on transient errors
	BaseBackoff     time.Duration // exponential backoff base
	MaxConcurrent   int           // concurrent backfill requests, capped at 4 per spec §5
}

// DefaultConfig matches spec §5's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinCoverageDays: 730,
		BatchLimit:      1000,
		MaxRetries:      5,
		BaseBackoff:     500 * time.Millisecond,
		MaxConcurrent:   4,
	}
}

// Manager is the C3 HistoricalDataManager implementation.
type Manager struct {
	logger *zap.Logger
	cfg    Config
	client exchange.Client
	store  *store.Store
}

// New constructs a Manager.
func New(logger *zap.Logger, cfg Config, client exchange.Client, ts *store.Store) *Manager {
	if cfg.MaxConcurrent <= 0 || cfg.MaxConcurrent > 4 {
		cfg.MaxConcurrent = 4
	}
	return &Manager{logger: logger, cfg: cfg, client: client, store: ts}
}

// EnsureCoverage runs the algorithm of spec §4.2 for every (symbol,timeframe)
// pair and returns a structured report. A semaphore of size MaxConcurrent
// bounds concurrent backfill requests as required by §5.
func (m *Manager) EnsureCoverage(ctx context.Context, symbols []string, timeframes []types.Timeframe) (types.DownloadReport, error) {
	report := types.DownloadReport{StartedAt: time.Now()}
	sem := make(chan struct{}, m.cfg.MaxConcurrent)
	results := make(chan types.PairDownloadStatus, len(symbols)*len(timeframes))

	pending := 0
	for _, s := range symbols {
		for _, tf := range timeframes {
			pending++
			sem <- struct{}{}
			go func(symbol string, timeframe types.Timeframe) {
				defer func() { <-sem }()
				results <- m.ensurePair(ctx, symbol, timeframe)
			}(s, tf)
		}
	}

	for i := 0; i < pending; i++ {
		status := <-results
		report.Pairs = append(report.Pairs, status)
		report.TotalFetched += status.Fetched
		if status.Error != "" {
			report.TotalErrors++
		}
	}
	report.FinishedAt = time.Now()
	return report, nil
}

func (m *Manager) ensurePair(ctx context.Context, symbol string, tf types.Timeframe) types.PairDownloadStatus {
	status := types.PairDownloadStatus{Symbol: symbol, Timeframe: tf}

	cov, err := m.store.Coverage(ctx, symbol, tf)
	if err != nil {
		status.Status = "error"
		status.Error = err.Error()
		return status
	}

	now := time.Now().UnixMilli()
	minCoverageMs := int64(m.cfg.MinCoverageDays) * 24 * 60 * 60 * 1000
	var ranges []types.Range

	switch cov.Status {
	case types.CoverageNoData:
		ranges = []types.Range{{Start: now - minCoverageMs, End: now}}
	case types.CoverageInsufficient:
		if cov.FirstTs > now-minCoverageMs {
			ranges = append(ranges, types.Range{Start: now - minCoverageMs, End: cov.FirstTs})
		}
		ranges = append(ranges, types.Range{Start: cov.LastTs, End: now})
	case types.CoverageComplete:
		status.Status = "complete"
		return status
	default:
		status.Status = "error"
		status.Error = cov.Reason
		return status
	}

	fetched := 0
	var firstErr error
	for _, r := range ranges {
		n, err := m.backfillRange(ctx, symbol, tf, r)
		fetched += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	status.Fetched = fetched
	if firstErr != nil {
		status.Status = "partial"
		status.Error = firstErr.Error()
	} else {
		status.Status = "ok"
	}
	return status
}

// backfillRange chunks [r.Start, r.End] by BatchLimit bars and appends each
// chunk, retrying transient errors with exponential backoff. Permanent
// failures on one chunk are recorded and do not abort the remaining chunks.
func (m *Manager) backfillRange(ctx context.Context, symbol string, tf types.Timeframe, r types.Range) (int, error) {
	interval := types.TimeframeInterval(tf)
	if interval <= 0 {
		return 0, fmt.Errorf("historical: unknown timeframe interval for %s", tf)
	}

	fetched := 0
	var lastErr error
	since := r.Start
	chunkSpan := interval * int64(m.cfg.BatchLimit)

	for since < r.End {
		select {
		case <-ctx.Done():
			return fetched, ctx.Err()
		default:
		}

		bars, err := m.fetchWithRetry(ctx, symbol, tf, since)
		if err != nil {
			lastErr = err
			m.logger.Warn("historical: permanent chunk failure",
				zap.String("symbol", symbol), zap.String("timeframe", string(tf)),
				zap.Int64("since", since), zap.Error(err))
			since += chunkSpan
			continue
		}
		if len(bars) > 0 {
			if _, err := m.store.Append(ctx, symbol, tf, bars); err != nil {
				lastErr = err
			}
			fetched += len(bars)
			since = bars[len(bars)-1].TimestampMs + interval
		} else {
			since += chunkSpan
		}
	}
	return fetched, lastErr
}

func (m *Manager) fetchWithRetry(ctx context.Context, symbol string, tf types.Timeframe, since int64) ([]types.OHLCVBar, error) {
	backoff := m.cfg.BaseBackoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		bars, err := m.client.FetchOHLCV(ctx, symbol, tf, since, m.cfg.BatchLimit)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		if !errors.Is(err, exchange.ErrRateLimit) && !errors.Is(err, exchange.ErrNetwork) {
			return nil, err // permanent error class, no retry
		}
		if attempt == m.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("historical: exhausted retries: %w", lastErr)
}
