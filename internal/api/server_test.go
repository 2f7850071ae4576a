// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/api"
	"github.com/atlas-desktop/perpsync/internal/cache"
	"github.com/atlas-desktop/perpsync/internal/control"
	"github.com/atlas-desktop/perpsync/internal/cycle"
	"github.com/atlas-desktop/perpsync/internal/engine"
	"github.com/atlas-desktop/perpsync/internal/events"
	"github.com/atlas-desktop/perpsync/internal/exchange"
	"github.com/atlas-desktop/perpsync/internal/historical"
	"github.com/atlas-desktop/perpsync/internal/metrics"
	"github.com/atlas-desktop/perpsync/internal/orders"
	"github.com/atlas-desktop/perpsync/internal/risk"
	"github.com/atlas-desktop/perpsync/internal/store"
	synchronizer "github.com/atlas-desktop/perpsync/internal/sync"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

type stubClient struct{}

func (stubClient) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, sinceMs int64, limit int) ([]types.OHLCVBar, error) {
	return nil, nil
}
func (stubClient) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (exchange.CreateOrderResponse, error) {
	return exchange.CreateOrderResponse{ID: "x"}, nil
}
func (stubClient) CancelOrder(ctx context.Context, id, symbol string) error { return nil }
func (stubClient) FetchBalance(ctx context.Context) ([]exchange.AccountBalance, error) {
	return nil, nil
}
func (stubClient) StreamCandles(ctx context.Context, symbol string, tf types.Timeframe) (exchange.Subscription, error) {
	return nil, nil
}

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	ts, err := store.New(logger, t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	client := stubClient{}
	hist := historical.New(logger, historical.DefaultConfig(), client, ts)
	synchro := synchronizer.New(logger, ts)
	c := cache.New(logger)
	exec := cycle.New(logger, cycle.DefaultExecutorConfig(), c)

	riskMgr := risk.New(logger, risk.Config{MaxRiskPerTrade: 0.02, MaxDailyLossPct: 0.05, MaxDrawdownPct: 0.10, MaxLeverage: 3})
	orderMgr := orders.New(logger, client, true, decimal.NewFromFloat(0.0004), decimal.NewFromInt(10000), "paper")
	eng := engine.New(logger, engine.DefaultConfig(), riskMgr, orderMgr)
	agg := metrics.New(logger, prometheus.NewRegistry(), metrics.DefaultThresholds())
	bus := events.New(logger, events.DefaultConfig())
	t.Cleanup(bus.Close)

	evalFactory := func(strategyID string) func(types.CycleTask) types.CycleResult {
		return func(task types.CycleTask) types.CycleResult {
			return types.CycleResult{CycleID: task.CycleID, Symbol: task.Symbol, Timeframe: task.Timeframe, StrategyID: task.StrategyID, Status: types.CycleResultSuccess, Timestamp: time.Now()}
		}
	}

	orch := control.New(logger, control.Deps{
		Store: ts, Historical: hist, Sync: synchro, Executor: exec, Engine: eng,
		Metrics: agg, Client: client, Evaluators: evalFactory, Events: bus,
	}, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go orch.Run(ctx)

	server := api.New(logger, api.DefaultConfig(), api.Deps{
		Store: ts, Orchestrator: orch, Metrics: agg, Orders: orderMgr, Events: bus,
	})
	hs := httptest.NewServer(server.Router())
	t.Cleanup(hs.Close)
	return server, hs
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /api/v1/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCommandEndpointAccepts(t *testing.T) {
	_, ts := setupTestServer(t)
	body, _ := json.Marshal(types.Command{
		Kind: types.CommandDownloadData, CorrelationID: "c1",
		Symbols: []string{"BTCUSDT"}, Timeframes: []types.Timeframe{types.Timeframe1h},
	})
	resp, err := http.Post(ts.URL+"/api/v1/command", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/v1/command: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/balance")
	if err != nil {
		t.Fatalf("GET /api/v1/balance: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var bal types.Balance
	if err := json.NewDecoder(resp.Body).Decode(&bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if !bal.Total.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("expected initial balance 10000, got %s", bal.Total)
	}
}

func TestWebSocketHeartbeatAndSubscribe(t *testing.T) {
	_, ts := setupTestServer(t)
	wsURL := "ws" + ts.URL[len("http"):] + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Data: "fills"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("expected a heartbeat within the read deadline: %v", err)
	}
}
