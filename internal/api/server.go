// Package api provides the HTTP and WebSocket surface: command submission
// to ControlOrchestrator, read-only status/coverage/metrics endpoints, a
// Prometheus scrape endpoint, and a WS hub broadcasting events.Bus traffic.
// Grounded on server.go's router/CORS/route-registration idiom and
// websocket.go's Hub broadcast model. The teacher's server.go ALSO
// declared its own `Client` type and `readPump`/`writePump` methods
// duplicating websocket.go's `Client`/`ReadPump`/`WritePump` in the same
// package — two types named `Client` cannot coexist, so that pairing
// would not compile as committed. This package keeps exactly one: the
// Hub/Client pair from websocket.go, since it already owns per-channel
// subscriptions server.go's version lacked.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/perpsync/internal/control"
	"github.com/atlas-desktop/perpsync/internal/events"
	"github.com/atlas-desktop/perpsync/internal/metrics"
	"github.com/atlas-desktop/perpsync/internal/orders"
	"github.com/atlas-desktop/perpsync/internal/store"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

// Config configures the server's listen address and timeouts.
type Config struct {
	Host          string
	Port          int
	WebSocketPath string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// DefaultConfig returns sensible defaults for a single-deployment server.
func DefaultConfig() Config {
	return Config{
		Host: "0.0.0.0", Port: 8080, WebSocketPath: "/ws",
		ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second,
	}
}

// Server is the HTTP/WebSocket API.
type Server struct {
	logger *zap.Logger
	cfg    Config
	router *mux.Router
	http   *http.Server
	hub    *Hub

	store        *store.Store
	orchestrator *control.Orchestrator
	metrics      *metrics.Aggregator
	orders       *orders.Manager
}

// Deps bundles the subsystems the API reads from or dispatches to.
type Deps struct {
	Store        *store.Store
	Orchestrator *control.Orchestrator
	Metrics      *metrics.Aggregator
	Orders       *orders.Manager
	Events       *events.Bus // optional: wires fills/alerts onto the WS hub
}

// New builds a Server, registers its routes, and wires events.Bus
// subscriptions and ControlOrchestrator result/progress pumps if present.
func New(logger *zap.Logger, cfg Config, deps Deps) *Server {
	s := &Server{
		logger:       logger.Named("api"),
		cfg:          cfg,
		router:       mux.NewRouter(),
		hub:          NewHub(logger),
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		metrics:      deps.Metrics,
		orders:       deps.Orders,
	}
	s.setupRoutes()

	if deps.Events != nil {
		deps.Events.Subscribe(events.EventTypeFill, s.forwardFill)
		deps.Events.Subscribe(events.EventTypeRiskAlert, s.forwardRiskAlert)
	}
	if s.orchestrator != nil {
		go s.pumpResults()
		go s.pumpProgress()
	}

	return s
}

// Router exposes the mux.Router for tests to drive with httptest.NewServer.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) forwardFill(evt events.Event) error {
	fill, ok := evt.(events.FillEvent)
	if !ok {
		return nil
	}
	s.hub.PublishToChannel("fills", MsgTypeFill, fill)
	return nil
}

func (s *Server) forwardRiskAlert(evt events.Event) error {
	alert, ok := evt.(events.RiskAlertEvent)
	if !ok {
		return nil
	}
	s.hub.Broadcast(MsgTypeRiskAlert, alert)
	return nil
}

func (s *Server) pumpResults() {
	for res := range s.orchestrator.Results() {
		s.hub.PublishToChannel("commands", MsgTypeCommandResult, res)
	}
}

func (s *Server) pumpProgress() {
	for p := range s.orchestrator.Progress() {
		s.hub.PublishToChannel("commands", MsgTypeProgress, p)
	}
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/command", s.handleCommand).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/coverage/{symbol}/{timeframe}", s.handleCoverage).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/metrics/summary", s.handleMetricsSummary).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/balance", s.handleBalance).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket)
}

// Start runs the HTTP server; blocks until it stops or errors.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.http = &http.Server{Addr: addr, Handler: handler, ReadTimeout: s.cfg.ReadTimeout, WriteTimeout: s.cfg.WriteTimeout}
	s.logger.Info("starting api server", zap.String("addr", addr))
	go s.hub.Run()
	return s.http.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server and WS hub.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd types.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid command payload"})
		return
	}
	if s.orchestrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not wired"})
		return
	}
	if !s.orchestrator.Submit(cmd) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "command queue full"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": cmd.CorrelationID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orchestrator not wired"})
		return
	}
	correlationID := r.URL.Query().Get("correlationId")
	s.orchestrator.Submit(types.Command{Kind: types.CommandStatus, CorrelationID: correlationID})
	writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": correlationID})
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol, tf := vars["symbol"], vars["timeframe"]
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not wired"})
		return
	}
	report, err := s.store.Coverage(r.Context(), symbol, types.Timeframe(tf))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

const metricsSummaryTopK = 5

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "metrics not wired"})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Summary(metricsSummaryTopK))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orders not wired"})
		return
	}
	writeJSON(w, http.StatusOK, s.orders.GetOpenTrades())
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "orders not wired"})
		return
	}
	writeJSON(w, http.StatusOK, s.orders.GetBalance())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
