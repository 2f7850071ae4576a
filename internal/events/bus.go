// Package events is a pub/sub bus carrying ExecutionEngine fills and risk
// alerts to the API's WebSocket hub. Grounded on event_bus.go's worker-pool
// design, with its structural defects fixed: one generateEventID (the
// teacher declared two, one timestamp-only and non-unique under load), and
// EventBusConfig/DefaultEventBusConfig pulled out of the middle of the
// EventBus struct's field block where they were spliced in by mistake.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType discriminates the Event sum type.
type EventType string

const (
	EventTypeFill      EventType = "fill"
	EventTypeRiskAlert EventType = "risk_alert"
	EventTypeCommand   EventType = "command_result"
	EventTypeProgress  EventType = "progress"
)

// Event is the common interface every published value satisfies.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides the common Event fields.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) GetType() EventType      { return e.Type }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetID() string           { return e.ID }

var eventCounter atomic.Int64

func generateEventID(prefix string) string {
	id := eventCounter.Add(1)
	return prefix + "_" + time.Now().UTC().Format("20060102150405.000000") + "_" + itoa(id)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// FillEvent reports a closed trade (entry or exit) from ExecutionEngine.
type FillEvent struct {
	BaseEvent
	TradeID    string          `json:"tradeId"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	SizeQty    decimal.Decimal `json:"sizeQty"`
	Price      decimal.Decimal `json:"price"`
	PnL        decimal.Decimal `json:"pnl"`
	ExitReason string          `json:"exitReason,omitempty"`
}

// NewFillEvent builds a FillEvent.
func NewFillEvent(tradeID, symbol, side string, sizeQty, price, pnl decimal.Decimal, exitReason string) FillEvent {
	return FillEvent{
		BaseEvent:  BaseEvent{ID: generateEventID("fill"), Type: EventTypeFill, Timestamp: time.Now()},
		TradeID:    tradeID, Symbol: symbol, Side: side, SizeQty: sizeQty, Price: price, PnL: pnl, ExitReason: exitReason,
	}
}

// RiskAlertEvent reports a guard rejection or circuit-breaker state change.
type RiskAlertEvent struct {
	BaseEvent
	Symbol       string          `json:"symbol,omitempty"`
	AlertType    string          `json:"alertType"`
	Severity     string          `json:"severity"`
	Message      string          `json:"message"`
	CurrentValue decimal.Decimal `json:"currentValue,omitempty"`
	Threshold    decimal.Decimal `json:"threshold,omitempty"`
}

// NewRiskAlertEvent builds a RiskAlertEvent.
func NewRiskAlertEvent(symbol, alertType, severity, message string, currentValue, threshold decimal.Decimal) RiskAlertEvent {
	return RiskAlertEvent{
		BaseEvent: BaseEvent{ID: generateEventID("risk"), Type: EventTypeRiskAlert, Timestamp: time.Now()},
		Symbol:    symbol, AlertType: alertType, Severity: severity, Message: message,
		CurrentValue: currentValue, Threshold: threshold,
	}
}

// Handler processes one event. An error is logged, never fatal.
type Handler func(event Event) error

// Filter selectively accepts events for a subscription.
type Filter func(event Event) bool

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Filter Filter
	Async  bool // process in its own goroutine; default true
}

type subscription struct {
	id      string
	evtType EventType
	handler Handler
	opts    SubscribeOptions
	active  atomic.Bool
}

// Subscription is a handle returned from Subscribe, used to Unsubscribe.
type Subscription struct{ sub *subscription }

// Config tunes the worker pool and buffer.
type Config struct {
	NumWorkers int
	BufferSize int
}

// DefaultConfig returns sensible worker/buffer defaults for a single
// trading deployment (no 100K events/sec requirement here, unlike the
// teacher's multi-strategy-farm sizing).
func DefaultConfig() Config {
	return Config{NumWorkers: 4, BufferSize: 1024}
}

// Stats reports bus throughput counters.
type Stats struct {
	Published   int64
	Processed   int64
	Dropped     int64
	Errors      int64
	Subscribers int64
}

// Bus is the event bus. Publish is non-blocking and drops on a full buffer;
// PublishSync runs synchronously on the caller's goroutine.
type Bus struct {
	logger *zap.Logger

	mu             sync.RWMutex
	subscribers    map[EventType][]*subscription
	allSubscribers []*subscription

	eventChan   chan Event
	workerCount int

	published   atomic.Int64
	processed   atomic.Int64
	dropped     atomic.Int64
	errs        atomic.Int64
	subCount    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a bus with its worker pool running.
func New(logger *zap.Logger, cfg Config) *Bus {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:      logger.Named("events"),
		subscribers: make(map[EventType][]*subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		workerCount: cfg.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt := <-b.eventChan:
			b.dispatch(evt)
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	typed := append([]*subscription{}, b.subscribers[evt.GetType()]...)
	all := append([]*subscription{}, b.allSubscribers...)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.deliver(sub, evt)
	}
	for _, sub := range all {
		b.deliver(sub, evt)
	}
	b.processed.Add(1)
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	if !sub.active.Load() {
		return
	}
	if sub.opts.Filter != nil && !sub.opts.Filter(evt) {
		return
	}
	if sub.opts.Async {
		go b.runHandler(sub, evt)
	} else {
		b.runHandler(sub, evt)
	}
}

func (b *Bus) runHandler(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errs.Add(1)
			b.logger.Error("event handler panic", zap.String("subscription_id", sub.id), zap.Any("panic", r))
		}
	}()
	if err := sub.handler(evt); err != nil {
		b.errs.Add(1)
		b.logger.Warn("event handler error", zap.String("subscription_id", sub.id), zap.Error(err))
	}
}

// Subscribe registers handler for one event type.
func (b *Bus) Subscribe(evtType EventType, handler Handler, opts ...SubscribeOptions) Subscription {
	o := SubscribeOptions{Async: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	sub := &subscription{id: generateEventID("sub"), evtType: evtType, handler: handler, opts: o}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[evtType] = append(b.subscribers[evtType], sub)
	b.mu.Unlock()
	b.subCount.Add(1)
	return Subscription{sub: sub}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler, opts ...SubscribeOptions) Subscription {
	o := SubscribeOptions{Async: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	sub := &subscription{id: generateEventID("sub"), evtType: "*", handler: handler, opts: o}
	sub.active.Store(true)

	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, sub)
	b.mu.Unlock()
	b.subCount.Add(1)
	return Subscription{sub: sub}
}

// Unsubscribe deactivates a subscription. Safe to call more than once.
func (b *Bus) Unsubscribe(s Subscription) {
	if s.sub == nil || !s.sub.active.CompareAndSwap(true, false) {
		return
	}
	b.subCount.Add(-1)
}

// Publish enqueues evt for async delivery, dropping it if the buffer is full.
func (b *Bus) Publish(evt Event) {
	select {
	case b.eventChan <- evt:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("event_type", string(evt.GetType())))
	}
}

// PublishSync delivers evt on the caller's goroutine and blocks until done.
func (b *Bus) PublishSync(evt Event) {
	b.published.Add(1)
	b.dispatch(evt)
}

// Stats snapshots the bus's counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(), Processed: b.processed.Load(),
		Dropped: b.dropped.Load(), Errors: b.errs.Load(), Subscribers: b.subCount.Load(),
	}
}

// Close stops the worker pool, waiting up to 5s for the workers to return.
// Handlers of async subscriptions run in their own goroutines and are not
// waited for.
func (b *Bus) Close() {
	b.cancel()
	done := make(chan struct{})
	go func() { b.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("events bus shutdown timed out")
	}
}
