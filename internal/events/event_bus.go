// Package events is the cycle engine's notification bus: it carries
// cycle outcomes, regime changes, fills, risk alerts, and kill-switch
// transitions out to observers (the ops websocket hub) without ever
// sitting on the synchronous decision path in internal/cycle. A
// publish here can be dropped under backpressure; nothing downstream
// of a cycle's trading decision depends on a subscriber seeing it.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType defines the category of event.
type EventType string

const (
	EventTypeCycleCompleted EventType = "cycle_completed"
	EventTypeRegimeChanged  EventType = "regime_changed"
	EventTypeFill           EventType = "fill"
	EventTypeRiskAlert      EventType = "risk_alert"
	EventTypeKillSwitch     EventType = "kill_switch"
)

// Event is the base interface for all bus events.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

var eventCounter atomic.Int64

func newBaseEvent(eventType EventType, ts time.Time) BaseEvent {
	n := eventCounter.Add(1)
	return BaseEvent{ID: ts.Format("20060102150405.000000000") + "-" + itoa(n), Type: eventType, Timestamp: ts}
}

// CycleCompletedEvent reports one cycle's terminal outcome.
type CycleCompletedEvent struct {
	BaseEvent
	CycleNumber   int    `json:"cycle_number"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	ProposalCount int    `json:"proposal_count"`
	ApprovedCount int    `json:"approved_count"`
	RejectedCount int    `json:"rejected_count"`
	ExecutedCount int    `json:"executed_count"`
	DurationMs    int64  `json:"duration_ms"`
}

// NewCycleCompletedEvent builds a CycleCompletedEvent at ts.
func NewCycleCompletedEvent(cycleNumber int, status, reason string, proposals, approved, rejected, executed int, duration time.Duration, ts time.Time) *CycleCompletedEvent {
	return &CycleCompletedEvent{
		BaseEvent:     newBaseEvent(EventTypeCycleCompleted, ts),
		CycleNumber:   cycleNumber,
		Status:        status,
		Reason:        reason,
		ProposalCount: proposals,
		ApprovedCount: approved,
		RejectedCount: rejected,
		ExecutedCount: executed,
		DurationMs:    duration.Milliseconds(),
	}
}

// RegimeChangedEvent reports the detector's latest classification.
type RegimeChangedEvent struct {
	BaseEvent
	Regime             string  `json:"regime"`
	Confidence         float64 `json:"confidence"`
	TrendPct           float64 `json:"trend_pct"`
	AnnualizedVolPct   float64 `json:"annualized_vol_pct"`
}

// NewRegimeChangedEvent builds a RegimeChangedEvent at ts.
func NewRegimeChangedEvent(regime string, confidence, trendPct, annualizedVolPct float64, ts time.Time) *RegimeChangedEvent {
	return &RegimeChangedEvent{
		BaseEvent:        newBaseEvent(EventTypeRegimeChanged, ts),
		Regime:           regime,
		Confidence:       confidence,
		TrendPct:         trendPct,
		AnnualizedVolPct: annualizedVolPct,
	}
}

// FillEvent reports one executed order.
type FillEvent struct {
	BaseEvent
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Size     string  `json:"size"`
	Price    string  `json:"price"`
	Fees     string  `json:"fees"`
	Notional string  `json:"notional"`
}

// NewFillEvent builds a FillEvent at ts.
func NewFillEvent(symbol, side, size, price, fees, notional string, ts time.Time) *FillEvent {
	return &FillEvent{
		BaseEvent: newBaseEvent(EventTypeFill, ts),
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		Price:     price,
		Fees:      fees,
		Notional:  notional,
	}
}

// RiskAlertEvent reports a risk-gate escalation.
type RiskAlertEvent struct {
	BaseEvent
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// NewRiskAlertEvent builds a RiskAlertEvent at ts.
func NewRiskAlertEvent(severity, title, message string, ts time.Time) *RiskAlertEvent {
	return &RiskAlertEvent{BaseEvent: newBaseEvent(EventTypeRiskAlert, ts), Severity: severity, Title: title, Message: message}
}

// KillSwitchEvent reports a kill-switch state transition.
type KillSwitchEvent struct {
	BaseEvent
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

// NewKillSwitchEvent builds a KillSwitchEvent at ts.
func NewKillSwitchEvent(active bool, reason string, ts time.Time) *KillSwitchEvent {
	return &KillSwitchEvent{BaseEvent: newBaseEvent(EventTypeKillSwitch, ts), Active: active, Reason: reason}
}

// EventHandler processes one event. A returned error is logged, never
// propagated to the publisher.
type EventHandler func(event Event) error

// Subscription represents an active event subscription.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	active    atomic.Bool
}

// IsActive returns whether the subscription is still receiving events.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// BusStats tracks bus throughput for the ops status endpoint.
type BusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// BusConfig configures the bus's worker pool and buffer. A cycle
// produces on the order of a handful of events per run, so this is
// sized for low, bursty volume rather than sustained throughput.
type BusConfig struct {
	NumWorkers int
	BufferSize int
}

// DefaultBusConfig is sized for a once-per-cycle event cadence.
func DefaultBusConfig() BusConfig {
	return BusConfig{NumWorkers: 2, BufferSize: 256}
}

// Bus is the central event router. A publish is non-blocking; a full
// buffer drops the event and counts it rather than stalling the
// caller (the cycle pipeline must never block on a subscriber).
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan chan Event

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates a bus and starts its worker pool.
func NewBus(logger *zap.Logger, cfg BusConfig) *Bus {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("events"),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.logger.Info("event bus started", zap.Int("workers", cfg.NumWorkers), zap.Int("buffer_size", cfg.BufferSize))
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.GetType()]
	allSubs := b.allSubscribers
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, event)
	}
	for _, sub := range allSubs {
		b.invoke(sub, event)
	}
	b.eventsProcessed.Add(1)
}

func (b *Bus) invoke(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("event handler panic", zap.String("subscription_id", sub.ID), zap.String("event_type", string(event.GetType())), zap.Any("panic", r))
		}
	}()
	if err := sub.Handler(event); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("event handler error", zap.String("subscription_id", sub.ID), zap.String("event_type", string(event.GetType())), zap.Error(err))
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ID: generateSubscriptionID(), EventType: eventType, Handler: handler}
	sub.active.Store(true)
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.activeSubscribers.Add(1)
	return sub
}

// SubscribeAll registers a handler for every event type (the
// websocket hub's broadcast-everything subscriber).
func (b *Bus) SubscribeAll(handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ID: generateSubscriptionID(), EventType: "*", Handler: handler}
	sub.active.Store(true)
	b.allSubscribers = append(b.allSubscribers, sub)
	b.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	b.activeSubscribers.Add(-1)
}

// Publish sends an event to subscribers, non-blocking. A full buffer
// drops the event.
func (b *Bus) Publish(event Event) {
	select {
	case b.eventChan <- event:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// Stats returns current bus counters for the ops status endpoint.
func (b *Bus) Stats() BusStats {
	return BusStats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsProcessed:   b.eventsProcessed.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		ProcessingErrors:  b.processingErrors.Load(),
		ActiveSubscribers: b.activeSubscribers.Load(),
	}
}

// Close stops the bus, waiting up to 5s for in-flight dispatch to drain.
func (b *Bus) Close() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("event bus stopped", zap.Int64("events_processed", b.eventsProcessed.Load()), zap.Int64("events_dropped", b.eventsDropped.Load()))
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus shutdown timed out")
	}
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	return "sub_" + time.Now().Format("20060102150405") + "-" + itoa(subscriptionCounter.Add(1))
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
