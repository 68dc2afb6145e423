// Package statestore is the single owner of the engine's persisted,
// process-wide mutable state: positions, PnL, cooldowns, pending
// markers, the open-order cache, and the rolling counters the risk
// gate reads. All mutation methods are safe for concurrent use; all
// writes are atomic at file granularity (temp file + rename).
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	dustThreshold       = "0.00000001"
	maxRecentOrders     = 50
	maxFillHistory      = 100
	maxEventLog         = 100
	weeklyPnLWindowDays = 7
)

// PositionEntry is a ledger entry for one held symbol.
type PositionEntry struct {
	Units       decimal.Decimal `json:"units"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	USD         decimal.Decimal `json:"usd"`
	FeesPaid    decimal.Decimal `json:"feesPaid"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// OrderDescriptor mirrors an exchange open-order record.
type OrderDescriptor struct {
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	Notional  decimal.Decimal `json:"notional"`
	CreatedAt time.Time       `json:"createdAt"`
	ClosedAt  time.Time       `json:"closedAt,omitempty"`
}

// PendingMarker is a short-lived record of an order submitted but not
// yet confirmed terminal, guarding downstream sizing from capacity
// leaks (spec glossary: "pending marker").
type PendingMarker struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Notional  decimal.Decimal `json:"notional"`
	Since     time.Time       `json:"since"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// EventRecord is an append-only audit entry.
type EventRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail"`
}

// PersistedState is the JSON-compatible shape described in spec.md §6.
type PersistedState struct {
	PnLToday          decimal.Decimal            `json:"pnlToday"`
	PnLWeekRing       [weeklyPnLWindowDays]decimal.Decimal `json:"pnlWeekRing"`
	PnLWeekRingDate   string                     `json:"pnlWeekRingDate"` // UTC date of the latest ring roll
	TradesToday       int                        `json:"tradesToday"`
	TradesThisHour    int                        `json:"tradesThisHour"`
	ConsecutiveLosses int                        `json:"consecutiveLosses"`
	LastLossTime      time.Time                  `json:"lastLossTime"`
	LastWinTime       time.Time                  `json:"lastWinTime"`
	Cooldowns         map[string]time.Time       `json:"cooldowns"`
	Positions         map[string]PositionEntry   `json:"positions"`
	ManagedPositions  map[string]types.ManagedPositionTarget `json:"managedPositions"`
	CashBalances      map[string]decimal.Decimal `json:"cashBalances"`
	OpenOrders        map[string]OrderDescriptor `json:"openOrders"`
	RecentOrders      []OrderDescriptor          `json:"recentOrders"`
	PendingMarkers    map[string]PendingMarker   `json:"pendingMarkers"`
	LastFillTimes     map[string]time.Time       `json:"lastFillTimes"` // key "symbol:SIDE"
	FillHistory       map[string][]time.Time     `json:"fillHistory"`  // key "symbol:SIDE"
	LastTradeTimestamp time.Time                 `json:"lastTradeTimestamp"`
	LastTradeTimeBySymbol map[string]time.Time   `json:"lastTradeTimeBySymbol"`
	HighWaterMark     decimal.Decimal            `json:"highWaterMark"`
	LastResetDate     string                     `json:"lastResetDate"`
	LastResetHour     int                        `json:"lastResetHour"`
	Events            []EventRecord              `json:"events"`
}

func defaultState() *PersistedState {
	return &PersistedState{
		Cooldowns:             make(map[string]time.Time),
		Positions:             make(map[string]PositionEntry),
		ManagedPositions:      make(map[string]types.ManagedPositionTarget),
		CashBalances:          make(map[string]decimal.Decimal),
		OpenOrders:            make(map[string]OrderDescriptor),
		RecentOrders:          make([]OrderDescriptor, 0, maxRecentOrders),
		PendingMarkers:        make(map[string]PendingMarker),
		LastFillTimes:         make(map[string]time.Time),
		FillHistory:           make(map[string][]time.Time),
		LastTradeTimeBySymbol: make(map[string]time.Time),
		HighWaterMark:         decimal.Zero,
		PnLToday:              decimal.Zero,
		Events:                make([]EventRecord, 0, maxEventLog),
	}
}

// Store is the single owner of PersistedState.
type Store struct {
	mu       sync.Mutex
	logger   *zap.Logger
	path     string
	state    *PersistedState
	pendingTTL time.Duration
}

// Config configures the store's file path and pending-marker TTL.
type Config struct {
	Path       string
	PendingTTL time.Duration // default 120s per spec.md §3
}

// New creates a store bound to a single JSON file. It does not load —
// call Load() to populate or initialize state.
func New(logger *zap.Logger, cfg Config) (*Store, error) {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 120 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{
		logger:     logger.Named("statestore"),
		path:       cfg.Path,
		pendingTTL: cfg.PendingTTL,
		state:      defaultState(),
	}, nil
}

// Load reads the state file, merging onto defaults, runs auto-reset
// and lazy cooldown expunge, and returns a deep copy of the resulting
// state. A corrupt file is logged and defaults are used instead of
// crashing (spec.md §4.1 failure semantics).
func (s *Store) Load() (*PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var loaded PersistedState
		if jsonErr := json.Unmarshal(raw, &loaded); jsonErr != nil {
			s.logger.Error("state file corrupt, falling back to defaults", zap.Error(jsonErr))
			s.state = defaultState()
		} else {
			s.state = mergeWithDefaults(&loaded)
		}
	case os.IsNotExist(err):
		s.state = defaultState()
	default:
		return nil, fmt.Errorf("read state file: %w", err)
	}

	s.autoResetLocked(time.Now().UTC())
	s.purgeExpiredCooldownsLocked(time.Now().UTC())
	s.purgeExpiredPendingLocked(time.Now().UTC())

	return cloneState(s.state), nil
}

// mergeWithDefaults fills nil maps/slices on a partially-populated
// file so callers never see a nil map.
func mergeWithDefaults(loaded *PersistedState) *PersistedState {
	def := defaultState()
	if loaded.Cooldowns == nil {
		loaded.Cooldowns = def.Cooldowns
	}
	if loaded.Positions == nil {
		loaded.Positions = def.Positions
	}
	if loaded.ManagedPositions == nil {
		loaded.ManagedPositions = def.ManagedPositions
	}
	if loaded.CashBalances == nil {
		loaded.CashBalances = def.CashBalances
	}
	if loaded.OpenOrders == nil {
		loaded.OpenOrders = def.OpenOrders
	}
	if loaded.PendingMarkers == nil {
		loaded.PendingMarkers = def.PendingMarkers
	}
	if loaded.LastFillTimes == nil {
		loaded.LastFillTimes = def.LastFillTimes
	}
	if loaded.FillHistory == nil {
		loaded.FillHistory = def.FillHistory
	}
	if loaded.LastTradeTimeBySymbol == nil {
		loaded.LastTradeTimeBySymbol = def.LastTradeTimeBySymbol
	}
	return loaded
}

// Save writes state to a temp file in the same directory and
// atomically renames over the target, so a failure part-way leaves
// the previous file readable.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// autoResetLocked runs the UTC-aligned daily/hourly counter reset
// described in spec.md §4.1. Must hold s.mu.
func (s *Store) autoResetLocked(now time.Time) {
	today := now.Format("2006-01-02")
	if s.state.LastResetDate != today {
		s.rollWeeklyRingLocked(today)
		s.state.TradesToday = 0
		s.state.PnLToday = decimal.Zero
		s.state.LastResetDate = today
	}
	hour := now.Hour()
	if s.state.LastResetHour != hour {
		s.state.TradesThisHour = 0
		s.state.LastResetHour = hour
	}
}

// rollWeeklyRingLocked advances the 7-slot rolling PnL window by one
// day, dropping the oldest slot (resolves spec.md §9 Open Question:
// weekly window is a rolling 7-day window, not calendar-week-aligned,
// per original_source's infra/state_store.py behavior).
func (s *Store) rollWeeklyRingLocked(today string) {
	if s.state.PnLWeekRingDate == "" {
		s.state.PnLWeekRingDate = today
		return
	}
	if s.state.PnLWeekRingDate == today {
		return
	}
	// shift left by one day, oldest (index 0) drops off, yesterday's
	// pnlToday becomes the newest slot.
	for i := 0; i < weeklyPnLWindowDays-1; i++ {
		s.state.PnLWeekRing[i] = s.state.PnLWeekRing[i+1]
	}
	s.state.PnLWeekRing[weeklyPnLWindowDays-1] = s.state.PnLToday
	s.state.PnLWeekRingDate = today
}

// PnLWeek sums the rolling 7-day window plus the still-open today
// bucket.
func (st *PersistedState) PnLWeek() decimal.Decimal {
	total := st.PnLToday
	for _, v := range st.PnLWeekRing {
		total = total.Add(v)
	}
	return total
}

func (s *Store) purgeExpiredCooldownsLocked(now time.Time) {
	for sym, expiry := range s.state.Cooldowns {
		if !expiry.After(now) {
			delete(s.state.Cooldowns, sym)
		}
	}
}

func (s *Store) purgeExpiredPendingLocked(now time.Time) {
	for key, marker := range s.state.PendingMarkers {
		if !marker.ExpiresAt.After(now) {
			delete(s.state.PendingMarkers, key)
		}
	}
}

func cloneState(s *PersistedState) *PersistedState {
	data, _ := json.Marshal(s)
	out := defaultState()
	_ = json.Unmarshal(data, out)
	return out
}

func pendingKey(symbol, side string) string {
	return symbol + ":" + side
}

// SetPending records a pending order marker with the store's TTL.
func (s *Store) SetPending(symbol, side string, notional decimal.Decimal, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pendingKey(symbol, side)
	s.state.PendingMarkers[key] = PendingMarker{
		Symbol:    symbol,
		Side:      side,
		Notional:  notional,
		Since:     now,
		ExpiresAt: now.Add(s.pendingTTL),
	}
}

// ClearPending removes a pending marker (order reached a terminal state).
func (s *Store) ClearPending(symbol, side string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.PendingMarkers, pendingKey(symbol, side))
}

// HasPending reports whether a live pending marker exists.
func (s *Store) HasPending(symbol, side string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.PendingMarkers[pendingKey(symbol, side)]
	if !ok {
		return false
	}
	return m.ExpiresAt.After(time.Now().UTC())
}

// PurgeExpiredPending drops all expired markers; called on every read.
func (s *Store) PurgeExpiredPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredPendingLocked(time.Now().UTC())
}

// GetLastFillTime returns the last fill time for (symbol, side).
func (s *Store) GetLastFillTime(symbol, side string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.LastFillTimes[pendingKey(symbol, side)]
	return t, ok
}

// GetFillCountSince counts recorded fills for (symbol, side) at or
// after `since`, bounded by the last 100 retained per key.
func (s *Store) GetFillCountSince(symbol, side string, since time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.state.FillHistory[pendingKey(symbol, side)] {
		if !t.Before(since) {
			count++
		}
	}
	return count
}

// RecordEvent appends a bounded audit event.
func (s *Store) RecordEvent(eventType, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordEventLocked(eventType, detail)
}

func (s *Store) recordEventLocked(eventType, detail string) {
	s.state.Events = append(s.state.Events, EventRecord{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Detail:    detail,
	})
	if len(s.state.Events) > maxEventLog {
		s.state.Events = s.state.Events[len(s.state.Events)-maxEventLog:]
	}
}

// RecordTradeTiming updates the global and per-symbol last-trade
// timestamps the trade pacing layer spaces new trades against.
func (s *Store) RecordTradeTiming(symbol string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastTradeTimestamp = now
	s.state.LastTradeTimeBySymbol[symbol] = now
}

// LastTradeTimestamp returns the most recent trade of any symbol, if any.
func (s *Store) LastTradeTimestamp() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.state.LastTradeTimestamp
	return t, !t.IsZero()
}

// LastTradeTimeForSymbol returns the most recent trade of the given
// symbol, if any.
func (s *Store) LastTradeTimeForSymbol(symbol string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.LastTradeTimeBySymbol[symbol]
	return t, ok
}

// ApplyCooldown sets a symbol cooldown expiring at `now + d`.
func (s *Store) ApplyCooldown(symbol string, d time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Cooldowns[symbol] = now.Add(d)
}

// CooldownExpiry returns a symbol's cooldown expiry, if any and unexpired.
func (s *Store) CooldownExpiry(symbol string, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.state.Cooldowns[symbol]
	if !ok || !expiry.After(now) {
		return time.Time{}, false
	}
	return expiry, true
}

// Snapshot returns a deep copy of the current in-memory state for
// read-only inspection (the ops API's status endpoints), without
// touching disk or running auto-reset/expunge.
func (s *Store) Snapshot() *PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

// OpenOrderIDs returns every order ID presently in the open-order
// cache, for the kill-switch / shutdown path to cancel in bulk
// (spec.md §5: "cancel all working orders within ≤10 s").
func (s *Store) OpenOrderIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.state.OpenOrders))
	for id := range s.state.OpenOrders {
		ids = append(ids, id)
	}
	return ids
}

// ResetHighWaterMark force-sets the high-water mark to the given NAV,
// for the `/admin/reset-hwm` operational escape hatch (SPEC_FULL.md's
// supplemented `scripts/reset_high_water_mark.py` equivalent). Callers
// are responsible for persisting via Save.
func (s *Store) ResetHighWaterMark(nav decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.HighWaterMark = nav
	s.recordEventLocked("hwm_reset", fmt.Sprintf("high_water_mark manually reset to %s", nav.String()))
}

// BuildPortfolio assembles the cycle's read-only PortfolioState from
// the reconciler's exchange-truth view (positions, pending orders,
// account value) plus the store's own rolling counters (trades,
// consecutive losses, PnL). Exists so the cycle pipeline never reaches
// into PersistedState fields directly.
func (s *Store) BuildPortfolio(openPositions map[string]types.OpenPosition, pending types.PendingOrders, accountValueUSD, maxDrawdownPct decimal.Decimal, now time.Time) types.PortfolioState {
	s.mu.Lock()
	defer s.mu.Unlock()

	dailyPct := decimal.Zero
	weeklyPct := decimal.Zero
	if accountValueUSD.IsPositive() {
		dailyPct = s.state.PnLToday.Div(accountValueUSD).Mul(decimal.NewFromInt(100))
		weeklyPct = s.state.PnLWeek().Div(accountValueUSD).Mul(decimal.NewFromInt(100))
	}

	managed := make(map[string]types.ManagedPositionTarget, len(s.state.ManagedPositions))
	for k, v := range s.state.ManagedPositions {
		managed[k] = v
	}

	return types.PortfolioState{
		AccountValueUSD:   accountValueUSD,
		OpenPositions:     openPositions,
		ManagedPositions:  managed,
		PendingOrders:     pending,
		DailyPnLPct:       dailyPct,
		WeeklyPnLPct:      weeklyPct,
		MaxDrawdownPct:    maxDrawdownPct,
		TradesToday:       s.state.TradesToday,
		TradesThisHour:    s.state.TradesThisHour,
		ConsecutiveLosses: s.state.ConsecutiveLosses,
		LastLossTime:      s.state.LastLossTime,
		CurrentTime:       now,
	}
}
