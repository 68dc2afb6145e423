package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(zap.NewNop(), Config{Path: filepath.Join(t.TempDir(), "state.json")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestRoundTripBuyThenSellLeavesNoPosition(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	s.RecordFill(Fill{
		Symbol: "BTC-USD", Side: "BUY",
		Size: decimal.NewFromFloat(0.01), Price: decimal.NewFromInt(50000),
		Fees: decimal.NewFromInt(10), Time: now,
	}, false)

	realized, outcome := s.RecordFill(Fill{
		Symbol: "BTC-USD", Side: "SELL",
		Size: decimal.NewFromFloat(0.01), Price: decimal.NewFromInt(52000),
		Fees: decimal.NewFromInt(10), Time: now.Add(time.Hour),
	}, false)

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, held := state.Positions["BTC-USD"]; held {
		t.Fatalf("expected position removed, got %+v", state.Positions["BTC-USD"])
	}
	want := decimal.NewFromInt(0) // (52000-50000)*0.01 - 20 = 0
	if !realized.Equal(want) {
		t.Errorf("realized pnl = %s, want %s", realized, want)
	}
	if outcome != OutcomeWin {
		t.Errorf("outcome = %s, want win", outcome)
	}
	if state.ConsecutiveLosses != 0 {
		t.Errorf("consecutiveLosses = %d, want 0", state.ConsecutiveLosses)
	}
	if state.LastWinTime.IsZero() {
		t.Errorf("expected LastWinTime to be set")
	}
}

func TestCooldownExpiryBoundary(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	s.ApplyCooldown("SOL-USD", time.Second, now)

	if _, onCooldown := s.CooldownExpiry("SOL-USD", now.Add(500*time.Millisecond)); !onCooldown {
		t.Errorf("expected cooldown active just before expiry")
	}
	if _, onCooldown := s.CooldownExpiry("SOL-USD", now.Add(2*time.Second)); onCooldown {
		t.Errorf("expected cooldown expired after expiry")
	}
}

func TestLoadExpungesExpiredCooldowns(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().UTC().Add(-time.Hour)
	s.mu.Lock()
	s.state.Cooldowns["ETH-USD"] = past
	s.mu.Unlock()
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2, err := New(zap.NewNop(), Config{Path: s.path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	state, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := state.Cooldowns["ETH-USD"]; ok {
		t.Errorf("expected expired cooldown to be purged on load")
	}
}

func TestPendingMarkerTTL(t *testing.T) {
	s := newTestStore(t)
	// Construct with a tiny TTL directly to exercise expiry.
	s.pendingTTL = 10 * time.Millisecond
	now := time.Now().UTC()
	s.SetPending("BTC-USD", "BUY", decimal.NewFromInt(100), now)

	if !s.HasPending("BTC-USD", "BUY") {
		t.Fatalf("expected pending marker present immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if s.HasPending("BTC-USD", "BUY") {
		t.Errorf("expected pending marker expired")
	}
}

func TestHighWaterMarkNonDecreasing(t *testing.T) {
	s := newTestStore(t)
	dd1 := s.UpdateHighWaterMark(decimal.NewFromInt(1000))
	if !dd1.IsZero() {
		t.Errorf("expected zero drawdown at new high, got %s", dd1)
	}
	dd2 := s.UpdateHighWaterMark(decimal.NewFromInt(900))
	want := decimal.NewFromInt(10) // (1000-900)/1000*100
	if !dd2.Equal(want) {
		t.Errorf("drawdown = %s, want %s", dd2, want)
	}
	dd3 := s.UpdateHighWaterMark(decimal.NewFromInt(1100))
	if !dd3.IsZero() {
		t.Errorf("expected zero drawdown at new high, got %s", dd3)
	}
}
