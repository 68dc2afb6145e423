package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadWithNoFilesUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	b, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.App.Mode != ModePaper {
		t.Fatalf("expected default mode PAPER, got %s", b.App.Mode)
	}
	if b.Policy.Risk.MaxTradesPerDay != 10 {
		t.Fatalf("expected default risk config preserved, got %+v", b.Policy.Risk)
	}
	if len(b.Universe.Tiers) == 0 {
		t.Fatal("expected default universe tiers preserved")
	}
}

func TestLoadAppYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "app.yaml", "mode: LIVE\nloglevel: debug\npendingttl: 30s\n")

	b, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.App.Mode != ModeLive {
		t.Fatalf("expected mode LIVE, got %s", b.App.Mode)
	}
	if b.App.LogLevel != "debug" {
		t.Fatalf("expected loglevel debug, got %s", b.App.LogLevel)
	}
	if b.App.PendingTTL != 30*time.Second {
		t.Fatalf("expected 30s pending ttl, got %s", b.App.PendingTTL)
	}
	// Untouched fields keep their defaults.
	if b.App.APIAddr != ":8090" {
		t.Fatalf("expected default api addr preserved, got %s", b.App.APIAddr)
	}
}

func TestLoadPolicyYAMLOverridesNestedDecimalField(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "policy.yaml", "risk:\n  maxtradesperday: 25\n  dailystoplosspct: \"5.5\"\n")

	b, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.Policy.Risk.MaxTradesPerDay != 25 {
		t.Fatalf("expected override to 25, got %d", b.Policy.Risk.MaxTradesPerDay)
	}
	if b.Policy.Risk.DailyStopLossPct.String() != "5.5" {
		t.Fatalf("expected decimal override 5.5, got %s", b.Policy.Risk.DailyStopLossPct)
	}
	// Sibling field not present in the override keeps its default.
	if b.Policy.Risk.MaxOpenPositions != 8 {
		t.Fatalf("expected default MaxOpenPositions preserved, got %d", b.Policy.Risk.MaxOpenPositions)
	}
}

func TestLoadRejectsInvalidTradeLimits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "policy.yaml", "tradelimits:\n  maxtradesperhour: 0\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected Load to reject an invalid tradelimits override")
	}
}

func TestLoadStrategiesYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "strategies.yaml", "strategies:\n  - name: momentum_breakout\n    type: momentum\n    enabled: true\n")

	b, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(b.Strategies) != 1 || b.Strategies[0].Name != "momentum_breakout" || !b.Strategies[0].Enabled {
		t.Fatalf("expected one enabled momentum_breakout strategy entry, got %+v", b.Strategies)
	}
}
