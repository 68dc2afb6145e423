package alerting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNotifyBelowMinSeverityIsSuppressed(t *testing.T) {
	var delivered int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.WebhookURL = server.URL
	cfg.MinSeverity = SeverityCritical
	svc := New(zap.NewNop(), cfg)

	svc.Notify(SeverityWarning, "disk space low", "70% used", nil)

	if atomic.LoadInt32(&delivered) != 0 {
		t.Fatalf("expected no delivery below min severity, got %d", delivered)
	}
}

func TestNotifyDeliversPayloadShape(t *testing.T) {
	received := make(chan map[string]string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.WebhookURL = server.URL
	svc := New(zap.NewNop(), cfg)

	svc.Notify(SeverityCritical, "kill switch engaged", "drawdown exceeded", map[string]any{"symbol": "BTC-USD"})

	select {
	case body := <-received:
		want := "[CRITICAL] kill switch engaged | drawdown exceeded | context={\"symbol\":\"BTC-USD\"}"
		if body["text"] != want {
			t.Fatalf("unexpected payload text:\n got:  %q\n want: %q", body["text"], want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
}

func TestNotifyDedupesWithinWindow(t *testing.T) {
	var delivered int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.WebhookURL = server.URL
	cfg.DedupeWindow = time.Minute
	cfg.EscalationWindow = time.Hour
	svc := New(zap.NewNop(), cfg)

	svc.Notify(SeverityWarning, "api errors rising", "3 in a row", nil)
	svc.Notify(SeverityWarning, "api errors rising", "3 in a row", nil)
	svc.Notify(SeverityWarning, "api errors rising", "3 in a row", nil)

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&delivered) != 1 {
		t.Fatalf("expected exactly one delivery within the dedupe window, got %d", delivered)
	}
}

func TestNotifyDryRunNeverCallsWebhook(t *testing.T) {
	var delivered int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.DryRun = true
	cfg.WebhookURL = server.URL
	svc := New(zap.NewNop(), cfg)

	svc.Notify(SeverityCritical, "test", "message", nil)

	if atomic.LoadInt32(&delivered) != 0 {
		t.Fatalf("expected no HTTP call in dry run, got %d", delivered)
	}
}

func TestSeverityFromStringDefaultsToWarning(t *testing.T) {
	if SeverityFromString("critical") != SeverityCritical {
		t.Fatal("expected case-insensitive parse of critical")
	}
	if SeverityFromString("bogus") != SeverityWarning {
		t.Fatal("expected unrecognized severity to default to warning")
	}
}

func TestDisabledServiceNeverDelivers(t *testing.T) {
	svc := New(zap.NewNop(), DefaultConfig()) // Enabled defaults to false
	if svc.Enabled() {
		t.Fatal("expected service to be disabled without explicit Enabled+WebhookURL")
	}
	// Notify must be a safe no-op; nothing to assert beyond "doesn't panic".
	svc.Notify(SeverityCritical, "x", "y", nil)
}
