// Package alerting delivers single-line JSON webhook notifications for
// critical trading events, with dedupe and escalation so a flapping
// condition doesn't page on every cycle (spec.md §6).
package alerting

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/spotcycle/pkg/utils"
	"go.uber.org/zap"
)

// Severity mirrors the original Python service's INFO/WARNING/CRITICAL
// ladder, numeric so min-severity and escalation-boost comparisons are
// simple integer math.
type Severity int

const (
	SeverityInfo     Severity = 10
	SeverityWarning  Severity = 20
	SeverityCritical Severity = 30
)

// String renders the severity the way it appears in alert payloads.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "WARNING"
	}
}

// SeverityFromString parses a config value case-insensitively,
// defaulting to WARNING on anything unrecognized.
func SeverityFromString(value string) Severity {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "INFO":
		return SeverityInfo
	case "CRITICAL":
		return SeverityCritical
	case "WARNING", "":
		return SeverityWarning
	default:
		return SeverityWarning
	}
}

// Config parameterizes one AlertService.
type Config struct {
	Enabled                bool
	WebhookURL             string
	MinSeverity            Severity
	DryRun                 bool
	Timeout                time.Duration
	DedupeWindow           time.Duration
	EscalationWindow       time.Duration
	EscalationWebhookURL   string
	EscalationSeverityBoost int
}

// DefaultConfig mirrors the original service's defaults: 5s timeout,
// 60s dedupe window, 120s escalation window, one-level severity boost.
func DefaultConfig() Config {
	return Config{
		MinSeverity:             SeverityWarning,
		Timeout:                 5 * time.Second,
		DedupeWindow:            60 * time.Second,
		EscalationWindow:        120 * time.Second,
		EscalationSeverityBoost: 1,
	}
}

// Validate rejects a malformed webhook URL before the service ever
// tries to deliver to it. A disabled service is never validated.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !utils.ValidateWebhookURL(c.WebhookURL) {
		return fmt.Errorf("alerting: invalid webhook url %q", c.WebhookURL)
	}
	if c.EscalationWebhookURL != "" && !utils.ValidateWebhookURL(c.EscalationWebhookURL) {
		return fmt.Errorf("alerting: invalid escalation webhook url %q", c.EscalationWebhookURL)
	}
	return nil
}

type record struct {
	severity  Severity
	title     string
	message   string
	firstSeen time.Time
	lastSeen  time.Time
	count     int
	escalated bool
}

// Service sends webhook notifications, deduping identical alerts
// within a window and escalating ones still firing past a second
// window to an optional secondary webhook at a bumped severity.
type Service struct {
	logger  *zap.Logger
	cfg     Config
	client  *http.Client
	mu      sync.Mutex
	history map[string]*record
}

// New builds an alerting.Service.
func New(logger *zap.Logger, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Service{
		logger:  logger.Named("alerting"),
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		history: make(map[string]*record),
	}
}

// Enabled reports whether the service will actually deliver anything.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.cfg.WebhookURL != ""
}

// Notify delivers (or dry-run-logs) an alert, applying min-severity
// filtering, dedupe, and escalation (spec.md §6).
func (s *Service) Notify(severity Severity, title, message string, context map[string]any) {
	if !s.Enabled() {
		return
	}
	if severity < s.cfg.MinSeverity {
		return
	}

	now := time.Now()
	fingerprint := fingerprint(severity, title)

	s.mu.Lock()
	rec, seen := s.history[fingerprint]
	if !seen {
		rec = &record{severity: severity, title: title, message: message, firstSeen: now, lastSeen: now, count: 1}
		s.history[fingerprint] = rec
		s.mu.Unlock()
		s.deliver(severity, title, message, context)
		return
	}

	dueDedupe := now.Sub(rec.lastSeen) < s.cfg.DedupeWindow
	dueEscalation := !rec.escalated && now.Sub(rec.firstSeen) >= s.cfg.EscalationWindow
	rec.lastSeen = now
	rec.count++
	if dueEscalation {
		rec.escalated = true
	}
	s.mu.Unlock()

	if dueEscalation {
		boosted := escalate(severity, s.cfg.EscalationSeverityBoost)
		s.logger.Warn("alert escalated", zap.String("title", title), zap.Int("occurrences", rec.count))
		s.deliverTo(s.escalationWebhook(), boosted, "[ESCALATED] "+title, message, context)
		return
	}
	if dueDedupe {
		s.logger.Debug("alert suppressed by dedupe window", zap.String("title", title))
		return
	}
	s.deliver(severity, title, message, context)
}

// Resolve clears an alert's history entry so the next occurrence of
// the same fingerprint is treated as fresh rather than a repeat.
func (s *Service) Resolve(severity Severity, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, fingerprint(severity, title))
}

func (s *Service) escalationWebhook() string {
	if s.cfg.EscalationWebhookURL != "" {
		return s.cfg.EscalationWebhookURL
	}
	return s.cfg.WebhookURL
}

func (s *Service) deliver(severity Severity, title, message string, context map[string]any) {
	s.deliverTo(s.cfg.WebhookURL, severity, title, message, context)
}

func (s *Service) deliverTo(webhookURL string, severity Severity, title, message string, context map[string]any) {
	payload := buildPayload(severity, title, message, context)

	if s.cfg.DryRun {
		s.logger.Info("alert (dry run)", zap.String("severity", severity.String()), zap.String("title", title), zap.String("message", message))
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal alert payload", zap.Error(err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to build alert request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("failed to deliver alert", zap.String("title", title), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.logger.Error("alert webhook returned an error status", zap.String("title", title), zap.Int("status", resp.StatusCode))
	}
}

// buildPayload renders the single-line "[SEVERITY] title | message |
// context=..." text payload the original service produces.
func buildPayload(severity Severity, title, message string, context map[string]any) map[string]string {
	parts := []string{fmt.Sprintf("[%s] %s", severity.String(), title), message}
	if len(context) > 0 {
		parts = append(parts, "context="+marshalContext(context))
	}
	return map[string]string{"text": strings.Join(parts, " | ")}
}

func marshalContext(context map[string]any) string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(context))
	for _, k := range keys {
		ordered[k] = context[k]
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return fmt.Sprintf("%v", context)
	}
	return string(b)
}

func fingerprint(severity Severity, title string) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%d:%s", severity, title)))
	return hex.EncodeToString(h[:])
}

func escalate(base Severity, boost int) Severity {
	boosted := int(base) + boost*10
	if boosted > int(SeverityCritical) {
		return SeverityCritical
	}
	return Severity(boosted)
}
