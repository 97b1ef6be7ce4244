package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/store"
	"github.com/bastion-sec/bastion/pkg/logger"
	"github.com/google/uuid"
)

// AuditConfig tunes durability and anomaly detection
type AuditConfig struct {
	// Append retry behavior. Backoff doubles per attempt up to MaxBackoff.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Retention controls how far back the sweeper keeps events
	Retention time.Duration

	// Anomaly thresholds
	BruteForceThreshold    int // failure events for one identity
	BruteForceWindow       time.Duration
	StuffingOriginMinUsers int // distinct identities from one origin
	StuffingWindow         time.Duration
	SessionAnomalyOrigins  int // distinct origins on one session's identity
	SessionAnomalyWindow   time.Duration
}

// DefaultAuditConfig returns production defaults
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		MaxRetries:             3,
		BaseBackoff:            50 * time.Millisecond,
		MaxBackoff:             1 * time.Second,
		Retention:              90 * 24 * time.Hour,
		BruteForceThreshold:    10,
		BruteForceWindow:       5 * time.Minute,
		StuffingOriginMinUsers: 5,
		StuffingWindow:         10 * time.Minute,
		SessionAnomalyOrigins:  3,
		SessionAnomalyWindow:   15 * time.Minute,
	}
}

// criticalKinds are events whose loss is unacceptable: if the sink cannot
// take them after retries, the triggering operation must fail.
var criticalKinds = map[string]bool{
	models.EventKindLockTriggered: true,
	models.EventKindAdminUnlock:   true,
	models.EventKindAnomalyFound:  true,
	models.EventKindMFADisabled:   true,
}

// AuditService is the durable security event record and the anomaly engine
// that reads it back.
type AuditService struct {
	sink     store.EventSink
	clock    clock.Clock
	logger   *slog.Logger
	auditLog *logger.AuditLogger
	config   AuditConfig
}

// NewAuditService creates a new audit service
func NewAuditService(sink store.EventSink, clk clock.Clock, log *slog.Logger, config AuditConfig) *AuditService {
	return &AuditService{
		sink:     sink,
		clock:    clk,
		logger:   log,
		auditLog: logger.NewAuditLogger(log),
		config:   config,
	}
}

// Record appends an event to the durable sink, assigning its ID and
// timestamp. The event is mirrored to structured logs regardless of sink
// outcome. Sink failures are retried with bounded backoff; after the final
// attempt, critical events fail the operation with ErrAuditWrite while
// routine events are dropped with a logged warning.
func (s *AuditService) Record(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}

	// Mirror to the log stream first so operators see the event even if the
	// durable write is struggling.
	s.auditLog.LogEvent(ctx, event)

	var lastErr error
	backoff := s.config.BaseBackoff
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.clock.Sleep(backoff)
			backoff *= 2
			if backoff > s.config.MaxBackoff {
				backoff = s.config.MaxBackoff
			}
		}

		if err := s.sink.Append(ctx, event); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if criticalKinds[event.Kind] {
		s.logger.Error("dropping critical audit event after retries",
			slog.String("kind", event.Kind),
			slog.String("event_id", event.ID.String()),
			slog.String("error", lastErr.Error()))
		return fmt.Errorf("%w: %s: %v", models.ErrAuditWrite, event.Kind, lastErr)
	}

	s.logger.Warn("dropping audit event after retries",
		slog.String("kind", event.Kind),
		slog.String("event_id", event.ID.String()),
		slog.String("error", lastErr.Error()))
	return nil
}

// Query returns events in the time range matching the filter, oldest first
func (s *AuditService) Query(ctx context.Context, tr models.TimeRange, filter models.EventFilter) ([]*models.AuditEvent, error) {
	if !tr.To.After(tr.From) {
		return nil, fmt.Errorf("%w: time range is empty", models.ErrBadRequest)
	}

	events, err := s.sink.Query(ctx, tr, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// GenerateReport aggregates events in the range into a security report
func (s *AuditService) GenerateReport(ctx context.Context, tr models.TimeRange) (*models.SecurityReport, error) {
	events, err := s.Query(ctx, tr, models.EventFilter{})
	if err != nil {
		return nil, err
	}

	report := &models.SecurityReport{
		Range:            tr,
		TotalEvents:      len(events),
		CountsByKind:     make(map[string]int),
		CountsBySeverity: make(map[string]int),
	}

	identityFailures := make(map[string]int)
	originFailures := make(map[string]int)

	for _, e := range events {
		report.CountsByKind[e.Kind]++
		report.CountsBySeverity[e.Severity]++

		if e.Severity == models.SeverityCritical {
			report.CriticalEvents = append(report.CriticalEvents, e)
		}
		if e.Outcome == models.OutcomeFailure {
			if e.Identity != nil {
				identityFailures[*e.Identity]++
			}
			if e.Origin != "" {
				originFailures[e.Origin]++
			}
		}
	}

	report.TopFailingIdentities = topCounts(identityFailures, 10)
	report.TopFailingOrigins = topCounts(originFailures, 10)

	return report, nil
}

// DetectAnomalies scans events in the range for brute force, credential
// stuffing, and session anomaly patterns. Findings are advisory; the caller
// decides whether to escalate them into lockouts.
func (s *AuditService) DetectAnomalies(ctx context.Context, tr models.TimeRange) ([]*models.AnomalyFinding, error) {
	events, err := s.Query(ctx, tr, models.EventFilter{})
	if err != nil {
		return nil, err
	}

	var findings []*models.AnomalyFinding
	findings = append(findings, s.detectBruteForce(events, tr)...)
	findings = append(findings, s.detectCredentialStuffing(events, tr)...)
	findings = append(findings, s.detectSessionAnomaly(events, tr)...)

	for _, f := range findings {
		s.logger.Warn("anomaly detected",
			slog.String("pattern", f.Pattern),
			slog.String("identity", f.Identity),
			slog.String("origin", f.Origin),
			slog.Float64("confidence", f.Confidence),
			slog.Int("event_count", len(f.EventIDs)))
	}

	return findings, nil
}

// detectBruteForce finds repeated failures against one identity inside the
// configured window, regardless of where the attempts come from. An attacker
// rotating origins against a single account still trips it.
func (s *AuditService) detectBruteForce(events []*models.AuditEvent, tr models.TimeRange) []*models.AnomalyFinding {
	byIdentity := make(map[string][]*models.AuditEvent)
	for _, e := range events {
		if !isAuthFailure(e) || e.Identity == nil {
			continue
		}
		byIdentity[*e.Identity] = append(byIdentity[*e.Identity], e)
	}

	var findings []*models.AnomalyFinding
	for identity, group := range byIdentity {
		ids := eventsInWindow(group, s.config.BruteForceWindow, s.config.BruteForceThreshold)
		if ids == nil {
			continue
		}
		findings = append(findings, &models.AnomalyFinding{
			Pattern:    models.PatternBruteForce,
			Window:     tr,
			Identity:   identity,
			Origin:     soleOrigin(group),
			EventIDs:   ids,
			Confidence: confidenceFromCount(len(ids), s.config.BruteForceThreshold),
			Severity:   models.SeverityCritical,
		})
	}
	return findings
}

// soleOrigin returns the one origin shared by every event, or empty when the
// attempts are spread across origins. Escalation only locks an origin that
// is unambiguously the attacker.
func soleOrigin(events []*models.AuditEvent) string {
	origin := ""
	for _, e := range events {
		if e.Origin == "" {
			continue
		}
		if origin == "" {
			origin = e.Origin
			continue
		}
		if origin != e.Origin {
			return ""
		}
	}
	return origin
}

// detectCredentialStuffing finds one origin failing against many distinct
// identities inside the window.
func (s *AuditService) detectCredentialStuffing(events []*models.AuditEvent, tr models.TimeRange) []*models.AnomalyFinding {
	type originData struct {
		identities map[string]bool
		events     []*models.AuditEvent
	}

	byOrigin := make(map[string]*originData)
	for _, e := range events {
		if !isAuthFailure(e) || e.Identity == nil || e.Origin == "" {
			continue
		}
		od := byOrigin[e.Origin]
		if od == nil {
			od = &originData{identities: make(map[string]bool)}
			byOrigin[e.Origin] = od
		}
		od.identities[*e.Identity] = true
		od.events = append(od.events, e)
	}

	var findings []*models.AnomalyFinding
	for origin, od := range byOrigin {
		if len(od.identities) < s.config.StuffingOriginMinUsers {
			continue
		}
		ids := eventsInWindow(od.events, s.config.StuffingWindow, s.config.StuffingOriginMinUsers)
		if ids == nil {
			continue
		}
		findings = append(findings, &models.AnomalyFinding{
			Pattern:    models.PatternCredentialStuffing,
			Window:     tr,
			Origin:     origin,
			EventIDs:   ids,
			Confidence: confidenceFromCount(len(od.identities), s.config.StuffingOriginMinUsers),
			Severity:   models.SeverityCritical,
		})
	}
	return findings
}

// detectSessionAnomaly finds one identity's sessions validated from many
// distinct origins inside the window.
func (s *AuditService) detectSessionAnomaly(events []*models.AuditEvent, tr models.TimeRange) []*models.AnomalyFinding {
	type identityData struct {
		origins map[string]bool
		events  []*models.AuditEvent
	}

	byIdentity := make(map[string]*identityData)
	for _, e := range events {
		if e.Identity == nil || e.Origin == "" {
			continue
		}
		switch e.Kind {
		case models.EventKindSessionCreated, models.EventKindSessionValid, models.EventKindSessionDenied:
		default:
			continue
		}
		id := byIdentity[*e.Identity]
		if id == nil {
			id = &identityData{origins: make(map[string]bool)}
			byIdentity[*e.Identity] = id
		}
		id.origins[e.Origin] = true
		id.events = append(id.events, e)
	}

	var findings []*models.AnomalyFinding
	for identity, id := range byIdentity {
		if len(id.origins) < s.config.SessionAnomalyOrigins {
			continue
		}
		ids := eventsInWindow(id.events, s.config.SessionAnomalyWindow, s.config.SessionAnomalyOrigins)
		if ids == nil {
			continue
		}
		findings = append(findings, &models.AnomalyFinding{
			Pattern:    models.PatternSessionAnomaly,
			Window:     tr,
			Identity:   identity,
			EventIDs:   ids,
			Confidence: confidenceFromCount(len(id.origins), s.config.SessionAnomalyOrigins),
			Severity:   models.SeverityWarning,
		})
	}
	return findings
}

// PurgeBefore removes events older than t per retention policy
func (s *AuditService) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	n, err := s.sink.DeleteBefore(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return n, nil
}

func isAuthFailure(e *models.AuditEvent) bool {
	if e.Outcome != models.OutcomeFailure {
		return false
	}
	switch e.Kind {
	case models.EventKindLoginFailed, models.EventKindMFAFailed:
		return true
	}
	return false
}

// eventsInWindow returns the IDs of the densest run of at least minCount
// events fitting inside window, or nil if no such run exists. Events must
// carry timestamps; order is not assumed.
func eventsInWindow(events []*models.AuditEvent, window time.Duration, minCount int) []uuid.UUID {
	if len(events) < minCount {
		return nil
	}

	sorted := make([]*models.AuditEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var best []uuid.UUID
	left := 0
	for right := range sorted {
		for sorted[right].Timestamp.Sub(sorted[left].Timestamp) > window {
			left++
		}
		if count := right - left + 1; count >= minCount && count > len(best) {
			best = best[:0]
			for _, e := range sorted[left : right+1] {
				best = append(best, e.ID)
			}
		}
	}
	return best
}

// confidenceFromCount maps an observed count against a threshold into (0, 1]
func confidenceFromCount(count, threshold int) float64 {
	if threshold <= 0 || count <= 0 {
		return 0
	}
	c := float64(count) / float64(2*threshold)
	if c > 1.0 {
		c = 1.0
	}
	if c < 0.5 {
		c = 0.5
	}
	return c
}

func topCounts(counts map[string]int, limit int) []models.FailureCount {
	out := make([]models.FailureCount, 0, len(counts))
	for subject, count := range counts {
		out = append(out, models.FailureCount{Subject: subject, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Subject < out[j].Subject
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
