// Package background runs the periodic workers: the anomaly scanner and the
// retention sweeper. Each worker is a ticker loop owned by main and stopped
// through its channel on shutdown.
package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/models"
	"github.com/bastion-sec/bastion/internal/services"
)

// AnomalyScanner periodically runs detection over the recent audit window
// and escalates qualifying findings into protective locks.
type AnomalyScanner struct {
	audit     *services.AuditService
	lockout   *services.LockoutService
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	lookback  time.Duration
	escalate  bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewAnomalyScanner creates a new anomaly scanner
func NewAnomalyScanner(audit *services.AuditService, lockout *services.LockoutService, clk clock.Clock, log *slog.Logger, interval, lookback time.Duration, escalate bool) *AnomalyScanner {
	return &AnomalyScanner{
		audit:     audit,
		lockout:   lockout,
		clock:     clk,
		logger:    log,
		interval:  interval,
		lookback:  lookback,
		escalate:  escalate,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the periodic scan loop. Call Stop to shut down.
func (s *AnomalyScanner) Start() {
	go s.run()
}

// Stop terminates the scan loop and waits for it to finish
func (s *AnomalyScanner) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}

func (s *AnomalyScanner) run() {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("anomaly scanner started",
		slog.Duration("interval", s.interval),
		slog.Duration("lookback", s.lookback))

	for {
		select {
		case <-ticker.C:
			s.scan()
		case <-s.stopCh:
			s.logger.Info("anomaly scanner stopped")
			return
		}
	}
}

// scan runs one detection pass over the lookback window
func (s *AnomalyScanner) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.clock.Now()
	window := models.TimeRange{From: now.Add(-s.lookback), To: now}

	findings, err := s.audit.DetectAnomalies(ctx, window)
	if err != nil {
		s.logger.Error("anomaly scan failed", slog.String("error", err.Error()))
		return
	}

	for _, finding := range findings {
		event := &models.AuditEvent{
			Kind:     models.EventKindAnomalyFound,
			Origin:   finding.Origin,
			Severity: finding.Severity,
			Outcome:  models.OutcomeFailure,
			Detail: models.DetailMap{
				"pattern":     finding.Pattern,
				"confidence":  finding.Confidence,
				"event_count": len(finding.EventIDs),
			},
		}
		if finding.Identity != "" {
			identity := finding.Identity
			event.Identity = &identity
		}
		if err := s.audit.Record(ctx, event); err != nil {
			s.logger.Error("failed to record anomaly finding", slog.String("error", err.Error()))
			continue
		}

		if s.escalate {
			if err := s.lockout.EscalateFromFinding(ctx, finding); err != nil {
				s.logger.Error("failed to escalate anomaly finding",
					slog.String("pattern", finding.Pattern),
					slog.String("error", err.Error()))
			}
		}
	}

	if len(findings) > 0 {
		s.logger.Warn("anomaly scan completed with findings", slog.Int("count", len(findings)))
	}
}
