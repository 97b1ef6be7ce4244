package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/bastion-sec/bastion/internal/clock"
	"github.com/bastion-sec/bastion/internal/services"
	"github.com/bastion-sec/bastion/internal/store"
)

// Sweeper removes expired sessions and challenges and enforces audit
// retention.
type Sweeper struct {
	sessions   *services.SessionService
	challenges store.ChallengeStore
	audit      *services.AuditService
	clock      clock.Clock
	logger     *slog.Logger
	interval   time.Duration
	retention  time.Duration
	stopCh     chan struct{}
	stoppedCh  chan struct{}
}

// NewSweeper creates a new sweeper
func NewSweeper(sessions *services.SessionService, challenges store.ChallengeStore, audit *services.AuditService, clk clock.Clock, log *slog.Logger, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		sessions:   sessions,
		challenges: challenges,
		audit:      audit,
		clock:      clk,
		logger:     log,
		interval:   interval,
		retention:  retention,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

// Start begins the periodic sweep loop. Call Stop to shut down.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop terminates the sweep loop and waits for it to finish
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}

func (s *Sweeper) run() {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", slog.Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.clock.Now()

	if n, err := s.sessions.SweepExpired(ctx); err != nil {
		s.logger.Error("session sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("swept expired sessions", slog.Int64("count", n))
	}

	if n, err := s.challenges.DeleteExpired(ctx, now); err != nil {
		s.logger.Error("challenge sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("swept expired challenges", slog.Int64("count", n))
	}

	if s.retention > 0 {
		if n, err := s.audit.PurgeBefore(ctx, now.Add(-s.retention)); err != nil {
			s.logger.Error("audit retention purge failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("purged audit events past retention", slog.Int64("count", n))
		}
	}
}
