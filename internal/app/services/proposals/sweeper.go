package proposals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/civic-chain/engagement/pkg/logger"
)

// Sweeper periodically resolves proposals whose voting deadline has passed.
// Lazy resolution on the read path already keeps readers consistent; the
// sweeper bounds how long an expired proposal nobody reads stays active.
type Sweeper struct {
	svc      *Service
	schedule string
	timeout  time.Duration
	log      *logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper running on the given cron schedule. An empty
// schedule defaults to once a minute.
func NewSweeper(svc *Service, schedule string, log *logger.Logger) *Sweeper {
	if schedule == "" {
		schedule = "* * * * *"
	}
	if log == nil {
		log = logger.NewDefault("sweeper")
	}
	return &Sweeper{svc: svc, schedule: schedule, timeout: time.Minute, log: log}
}

// Name implements system.Service.
func (s *Sweeper) Name() string { return "proposal-sweeper" }

// Start validates the schedule and begins sweeping.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.WithField("schedule", s.schedule).Info("proposal sweeper started")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	stopCtx := s.cron.Stop()
	s.cron = nil

	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resolved, err := s.svc.SweepDue(ctx)
	if err != nil {
		s.log.WithError(err).Warn("proposal sweep failed")
		return
	}
	if resolved > 0 {
		s.log.WithField("resolved", resolved).Info("proposal sweep finalized proposals")
	}
}
