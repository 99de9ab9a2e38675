package leaderboard

import (
	"context"
	"sync"
	"time"

	"github.com/civic-chain/engagement/pkg/logger"
)

// Refresher keeps the leaderboard snapshot warm so readers rarely pay the
// store scan.
type Refresher struct {
	board    *Board
	interval time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher ticking at the given interval.
func NewRefresher(board *Board, interval time.Duration, log *logger.Logger) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("leaderboard")
	}
	return &Refresher{board: board, interval: interval, log: log}
}

// Name implements system.Service.
func (r *Refresher) Name() string { return "leaderboard-refresher" }

// Start begins the refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(loopCtx)
	r.log.WithField("interval", r.interval.String()).Info("leaderboard refresher started")
	return nil
}

// Stop halts the loop and waits for it to exit.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Refresher) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := r.board.Refresh(refreshCtx, 0); err != nil {
		r.log.WithError(err).Warn("leaderboard refresh failed")
	}
}
