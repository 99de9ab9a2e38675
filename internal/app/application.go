// Package app wires the engagement services together behind one lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/civic-chain/engagement/internal/app/leaderboard"
	activitysvc "github.com/civic-chain/engagement/internal/app/services/activities"
	ledgersvc "github.com/civic-chain/engagement/internal/app/services/ledger"
	proposalsvc "github.com/civic-chain/engagement/internal/app/services/proposals"
	rewardsvc "github.com/civic-chain/engagement/internal/app/services/rewards"
	usersvc "github.com/civic-chain/engagement/internal/app/services/users"
	"github.com/civic-chain/engagement/internal/app/storage"
	"github.com/civic-chain/engagement/internal/app/storage/memory"
	"github.com/civic-chain/engagement/internal/app/system"
	"github.com/civic-chain/engagement/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to one
// shared in-memory implementation.
type Stores struct {
	Users      storage.UserStore
	Activities storage.ActivityStore
	Proposals  storage.ProposalStore
	Rewards    storage.RewardStore
}

// Options tunes optional application components.
type Options struct {
	// LedgerEndpoint is the civic ledger notification URL. Empty disables
	// delivery.
	LedgerEndpoint string
	// LedgerAPIKey authenticates ledger notifications. Empty sends them
	// unauthenticated.
	LedgerAPIKey string
	// LedgerTimeout bounds a single notification attempt.
	LedgerTimeout time.Duration
	// SweepSchedule is the cron schedule for deadline resolution. Empty
	// means once a minute.
	SweepSchedule string
	// Redis backs the leaderboard cache when non-nil.
	Redis *redis.Client
	// LeaderboardTTL is how long a leaderboard snapshot stays fresh.
	LeaderboardTTL time.Duration
	// LeaderboardRefresh is the background refresh interval.
	LeaderboardRefresh time.Duration
}

// Application ties the engagement services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Users       *usersvc.Service
	Activities  *activitysvc.Service
	Proposals   *proposalsvc.Service
	Rewards     *rewardsvc.Service
	Leaderboard *leaderboard.Board
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Activities == nil {
		stores.Activities = mem
	}
	if stores.Proposals == nil {
		stores.Proposals = mem
	}
	if stores.Rewards == nil {
		stores.Rewards = mem
	}

	var notifier ledgersvc.Notifier = ledgersvc.NopNotifier{}
	if opts.LedgerEndpoint != "" {
		notifier = ledgersvc.NewHTTPNotifier(opts.LedgerEndpoint, opts.LedgerAPIKey, opts.LedgerTimeout)
	} else {
		log.Warn("no ledger endpoint configured; ledger notifications disabled")
	}
	dispatcher := ledgersvc.NewDispatcher(notifier, log)

	userService := usersvc.New(stores.Users, log)
	activityService := activitysvc.New(stores.Activities, userService, dispatcher, log)
	proposalService := proposalsvc.New(stores.Proposals, dispatcher, log)
	rewardService := rewardsvc.New(stores.Rewards, userService, dispatcher, log)

	var cache leaderboard.Cache
	if opts.Redis != nil {
		cache = leaderboard.NewRedisCache(opts.Redis)
	}
	board := leaderboard.NewBoard(stores.Users, cache, opts.LeaderboardTTL, log)

	manager := system.NewManager()
	sweeper := proposalsvc.NewSweeper(proposalService, opts.SweepSchedule, log)
	if err := manager.Register(sweeper); err != nil {
		return nil, fmt.Errorf("register sweeper: %w", err)
	}
	refresher := leaderboard.NewRefresher(board, opts.LeaderboardRefresh, log)
	if err := manager.Register(refresher); err != nil {
		return nil, fmt.Errorf("register leaderboard refresher: %w", err)
	}

	return &Application{
		manager:     manager,
		log:         log,
		Users:       userService,
		Activities:  activityService,
		Proposals:   proposalService,
		Rewards:     rewardService,
		Leaderboard: board,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all background services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
