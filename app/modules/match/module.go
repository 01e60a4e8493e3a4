// Package match assembles the scoring stack for one open match view: the
// store-backed repository, the convergence watcher, and (for acting
// clients) the scorekeeper write path.
package match

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	matchservice "github.com/oche-scoring/oche/app/modules/match/application"
	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
	matchdb "github.com/oche-scoring/oche/app/modules/match/infrastructure/repositories"
	matchsync "github.com/oche-scoring/oche/app/modules/match/infrastructure/sync"
	"github.com/oche-scoring/oche/config"
	"github.com/oche-scoring/oche/eventbus"
	"github.com/oche-scoring/oche/observability"
)

// Module represents one client's view of one match.
type Module struct {
	Watcher     *matchsync.Watcher
	Scorekeeper *matchservice.Scorekeeper

	bus        eventbus.Bus
	logger     *slog.Logger
	cancelFunc context.CancelFunc
}

// NewModule opens a match view. Spectator modules get no scorekeeper;
// their watcher simply follows the stream.
func NewModule(
	ctx context.Context,
	cfg *config.Config,
	matchID matchtypes.MatchID,
	spectator bool,
	repo matchdb.Repository,
	bus eventbus.Bus,
	logger *slog.Logger,
	metrics *observability.Metrics,
	tracer trace.Tracer,
) (*Module, error) {
	opts := matchsync.Options{
		Spectator:      spectator,
		ReconcileDelay: cfg.Sync.ReconcileDelay,
		DebounceWindow: cfg.Sync.DebounceWindow,
		MaxCoalesced:   cfg.Sync.MaxCoalesced,
		PollInterval:   cfg.Sync.PollInterval,
		PendingLimit:   cfg.Sync.PendingLimit,
	}
	watcher := matchsync.NewWatcher(matchID, matchsync.NewState(), repo, bus, logger, metrics, opts)
	if err := watcher.Open(ctx); err != nil {
		return nil, err
	}

	m := &Module{
		Watcher: watcher,
		bus:     bus,
		logger:  logger,
	}
	if !spectator {
		m.Scorekeeper = matchservice.NewScorekeeper(repo, bus, watcher, logger, tracer)
	}
	return m, nil
}

// Run drives the watcher until the context ends.
func (m *Module) Run(ctx context.Context, wg *sync.WaitGroup) {
	m.logger.InfoContext(ctx, "starting match module")

	ctx, cancel := context.WithCancel(ctx)
	m.cancelFunc = cancel
	defer cancel()

	if wg != nil {
		defer wg.Done()
	}

	if err := m.Watcher.Run(ctx); err != nil && ctx.Err() == nil {
		m.logger.ErrorContext(ctx, "watcher stopped", slog.Any("error", err))
	}
	m.logger.InfoContext(ctx, "match module stopped")
}

func (m *Module) Close() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	return nil
}
