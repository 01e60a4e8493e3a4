// Package matchservice is the write path: the scorekeeper applies darts
// optimistically to the local view, persists them to the shared store, and
// fans the resulting change notifications out on the bus. All rule
// decisions are delegated to the pure engine; the store stays the single
// source of truth.
package matchservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
	matchdb "github.com/oche-scoring/oche/app/modules/match/infrastructure/repositories"
	matchsync "github.com/oche-scoring/oche/app/modules/match/infrastructure/sync"
	"github.com/oche-scoring/oche/eventbus"
)

// Scorekeeper drives one acting client's writes for one open match view.
type Scorekeeper struct {
	repo    matchdb.Repository
	bus     eventbus.Bus
	watcher *matchsync.Watcher
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewScorekeeper creates a scorekeeper bound to a match view.
func NewScorekeeper(
	repo matchdb.Repository,
	bus eventbus.Bus,
	watcher *matchsync.Watcher,
	logger *slog.Logger,
	tracer trace.Tracer,
) *Scorekeeper {
	return &Scorekeeper{
		repo:    repo,
		bus:     bus,
		watcher: watcher,
		logger:  logger,
		tracer:  tracer,
	}
}

// Watcher exposes the underlying convergence instance.
func (s *Scorekeeper) Watcher() *matchsync.Watcher { return s.watcher }

// instrument wraps an operation with tracing, logging, and panic recovery.
func (s *Scorekeeper) instrument(ctx context.Context, operation string, fn func(ctx context.Context) error) (err error) {
	ctx, span := s.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("operation", operation),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", operation, r)
			s.logger.ErrorContext(ctx, "panic recovered",
				slog.String("operation", operation), slog.Any("error", err))
			span.RecordError(err)
		}
	}()

	err = fn(ctx)
	if err != nil {
		err = fmt.Errorf("%s: %w", operation, err)
		s.logger.ErrorContext(ctx, "operation failed",
			slog.String("operation", operation), slog.Any("error", err))
		span.RecordError(err)
		return err
	}
	s.logger.InfoContext(ctx, "operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// publishChange fans a store mutation out to every client, the writer
// included. Publish failures are logged, not returned: the row committed,
// and the polling/reconcile paths will close any resulting gap.
func (s *Scorekeeper) publishChange(ctx context.Context, ev *eventbus.ChangeEvent) {
	msg, err := eventbus.MarshalChange(ev)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to marshal change event", slog.Any("error", err))
		return
	}
	if err := s.bus.Publish(ctx, eventbus.TopicChanges, msg); err != nil {
		s.logger.WarnContext(ctx, "failed to publish change event",
			slog.String("entity", string(ev.Entity)), slog.Any("error", err))
	}
}

// MatchParams configure a new match.
type MatchParams struct {
	Players    []matchtypes.PlayerID
	StartScore int
	FinishRule matchtypes.FinishRule
	LegsToWin  int
	FairEnding bool
}

func (p MatchParams) validate() error {
	if len(p.Players) < 2 {
		return ErrRosterTooSmall
	}
	switch p.StartScore {
	case 201, 301, 501:
	default:
		return fmt.Errorf("%w: %d", ErrBadStartScore, p.StartScore)
	}
	switch p.FinishRule {
	case matchtypes.SingleOut, matchtypes.DoubleOut:
	default:
		return fmt.Errorf("%w: %q", ErrBadFinishRule, p.FinishRule)
	}
	if p.LegsToWin < 1 {
		return ErrBadLegsToWin
	}
	return nil
}

// CreateMatch writes a new match, its roster, and leg 1, and announces
// them. It runs before any view is open, so it is a package function.
func CreateMatch(ctx context.Context, repo matchdb.Repository, bus eventbus.Bus, logger *slog.Logger, params MatchParams) (*matchtypes.Match, *matchtypes.Leg, error) {
	if err := params.validate(); err != nil {
		return nil, nil, err
	}

	m := &matchtypes.Match{
		ID:         matchtypes.NewMatchID(),
		Players:    params.Players,
		StartScore: params.StartScore,
		FinishRule: params.FinishRule,
		LegsToWin:  params.LegsToWin,
		FairEnding: params.FairEnding,
	}
	if err := repo.CreateMatch(ctx, m); err != nil {
		return nil, nil, err
	}

	leg := &matchtypes.Leg{
		ID:        matchtypes.NewLegID(),
		MatchID:   m.ID,
		Sequence:  1,
		StarterID: params.Players[0],
	}
	if err := repo.CreateLeg(ctx, leg); err != nil {
		return nil, nil, err
	}

	logger.InfoContext(ctx, "match created",
		slog.String("match_id", m.ID.String()),
		slog.Int("players", len(m.Players)),
		slog.Int("start_score", m.StartScore))

	publish(ctx, bus, logger, &eventbus.ChangeEvent{
		Entity: eventbus.EntityMatch, Op: eventbus.OpInsert, MatchID: m.ID,
		New: &eventbus.Payload{Match: m},
	})
	publish(ctx, bus, logger, &eventbus.ChangeEvent{
		Entity: eventbus.EntityLeg, Op: eventbus.OpInsert, MatchID: m.ID,
		New: &eventbus.Payload{Leg: leg},
	})
	return m, leg, nil
}

func publish(ctx context.Context, bus eventbus.Bus, logger *slog.Logger, ev *eventbus.ChangeEvent) {
	msg, err := eventbus.MarshalChange(ev)
	if err != nil {
		logger.ErrorContext(ctx, "failed to marshal change event", slog.Any("error", err))
		return
	}
	if err := bus.Publish(ctx, eventbus.TopicChanges, msg); err != nil {
		logger.WarnContext(ctx, "failed to publish change event", slog.Any("error", err))
	}
}

// EndEarly abandons the match without a winner.
func (s *Scorekeeper) EndEarly(ctx context.Context) error {
	return s.instrument(ctx, "EndEarly", func(ctx context.Context) error {
		m := s.watcher.State().Match()
		if m == nil {
			return ErrViewNotLoaded
		}
		if err := s.repo.SetMatchEndedEarly(ctx, m.ID); err != nil {
			return err
		}
		m.EndedEarly = true
		s.watcher.State().SetMatch(m)
		s.publishChange(ctx, &eventbus.ChangeEvent{
			Entity: eventbus.EntityMatch, Op: eventbus.OpUpdate, MatchID: m.ID,
			New: &eventbus.Payload{Match: m},
		})
		return nil
	})
}
