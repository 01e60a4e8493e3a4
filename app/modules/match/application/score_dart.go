package matchservice

import (
	"context"
	"fmt"
	"log/slog"

	matchengine "github.com/oche-scoring/oche/app/modules/match/domain/engine"
	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
	"github.com/oche-scoring/oche/eventbus"
)

// ScoreDart records one dart for whoever is due to throw. The dart lands
// in local state immediately; if the store write fails it is rolled back
// and the error surfaces to the user with match state unchanged.
func (s *Scorekeeper) ScoreDart(ctx context.Context, rawSegment string) (matchengine.Scoreboard, error) {
	var board matchengine.Scoreboard
	err := s.instrument(ctx, "ScoreDart", func(ctx context.Context) error {
		state := s.watcher.State()
		m := state.Match()
		if m == nil {
			return ErrViewNotLoaded
		}
		if m.WinnerID != nil || m.EndedEarly {
			return ErrMatchOver
		}
		leg := state.CurrentLeg()
		if leg == nil {
			return ErrNoActiveLeg
		}
		if leg.WinnerID != nil {
			return ErrLegDecided
		}

		pre := state.Scoreboard()
		if pre.CurrentPlayer == nil {
			return ErrLegDecided
		}
		thrower := *pre.CurrentPlayer
		var tiebreakRound *int
		if pre.Phase == matchengine.PhaseTiebreak {
			r := pre.TiebreakRound
			tiebreakRound = &r
		}

		turn, err := s.ensureOpenTurn(ctx, m, leg, thrower, tiebreakRound)
		if err != nil {
			return err
		}

		throw := matchtypes.Throw{
			ID:      matchtypes.NewThrowID(),
			TurnID:  turn.ID,
			Index:   turn.NextThrowIndex(),
			Segment: matchtypes.ParseSegment(rawSegment),
		}
		state.AppendOptimisticThrow(throw)
		if err := s.repo.InsertThrow(ctx, &throw); err != nil {
			state.RollbackOptimisticThrow(turn.ID, throw.ID)
			return fmt.Errorf("dart not recorded: %w", err)
		}
		s.publishChange(ctx, &eventbus.ChangeEvent{
			Entity: eventbus.EntityThrow, Op: eventbus.OpInsert, MatchID: m.ID,
			New: &eventbus.Payload{Throw: &throw},
		})

		// The optimistic apply recomputed the turn's aggregates from its
		// locally known throws; closing and settlement read those back.
		current, ok := state.Turn(turn.ID)
		if ok && current.Complete() {
			state.ClearOngoing()
			if err := s.finalizeTurn(ctx, m, current); err != nil {
				return err
			}
			if err := s.settleLeg(ctx, m, leg); err != nil {
				return err
			}
		}

		board = state.Scoreboard()
		return nil
	})
	return board, err
}

// ensureOpenTurn returns the thrower's open turn, creating the row
// optimistically when none exists. Creation is not protected by any lock;
// if two scorers race, both converge to the authoritative row set on their
// next reconcile.
func (s *Scorekeeper) ensureOpenTurn(
	ctx context.Context,
	m *matchtypes.Match,
	leg *matchtypes.Leg,
	thrower matchtypes.PlayerID,
	tiebreakRound *int,
) (matchtypes.Turn, error) {
	state := s.watcher.State()
	if turn, ok := state.OpenTurnFor(leg.ID, thrower, tiebreakRound); ok {
		return turn, nil
	}

	turn := &matchtypes.Turn{
		ID:            matchtypes.NewTurnID(),
		LegID:         leg.ID,
		PlayerID:      thrower,
		Sequence:      state.NextSequence(leg.ID),
		TiebreakRound: tiebreakRound,
	}
	state.BeginOptimisticTurn(turn)
	if err := s.repo.CreateTurn(ctx, turn); err != nil {
		state.RemoveTurn(turn.ID)
		return matchtypes.Turn{}, fmt.Errorf("failed to open turn: %w", err)
	}

	row := *turn
	row.Throws = nil
	s.publishChange(ctx, &eventbus.ChangeEvent{
		Entity: eventbus.EntityTurn, Op: eventbus.OpInsert, MatchID: m.ID,
		New: &eventbus.Payload{Turn: &row},
	})
	created, _ := state.Turn(turn.ID)
	return created, nil
}

// finalizeTurn persists a closed turn's derived aggregates.
func (s *Scorekeeper) finalizeTurn(ctx context.Context, m *matchtypes.Match, turn matchtypes.Turn) error {
	if err := s.repo.UpdateTurn(ctx, turn.ID, turn.Total, turn.Busted, turn.Finished); err != nil {
		return err
	}
	row := turn
	row.Throws = nil
	s.publishChange(ctx, &eventbus.ChangeEvent{
		Entity: eventbus.EntityTurn, Op: eventbus.OpUpdate, MatchID: m.ID,
		New: &eventbus.Payload{Turn: &row},
	})
	return nil
}

// settleLeg decides whether the leg (and possibly the match) is over and
// advances play accordingly.
func (s *Scorekeeper) settleLeg(ctx context.Context, m *matchtypes.Match, leg *matchtypes.Leg) error {
	state := s.watcher.State()
	turns := state.TurnsForLeg(leg.ID)
	refs := make([]*matchtypes.Turn, 0, len(turns))
	for i := range turns {
		refs = append(refs, &turns[i])
	}

	var winner *matchtypes.PlayerID
	if m.FairEnding {
		fe := matchengine.ResolveFairEnding(refs, playOrder(m, leg), m.StartScore)
		if fe.Phase != matchengine.PhaseResolved {
			return nil
		}
		winner = fe.WinnerID
	} else {
		replay := matchengine.ReplayLeg(refs, m.Players, m.StartScore, m.FinishRule)
		winner = replay.WinnerID
	}
	if winner == nil {
		return nil
	}

	if err := s.repo.SetLegWinner(ctx, leg.ID, winner); err != nil {
		return err
	}
	leg.WinnerID = winner
	s.publishChange(ctx, &eventbus.ChangeEvent{
		Entity: eventbus.EntityLeg, Op: eventbus.OpUpdate, MatchID: m.ID,
		New: &eventbus.Payload{Leg: leg},
	})
	s.logger.InfoContext(ctx, "leg decided",
		slog.String("leg_id", leg.ID.String()),
		slog.String("winner_id", winner.String()))

	legs, err := s.repo.ListLegs(ctx, m.ID)
	if err != nil {
		return err
	}
	state.SetLegs(legs)

	won := 0
	for _, l := range legs {
		if l.WinnerID != nil && *l.WinnerID == *winner {
			won++
		}
	}
	if won >= m.LegsToWin {
		if err := s.repo.SetMatchWinner(ctx, m.ID, *winner); err != nil {
			return err
		}
		m.WinnerID = winner
		state.SetMatch(m)
		s.publishChange(ctx, &eventbus.ChangeEvent{
			Entity: eventbus.EntityMatch, Op: eventbus.OpUpdate, MatchID: m.ID,
			New: &eventbus.Payload{Match: m},
		})
		return nil
	}

	return s.startNextLeg(ctx, m, leg)
}

// startNextLeg opens the following leg, rotating the starting player so no
// one keeps the first-throw advantage.
func (s *Scorekeeper) startNextLeg(ctx context.Context, m *matchtypes.Match, prev *matchtypes.Leg) error {
	starter := m.Players[prev.Sequence%len(m.Players)]
	next := &matchtypes.Leg{
		ID:        matchtypes.NewLegID(),
		MatchID:   m.ID,
		Sequence:  prev.Sequence + 1,
		StarterID: starter,
	}
	if err := s.repo.CreateLeg(ctx, next); err != nil {
		return fmt.Errorf("failed to start leg %d: %w", next.Sequence, err)
	}

	legs, err := s.repo.ListLegs(ctx, m.ID)
	if err == nil {
		s.watcher.State().SetLegs(legs)
	}
	s.publishChange(ctx, &eventbus.ChangeEvent{
		Entity: eventbus.EntityLeg, Op: eventbus.OpInsert, MatchID: m.ID,
		New: &eventbus.Payload{Leg: next},
	})
	return nil
}

func playOrder(m *matchtypes.Match, leg *matchtypes.Leg) []matchtypes.PlayerID {
	start := 0
	for i, p := range m.Players {
		if p == leg.StarterID {
			start = i
			break
		}
	}
	order := make([]matchtypes.PlayerID, 0, len(m.Players))
	for i := range m.Players {
		order = append(order, m.Players[(start+i)%len(m.Players)])
	}
	return order
}
