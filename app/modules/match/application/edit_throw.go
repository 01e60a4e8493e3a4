package matchservice

import (
	"context"
	"fmt"
	"log/slog"

	matchengine "github.com/oche-scoring/oche/app/modules/match/domain/engine"
	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
	matchdb "github.com/oche-scoring/oche/app/modules/match/infrastructure/repositories"
	"github.com/oche-scoring/oche/eventbus"
)

// EditThrow rewrites one historical dart and replays the whole leg, so an
// edit can introduce or remove busts and create or retract a leg win. Live
// play and edits share the same rule evaluator and can never diverge.
func (s *Scorekeeper) EditThrow(ctx context.Context, turnID matchtypes.TurnID, throwID matchtypes.ThrowID, rawSegment string) (matchengine.Scoreboard, error) {
	var board matchengine.Scoreboard
	err := s.instrument(ctx, "EditThrow", func(ctx context.Context) error {
		m := s.watcher.State().Match()
		if m == nil {
			return ErrViewNotLoaded
		}
		turn, err := s.repo.GetTurn(ctx, turnID)
		if err != nil {
			return err
		}

		var edited *matchtypes.Throw
		for i := range turn.Throws {
			if turn.Throws[i].ID == throwID {
				edited = &turn.Throws[i]
				break
			}
		}
		if edited == nil {
			return fmt.Errorf("throw %s not found in turn %s", throwID, turnID)
		}
		edited.Segment = matchtypes.ParseSegment(rawSegment)
		if err := s.repo.UpdateThrow(ctx, edited); err != nil {
			return err
		}
		s.publishChange(ctx, &eventbus.ChangeEvent{
			Entity: eventbus.EntityThrow, Op: eventbus.OpUpdate, MatchID: m.ID,
			New: &eventbus.Payload{Throw: edited},
		})

		if err := s.recomputeLeg(ctx, m, turn.LegID); err != nil {
			return err
		}
		board = s.watcher.State().Scoreboard()
		return nil
	})
	return board, err
}

// RemoveThrow deletes one historical dart and replays the leg.
func (s *Scorekeeper) RemoveThrow(ctx context.Context, turnID matchtypes.TurnID, throwID matchtypes.ThrowID) (matchengine.Scoreboard, error) {
	var board matchengine.Scoreboard
	err := s.instrument(ctx, "RemoveThrow", func(ctx context.Context) error {
		m := s.watcher.State().Match()
		if m == nil {
			return ErrViewNotLoaded
		}
		turn, err := s.repo.GetTurn(ctx, turnID)
		if err != nil {
			return err
		}

		var removed *matchtypes.Throw
		for i := range turn.Throws {
			if turn.Throws[i].ID == throwID {
				removed = &turn.Throws[i]
				break
			}
		}
		if removed == nil {
			return fmt.Errorf("throw %s not found in turn %s", throwID, turnID)
		}
		if err := s.repo.DeleteThrow(ctx, throwID); err != nil {
			return err
		}
		// The store is now the authority for this turn. Left in place, the
		// ongoing-turn guard would read the shorter server row as a slow
		// confirmation and resurrect the deleted dart on the leg replace.
		if state := s.watcher.State(); state.OngoingTurnID() == turnID {
			state.ClearOngoing()
		}
		s.publishChange(ctx, &eventbus.ChangeEvent{
			Entity: eventbus.EntityThrow, Op: eventbus.OpDelete, MatchID: m.ID,
			Old: &eventbus.Payload{Throw: removed},
		})

		if err := s.recomputeLeg(ctx, m, turn.LegID); err != nil {
			return err
		}
		board = s.watcher.State().Scoreboard()
		return nil
	})
	return board, err
}

// recomputeLeg re-fetches the leg's authoritative turns, replays them, and
// persists every turn whose derived aggregates changed, then reconciles the
// leg winner and, transitively, the match winner.
func (s *Scorekeeper) recomputeLeg(ctx context.Context, m *matchtypes.Match, legID matchtypes.LegID) error {
	turns, err := s.repo.ListTurns(ctx, legID)
	if err != nil {
		return err
	}

	replayFn := matchengine.ReplayLeg
	if m.FairEnding {
		replayFn = matchengine.ReplayLegFair
	}
	replay := replayFn(turns, m.Players, m.StartScore, m.FinishRule)
	results := make(map[matchtypes.TurnID]matchengine.TurnResult, len(replay.TurnResults))
	for _, tr := range replay.TurnResults {
		results[tr.TurnID] = tr
	}

	for _, t := range turns {
		wantTotal, wantBusted, wantFinished := t.Total, t.Busted, t.Finished
		if t.Ordinary() {
			tr, evaluated := results[t.ID]
			if !evaluated {
				continue // after the leg-deciding turn, never evaluated
			}
			wantBusted, wantFinished = tr.Busted, tr.Finished
			if wantBusted || wantFinished || len(t.Throws) >= 3 {
				wantTotal = tr.Total
			} else {
				wantTotal = 0
			}
		} else if t.Complete() && !t.Busted {
			wantTotal = t.ThrowSum()
		}

		if wantTotal == t.Total && wantBusted == t.Busted && wantFinished == t.Finished {
			continue
		}
		if err := s.repo.UpdateTurn(ctx, t.ID, wantTotal, wantBusted, wantFinished); err != nil {
			return err
		}
		t.Total, t.Busted, t.Finished = wantTotal, wantBusted, wantFinished
		row := *t
		row.Throws = nil
		s.publishChange(ctx, &eventbus.ChangeEvent{
			Entity: eventbus.EntityTurn, Op: eventbus.OpUpdate, MatchID: m.ID,
			New: &eventbus.Payload{Turn: &row},
		})
	}

	return s.reconcileWinners(ctx, m, legID, turns)
}

// reconcileWinners aligns the stored leg and match winners with what the
// replayed turns actually support.
func (s *Scorekeeper) reconcileWinners(ctx context.Context, m *matchtypes.Match, legID matchtypes.LegID, turns []*matchtypes.Turn) error {
	legs, err := s.repo.ListLegs(ctx, m.ID)
	if err != nil {
		return err
	}
	var leg *matchtypes.Leg
	for _, l := range legs {
		if l.ID == legID {
			leg = l
			break
		}
	}
	if leg == nil {
		return fmt.Errorf("leg %s: %w", legID, matchdb.ErrLegNotFound)
	}

	var want *matchtypes.PlayerID
	if m.FairEnding {
		fe := matchengine.ResolveFairEnding(turns, playOrder(m, leg), m.StartScore)
		if fe.Phase == matchengine.PhaseResolved {
			want = fe.WinnerID
		}
	} else {
		want = matchengine.ReplayLeg(turns, m.Players, m.StartScore, m.FinishRule).WinnerID
	}

	if !samePlayer(leg.WinnerID, want) {
		if err := s.repo.SetLegWinner(ctx, legID, want); err != nil {
			return err
		}
		leg.WinnerID = want
		s.publishChange(ctx, &eventbus.ChangeEvent{
			Entity: eventbus.EntityLeg, Op: eventbus.OpUpdate, MatchID: m.ID,
			New: &eventbus.Payload{Leg: leg},
		})
		s.logger.InfoContext(ctx, "leg winner changed by edit",
			slog.String("leg_id", legID.String()))
	}

	// A retracted or shifted leg win can invalidate the match winner.
	won := make(map[matchtypes.PlayerID]int)
	var champion *matchtypes.PlayerID
	for _, l := range legs {
		if l.WinnerID == nil {
			continue
		}
		won[*l.WinnerID]++
		if won[*l.WinnerID] >= m.LegsToWin {
			w := *l.WinnerID
			champion = &w
		}
	}
	if !samePlayer(m.WinnerID, champion) {
		if champion == nil {
			if err := s.repo.ClearMatchWinner(ctx, m.ID); err != nil {
				return err
			}
		} else if err := s.repo.SetMatchWinner(ctx, m.ID, *champion); err != nil {
			return err
		}
		m.WinnerID = champion
		s.publishChange(ctx, &eventbus.ChangeEvent{
			Entity: eventbus.EntityMatch, Op: eventbus.OpUpdate, MatchID: m.ID,
			New: &eventbus.Payload{Match: m},
		})
	}

	state := s.watcher.State()
	state.SetLegs(legs)
	state.SetMatch(m)
	state.ReplaceLegTurns(legID, turns)
	return nil
}

func samePlayer(a, b *matchtypes.PlayerID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
