package matchservice

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	matchengine "github.com/oche-scoring/oche/app/modules/match/domain/engine"
	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
	matchsync "github.com/oche-scoring/oche/app/modules/match/infrastructure/sync"
	"github.com/oche-scoring/oche/eventbus"
	"github.com/oche-scoring/oche/observability"
)

var (
	alice = matchtypes.PlayerID("alice")
	bob   = matchtypes.PlayerID("bob")
)

type fixture struct {
	repo   *fakeRepo
	bus    *fakeBus
	keeper *Scorekeeper
	match  *matchtypes.Match
	leg    *matchtypes.Leg
}

func newFixture(t *testing.T, params MatchParams) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := newFakeRepo()
	bus := &fakeBus{}
	logger := observability.Discard()

	m, leg, err := CreateMatch(ctx, repo, bus, logger, params)
	require.NoError(t, err)

	watcher := matchsync.NewWatcher(m.ID, matchsync.NewState(), repo, bus, logger,
		observability.NewTestMetrics(), matchsync.Options{})
	require.NoError(t, watcher.Open(ctx))

	tracer := noop.NewTracerProvider().Tracer("test")
	return &fixture{
		repo:   repo,
		bus:    bus,
		keeper: NewScorekeeper(repo, bus, watcher, logger, tracer),
		match:  m,
		leg:    leg,
	}
}

func defaultParams() MatchParams {
	return MatchParams{
		Players:    []matchtypes.PlayerID{alice, bob},
		StartScore: 501,
		FinishRule: matchtypes.DoubleOut,
		LegsToWin:  1,
	}
}

// score throws a sequence of darts and fails the test on any error.
func (fx *fixture) score(t *testing.T, labels ...string) matchengine.Scoreboard {
	t.Helper()
	var board matchengine.Scoreboard
	for _, l := range labels {
		var err error
		board, err = fx.keeper.ScoreDart(context.Background(), l)
		require.NoError(t, err, "scoring %q", l)
	}
	return board
}

func TestCreateMatchValidation(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	bus := &fakeBus{}
	logger := observability.Discard()

	tests := []struct {
		name    string
		mutate  func(*MatchParams)
		wantErr error
	}{
		{"one player", func(p *MatchParams) { p.Players = p.Players[:1] }, ErrRosterTooSmall},
		{"bad start score", func(p *MatchParams) { p.StartScore = 500 }, ErrBadStartScore},
		{"bad finish rule", func(p *MatchParams) { p.FinishRule = "triple_out" }, ErrBadFinishRule},
		{"zero legs", func(p *MatchParams) { p.LegsToWin = 0 }, ErrBadLegsToWin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := defaultParams()
			tt.mutate(&params)
			_, _, err := CreateMatch(ctx, repo, bus, logger, params)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateMatchPublishesInserts(t *testing.T) {
	fx := newFixture(t, defaultParams())

	assert.Equal(t, 1, fx.bus.countChanges(eventbus.EntityMatch, eventbus.OpInsert))
	assert.Equal(t, 1, fx.bus.countChanges(eventbus.EntityLeg, eventbus.OpInsert))
	assert.Equal(t, 1, fx.leg.Sequence)
	assert.Equal(t, alice, fx.leg.StarterID)
}

func TestScoreDartPersistsAndPublishes(t *testing.T) {
	fx := newFixture(t, defaultParams())
	board := fx.score(t, "T20")

	require.Len(t, board.Standings, 2)
	assert.Equal(t, 441, board.Standings[0].Remaining)
	assert.Equal(t, 1, board.Standings[0].DartsInHand)

	turns, err := fx.repo.ListTurns(context.Background(), fx.leg.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Throws, 1)
	assert.Equal(t, matchtypes.Segment("T20"), turns[0].Throws[0].Segment)

	assert.Equal(t, 1, fx.bus.countChanges(eventbus.EntityTurn, eventbus.OpInsert))
	assert.Equal(t, 1, fx.bus.countChanges(eventbus.EntityThrow, eventbus.OpInsert))
}

func TestScoreDartClosesTurnAfterThreeDarts(t *testing.T) {
	fx := newFixture(t, defaultParams())
	board := fx.score(t, "T20", "T20", "T20")

	require.NotNil(t, board.CurrentPlayer)
	assert.Equal(t, bob, *board.CurrentPlayer)

	turns, err := fx.repo.ListTurns(context.Background(), fx.leg.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, 180, turns[0].Total)
	assert.True(t, turns[0].Complete())

	// One turn update for the close.
	assert.Equal(t, 1, fx.bus.countChanges(eventbus.EntityTurn, eventbus.OpUpdate))
}

func TestScoreDartBustClosesTurnImmediately(t *testing.T) {
	params := defaultParams()
	params.StartScore = 301
	fx := newFixture(t, params)

	fx.score(t, "T20", "T20", "T20")        // alice: 301 -> 121
	board := fx.score(t, "S1", "S5", "S5")  // bob's visit closes

	require.NotNil(t, board.CurrentPlayer)
	assert.Equal(t, alice, *board.CurrentPlayer)

	// alice: 121 - 60 - 60 leaves 1, which busts under double out and
	// closes the turn on the second dart.
	board = fx.score(t, "T20", "T20")
	turns, err := fx.repo.ListTurns(context.Background(), fx.leg.ID)
	require.NoError(t, err)
	var aliceTurns []*matchtypes.Turn
	for _, tn := range turns {
		if tn.PlayerID == alice {
			aliceTurns = append(aliceTurns, tn)
		}
	}
	require.Len(t, aliceTurns, 2)
	assert.True(t, aliceTurns[1].Busted)
	assert.Equal(t, 0, aliceTurns[1].Total)

	// Score reverts to the pre-turn value and play passes on.
	for _, st := range board.Standings {
		if st.PlayerID == alice {
			assert.Equal(t, 121, st.Remaining)
		}
	}
	require.NotNil(t, board.CurrentPlayer)
	assert.Equal(t, bob, *board.CurrentPlayer)
}

func TestScoreDartRollsBackOnStoreFailure(t *testing.T) {
	fx := newFixture(t, defaultParams())
	fx.score(t, "T20")

	fx.repo.errInsertThrow = errors.New("connection reset")
	_, err := fx.keeper.ScoreDart(context.Background(), "T19")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dart not recorded")

	// The optimistic dart was rolled back; local and stored views agree.
	board := fx.keeper.Watcher().State().Scoreboard()
	assert.Equal(t, 441, board.Standings[0].Remaining)
	assert.Equal(t, 1, board.Standings[0].DartsInHand)

	fx.repo.errInsertThrow = nil
	board = fx.score(t, "T19")
	assert.Equal(t, 384, board.Standings[0].Remaining)
}

func TestScoreDartWinsLegAndMatch(t *testing.T) {
	params := defaultParams()
	params.StartScore = 201
	fx := newFixture(t, params)

	fx.score(t, "T20", "T20", "T20") // alice 201 -> 21
	fx.score(t, "S1", "S1", "S1")    // bob
	board := fx.score(t, "S5", "D8") // alice 21 -> 16 -> out

	require.NotNil(t, board.MatchWinnerID)
	assert.Equal(t, alice, *board.MatchWinnerID)

	m, err := fx.repo.GetMatch(context.Background(), fx.match.ID)
	require.NoError(t, err)
	require.NotNil(t, m.WinnerID)
	assert.Equal(t, alice, *m.WinnerID)

	_, err = fx.keeper.ScoreDart(context.Background(), "S20")
	assert.ErrorIs(t, err, ErrMatchOver)
}

func TestScoreDartStartsNextLegWithRotatedStarter(t *testing.T) {
	params := defaultParams()
	params.StartScore = 201
	params.LegsToWin = 2
	fx := newFixture(t, params)

	fx.score(t, "T20", "T20", "T20")
	fx.score(t, "S1", "S1", "S1")
	board := fx.score(t, "S5", "D8")

	assert.Nil(t, board.MatchWinnerID)

	legs, err := fx.repo.ListLegs(context.Background(), fx.match.ID)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, bob, legs[1].StarterID, "leg 2 starter rotates")

	// Next dart goes into the fresh leg for bob.
	board = fx.score(t, "S20")
	require.NotNil(t, board.CurrentPlayer)
	assert.Equal(t, bob, *board.CurrentPlayer)
	assert.Equal(t, 181, board.Standings[0].Remaining)
}

func TestEndEarly(t *testing.T) {
	fx := newFixture(t, defaultParams())
	require.NoError(t, fx.keeper.EndEarly(context.Background()))

	m, err := fx.repo.GetMatch(context.Background(), fx.match.ID)
	require.NoError(t, err)
	assert.True(t, m.EndedEarly)

	_, err = fx.keeper.ScoreDart(context.Background(), "S20")
	assert.ErrorIs(t, err, ErrMatchOver)
}

func TestFairEndingPlaysOutTheRound(t *testing.T) {
	params := defaultParams()
	params.StartScore = 201
	params.FairEnding = true
	fx := newFixture(t, params)

	fx.score(t, "T20", "T20", "T20") // alice -> 21
	fx.score(t, "T20", "T20", "T20") // bob -> 21
	board := fx.score(t, "S5", "D8") // alice checks out

	// Bob still gets his reply before the leg is decided.
	assert.Equal(t, matchengine.PhaseCompletingRound, board.Phase)
	assert.Nil(t, board.MatchWinnerID)
	require.NotNil(t, board.CurrentPlayer)
	assert.Equal(t, bob, *board.CurrentPlayer)

	// Bob fails to check out: alice wins after the round levels.
	board = fx.score(t, "S5", "S5", "S5")
	require.NotNil(t, board.MatchWinnerID)
	assert.Equal(t, alice, *board.MatchWinnerID)
}

func TestFairEndingTiebreak(t *testing.T) {
	params := defaultParams()
	params.StartScore = 201
	params.FairEnding = true
	fx := newFixture(t, params)

	fx.score(t, "T20", "T20", "T20") // alice -> 21
	fx.score(t, "T20", "T20", "T20") // bob -> 21
	fx.score(t, "S5", "D8")          // alice out
	board := fx.score(t, "S5", "D8") // bob out too: tiebreak

	assert.Equal(t, matchengine.PhaseTiebreak, board.Phase)
	assert.Equal(t, 1, board.TiebreakRound)
	require.NotNil(t, board.CurrentPlayer)
	assert.Equal(t, alice, *board.CurrentPlayer)

	fx.score(t, "T20", "T20", "T20")       // alice scores 180
	board = fx.score(t, "S20", "S20", "S20") // bob scores 60

	require.NotNil(t, board.MatchWinnerID)
	assert.Equal(t, alice, *board.MatchWinnerID)
}

func TestEditThrowRetractsAWin(t *testing.T) {
	params := defaultParams()
	params.StartScore = 201
	fx := newFixture(t, params)

	fx.score(t, "T20", "T20", "T20")
	fx.score(t, "S1", "S1", "S1")
	board := fx.score(t, "S5", "D8")
	require.NotNil(t, board.MatchWinnerID)

	ctx := context.Background()
	turns, err := fx.repo.ListTurns(ctx, fx.leg.ID)
	require.NoError(t, err)

	// Shrink the first dart of alice's opening visit; her checkout turn
	// now overshoots, so the leg and match wins must both come back out.
	opening := turns[0]
	require.Equal(t, alice, opening.PlayerID)
	board, err = fx.keeper.EditThrow(ctx, opening.ID, opening.Throws[0].ID, "S20")
	require.NoError(t, err)

	assert.Nil(t, board.MatchWinnerID)
	assert.Nil(t, board.LegWinnerID)

	m, err := fx.repo.GetMatch(ctx, fx.match.ID)
	require.NoError(t, err)
	assert.Nil(t, m.WinnerID)

	legs, err := fx.repo.ListLegs(ctx, fx.match.ID)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Nil(t, legs[0].WinnerID)

	// The corrected turns were re-persisted and announced.
	assert.GreaterOrEqual(t, fx.bus.countChanges(eventbus.EntityTurn, eventbus.OpUpdate), 2)
	assert.Equal(t, 1, fx.bus.countChanges(eventbus.EntityThrow, eventbus.OpUpdate))
}

func TestRemoveThrowReplaysTheLeg(t *testing.T) {
	fx := newFixture(t, defaultParams())
	fx.score(t, "T20", "T20", "T20")

	ctx := context.Background()
	turns, err := fx.repo.ListTurns(ctx, fx.leg.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	board, err := fx.keeper.RemoveThrow(ctx, turns[0].ID, turns[0].Throws[1].ID)
	require.NoError(t, err)

	// Two darts remain; the turn is open again and the total unwinds.
	got, err := fx.repo.GetTurn(ctx, turns[0].ID)
	require.NoError(t, err)
	assert.Len(t, got.Throws, 2)

	assert.Equal(t, 381, board.Standings[0].Remaining)
	assert.Equal(t, 1, fx.bus.countChanges(eventbus.EntityThrow, eventbus.OpDelete))
}

func TestScoreDartAfterRemovingMidTurnDart(t *testing.T) {
	fx := newFixture(t, defaultParams())
	fx.score(t, "T20", "T20", "T20")

	ctx := context.Background()
	turns, err := fx.repo.ListTurns(ctx, fx.leg.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	// Deleting the middle dart leaves indexes {1,3}; the next dart must
	// take slot 4, not collide with the survivor at 3.
	_, err = fx.keeper.RemoveThrow(ctx, turns[0].ID, turns[0].Throws[1].ID)
	require.NoError(t, err)
	board := fx.score(t, "S5")

	got, err := fx.repo.GetTurn(ctx, turns[0].ID)
	require.NoError(t, err)
	require.Len(t, got.Throws, 3)
	seen := make(map[int]bool)
	for _, th := range got.Throws {
		assert.False(t, seen[th.Index], "duplicate throw index %d", th.Index)
		seen[th.Index] = true
	}
	assert.Equal(t, []int{1, 3, 4}, []int{got.Throws[0].Index, got.Throws[1].Index, got.Throws[2].Index})

	// The refilled turn closed on its third dart: 60 + 60 + 5.
	assert.Equal(t, 125, got.Total)
	assert.Equal(t, 376, board.Standings[0].Remaining)
	require.NotNil(t, board.CurrentPlayer)
	assert.Equal(t, bob, *board.CurrentPlayer)
}

func TestRemoveThrowFromOpenTurnDropsTheDart(t *testing.T) {
	fx := newFixture(t, defaultParams())
	fx.score(t, "T20", "T20")

	ctx := context.Background()
	turns, err := fx.repo.ListTurns(ctx, fx.leg.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Throws, 2)

	board, err := fx.keeper.RemoveThrow(ctx, turns[0].ID, turns[0].Throws[1].ID)
	require.NoError(t, err)

	// The delete lands locally too: the replica must not keep showing the
	// dart just because the turn was the scorer's ongoing one.
	local, ok := fx.keeper.Watcher().State().Turn(turns[0].ID)
	require.True(t, ok)
	assert.Len(t, local.Throws, 1)
	assert.Empty(t, fx.keeper.Watcher().State().OngoingTurnID())

	assert.Equal(t, 481, board.Standings[0].Remaining)
	assert.Equal(t, 1, board.Standings[0].DartsInHand)

	// Play continues in the same visit.
	board = fx.score(t, "T19")
	assert.Equal(t, 462, board.Standings[0].Remaining)
	assert.Equal(t, 2, board.Standings[0].DartsInHand)
}
