package matchdb

import (
	"context"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

// Reader is the read side of the store: everything the convergence watcher
// needs for initial load, targeted reconciles, and full slice reloads.
type Reader interface {
	GetMatch(ctx context.Context, id matchtypes.MatchID) (*matchtypes.Match, error)
	GetRoster(ctx context.Context, matchID matchtypes.MatchID) ([]matchtypes.PlayerID, error)
	ListLegs(ctx context.Context, matchID matchtypes.MatchID) ([]*matchtypes.Leg, error)
	GetTurn(ctx context.Context, id matchtypes.TurnID) (*matchtypes.Turn, error)
	ListTurns(ctx context.Context, legID matchtypes.LegID) ([]*matchtypes.Turn, error)
}

// Repository is the full store contract the scorekeeper writes through.
type Repository interface {
	Reader

	CreateMatch(ctx context.Context, m *matchtypes.Match) error
	SetMatchWinner(ctx context.Context, id matchtypes.MatchID, winner matchtypes.PlayerID) error
	// ClearMatchWinner retracts a match win undone by a historical edit.
	ClearMatchWinner(ctx context.Context, id matchtypes.MatchID) error
	SetMatchEndedEarly(ctx context.Context, id matchtypes.MatchID) error

	CreateLeg(ctx context.Context, leg *matchtypes.Leg) error
	// SetLegWinner with a nil winner clears a win retracted by an edit.
	SetLegWinner(ctx context.Context, id matchtypes.LegID, winner *matchtypes.PlayerID) error

	CreateTurn(ctx context.Context, turn *matchtypes.Turn) error
	UpdateTurn(ctx context.Context, id matchtypes.TurnID, total int, busted, finished bool) error

	InsertThrow(ctx context.Context, throw *matchtypes.Throw) error
	UpdateThrow(ctx context.Context, throw *matchtypes.Throw) error
	DeleteThrow(ctx context.Context, id matchtypes.ThrowID) error
	ListThrows(ctx context.Context, turnID matchtypes.TurnID) ([]matchtypes.Throw, error)
}
