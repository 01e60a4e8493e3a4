package matchdb

import (
	"time"

	"github.com/uptrace/bun"
)

// Match is the matches row.
type Match struct {
	bun.BaseModel `bun:"table:matches,alias:m"`

	ID         string    `bun:"id,pk"`
	StartScore int       `bun:"start_score,notnull"`
	FinishRule string    `bun:"finish_rule,notnull"`
	LegsToWin  int       `bun:"legs_to_win,notnull"`
	FairEnding bool      `bun:"fair_ending,notnull"`
	WinnerID   *string   `bun:"winner_id"`
	EndedEarly bool      `bun:"ended_early,notnull"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// RosterEntry is the match_players row; position fixes play order.
type RosterEntry struct {
	bun.BaseModel `bun:"table:match_players,alias:mp"`

	MatchID  string `bun:"match_id,pk"`
	PlayerID string `bun:"player_id,pk"`
	Position int    `bun:"position,notnull"`
}

// Leg is the legs row.
type Leg struct {
	bun.BaseModel `bun:"table:legs,alias:l"`

	ID        string  `bun:"id,pk"`
	MatchID   string  `bun:"match_id,notnull"`
	Sequence  int     `bun:"sequence,notnull"`
	StarterID string  `bun:"starter_id,notnull"`
	WinnerID  *string `bun:"winner_id"`
}

// Turn is the turns row. Total stays zero while the turn is open.
type Turn struct {
	bun.BaseModel `bun:"table:turns,alias:t"`

	ID            string `bun:"id,pk"`
	LegID         string `bun:"leg_id,notnull"`
	PlayerID      string `bun:"player_id,notnull"`
	Sequence      int    `bun:"sequence,notnull"`
	Total         int    `bun:"total,notnull"`
	Busted        bool   `bun:"busted,notnull"`
	Finished      bool   `bun:"finished,notnull"`
	TiebreakRound *int   `bun:"tiebreak_round"`
}

// Throw is the throws row. (turn_id, idx) is the natural key.
type Throw struct {
	bun.BaseModel `bun:"table:throws,alias:th"`

	ID      string `bun:"id,pk"`
	TurnID  string `bun:"turn_id,notnull"`
	Idx     int    `bun:"idx,notnull"`
	Segment string `bun:"segment,notnull"`
}
