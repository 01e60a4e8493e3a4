package matchtypes

import (
	"github.com/google/uuid"
)

// MatchID identifies a match.
type MatchID string

// LegID identifies a leg within a match.
type LegID string

// TurnID identifies a turn within a leg.
type TurnID string

// ThrowID identifies a single dart within a turn.
type ThrowID string

// PlayerID identifies a player on the roster.
type PlayerID string

func NewMatchID() MatchID { return MatchID(uuid.NewString()) }
func NewLegID() LegID     { return LegID(uuid.NewString()) }
func NewTurnID() TurnID   { return TurnID(uuid.NewString()) }
func NewThrowID() ThrowID { return ThrowID(uuid.NewString()) }

func (id MatchID) String() string  { return string(id) }
func (id LegID) String() string    { return string(id) }
func (id TurnID) String() string   { return string(id) }
func (id ThrowID) String() string  { return string(id) }
func (id PlayerID) String() string { return string(id) }

// FinishRule selects how a leg may legally be finished.
type FinishRule string

const (
	SingleOut FinishRule = "single_out"
	DoubleOut FinishRule = "double_out"
)

// Match is the root record. Winner and EndedEarly are the only fields
// mutated after creation.
type Match struct {
	ID         MatchID    `json:"id"`
	Players    []PlayerID `json:"players"` // ordered roster, play order for leg 1
	StartScore int        `json:"start_score"`
	FinishRule FinishRule `json:"finish_rule"`
	LegsToWin  int        `json:"legs_to_win"`
	FairEnding bool       `json:"fair_ending"`
	WinnerID   *PlayerID  `json:"winner_id,omitempty"`
	EndedEarly bool       `json:"ended_early"`
}

// Leg is one game to zero within a match.
type Leg struct {
	ID        LegID     `json:"id"`
	MatchID   MatchID   `json:"match_id"`
	Sequence  int       `json:"sequence"`
	StarterID PlayerID  `json:"starter_id"`
	WinnerID  *PlayerID `json:"winner_id,omitempty"`
}

// Turn is one visit of up to three darts. Sequence is global within the
// leg across all players. A non-nil TiebreakRound marks a fair-ending
// tiebreak turn, which never counts toward ordinary X01 accumulation.
type Turn struct {
	ID            TurnID   `json:"id"`
	LegID         LegID    `json:"leg_id"`
	PlayerID      PlayerID `json:"player_id"`
	Sequence      int      `json:"sequence"`
	Total         int      `json:"total"`
	Busted        bool     `json:"busted"`
	Finished      bool     `json:"finished"`
	TiebreakRound *int     `json:"tiebreak_round,omitempty"`
	Throws        []Throw  `json:"throws,omitempty"` // sorted by Index when loaded
}

// Complete reports whether the turn is closed: three darts down, or the
// rules ended it early. An in-progress turn with one or two darts is not
// complete, no matter what its running total says.
func (t *Turn) Complete() bool {
	return t.Busted || t.Finished || len(t.Throws) >= 3
}

// Open is the inverse of Complete for turns that can still accept darts.
func (t *Turn) Open() bool { return !t.Complete() }

// Ordinary reports whether the turn counts toward X01 scoring.
func (t *Turn) Ordinary() bool { return t.TiebreakRound == nil }

// NextThrowIndex returns the index for the turn's next dart. Deleting a
// mid-turn dart leaves an index gap rather than renumbering, so the next
// slot is one past the highest recorded index, not the dart count.
func (t *Turn) NextThrowIndex() int {
	next := 1
	for _, th := range t.Throws {
		if th.Index >= next {
			next = th.Index + 1
		}
	}
	return next
}

// ThrowSum is the raw pip total of the recorded darts, ignoring busts.
func (t *Turn) ThrowSum() int {
	sum := 0
	for _, th := range t.Throws {
		sum += th.Value()
	}
	return sum
}

// Throw is a single dart. Index is 1-based within the turn; (TurnID,
// Index) is the natural key.
type Throw struct {
	ID      ThrowID `json:"id"`
	TurnID  TurnID  `json:"turn_id"`
	Index   int     `json:"index"`
	Segment Segment `json:"segment"`
}

// Value is the score implied by the dart's segment label.
func (t Throw) Value() int { return t.Segment.Value() }

// RosterEntry pins a player's position in the match play order.
type RosterEntry struct {
	MatchID  MatchID  `json:"match_id"`
	PlayerID PlayerID `json:"player_id"`
	Position int      `json:"position"`
}
