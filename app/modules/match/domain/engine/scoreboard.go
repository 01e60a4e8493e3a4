package matchengine

import (
	"fmt"
	"sort"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

// PlayerStanding is one roster row on the scoreboard.
type PlayerStanding struct {
	PlayerID    matchtypes.PlayerID
	Remaining   int // includes the open turn's recorded darts
	DartsInHand int // darts recorded in the player's open turn, 0..2
	CheckedOut  bool
	LegsWon     int
}

// Scoreboard is the UI-facing derivation of a leg: who throws next, live
// remaining scores, fair-ending phase and banner, and any winner. It is a
// pure function of the data model plus whatever optimistic overlay the
// caller has already merged into turns.
type Scoreboard struct {
	CurrentPlayer *matchtypes.PlayerID
	Standings     []PlayerStanding
	Phase         Phase
	TiebreakRound int // non-zero only in PhaseTiebreak
	Banner        string
	LegWinnerID   *matchtypes.PlayerID
	MatchWinnerID *matchtypes.PlayerID
}

// BuildScoreboard derives the scoreboard for the given leg. legsWon counts
// prior leg wins per player across the match.
func BuildScoreboard(m *matchtypes.Match, leg *matchtypes.Leg, turns []*matchtypes.Turn, legsWon map[matchtypes.PlayerID]int) Scoreboard {
	order := playOrderFor(m.Players, leg.StarterID)
	board := Scoreboard{Phase: PhaseNormal, MatchWinnerID: m.WinnerID}

	if m.FairEnding {
		// ReplayLeg stops at the first finish, which would freeze the
		// remaining scores of players still completing the round. Fair
		// ending derives remaining from finalized turn totals instead,
		// with the open turn's darts layered on for display.
		fe := ResolveFairEnding(turns, order, m.StartScore)
		for _, p := range order {
			st := PlayerStanding{
				PlayerID:   p,
				Remaining:  fe.Remaining[p],
				CheckedOut: fe.Remaining[p] == 0,
				LegsWon:    legsWon[p],
			}
			for _, t := range turns {
				if t.PlayerID == p && t.Ordinary() && t.Open() {
					st.DartsInHand = len(t.Throws)
					st.Remaining -= t.ThrowSum()
				}
			}
			board.Standings = append(board.Standings, st)
		}
		board.Phase = fe.Phase
		board.Banner = bannerFor(fe)
		if fe.Phase == PhaseTiebreak {
			board.TiebreakRound = fe.TiebreakRound
		}
		switch fe.Phase {
		case PhaseNormal:
			board.CurrentPlayer = rotationNext(order, turns)
		case PhaseResolved:
			board.LegWinnerID = fe.WinnerID
		default:
			board.CurrentPlayer = NextThrower(fe, order, turns)
		}
		return board
	}

	replay := ReplayLeg(turns, m.Players, m.StartScore, m.FinishRule)
	for _, p := range order {
		st := PlayerStanding{
			PlayerID:   p,
			Remaining:  replay.Scores[p],
			CheckedOut: replay.Scores[p] == 0,
			LegsWon:    legsWon[p],
		}
		for _, t := range turns {
			if t.PlayerID == p && t.Ordinary() && t.Open() {
				st.DartsInHand = len(t.Throws)
			}
		}
		board.Standings = append(board.Standings, st)
	}

	board.LegWinnerID = replay.WinnerID
	if board.LegWinnerID == nil && !m.EndedEarly {
		board.CurrentPlayer = rotationNext(order, turns)
	}
	if board.LegWinnerID != nil {
		board.Banner = fmt.Sprintf("%s wins the leg", *board.LegWinnerID)
	}
	return board
}

// playOrderFor rotates the roster so the leg's starter throws first.
func playOrderFor(players []matchtypes.PlayerID, starter matchtypes.PlayerID) []matchtypes.PlayerID {
	start := 0
	for i, p := range players {
		if p == starter {
			start = i
			break
		}
	}
	order := make([]matchtypes.PlayerID, 0, len(players))
	for i := range players {
		order = append(order, players[(start+i)%len(players)])
	}
	return order
}

// rotationNext returns whose throw it is under plain rotation: the owner of
// an open turn keeps throwing, otherwise the player after the last turn.
func rotationNext(order []matchtypes.PlayerID, turns []*matchtypes.Turn) *matchtypes.PlayerID {
	ordinary := make([]*matchtypes.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Ordinary() {
			ordinary = append(ordinary, t)
		}
	}
	if len(ordinary) == 0 {
		p := order[0]
		return &p
	}
	sort.Slice(ordinary, func(i, j int) bool { return ordinary[i].Sequence < ordinary[j].Sequence })
	last := ordinary[len(ordinary)-1]
	if last.Open() {
		p := last.PlayerID
		return &p
	}
	for i, p := range order {
		if p == last.PlayerID {
			next := order[(i+1)%len(order)]
			return &next
		}
	}
	p := order[0]
	return &p
}

func bannerFor(fe FairEnding) string {
	switch fe.Phase {
	case PhaseCompletingRound:
		return "Completing the round"
	case PhaseTiebreak:
		return fmt.Sprintf("Tiebreak round %d", fe.TiebreakRound)
	case PhaseResolved:
		if fe.WinnerID != nil {
			return fmt.Sprintf("%s wins the leg", *fe.WinnerID)
		}
	}
	return ""
}
