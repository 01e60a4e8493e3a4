package matchengine

import (
	"sort"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

// TurnResult is the replayed outcome of a single turn.
type TurnResult struct {
	TurnID     matchtypes.TurnID
	Total      int
	Busted     bool
	Finished   bool
	ScoreAfter int
}

// LegResult is the replayed outcome of a whole leg.
type LegResult struct {
	TurnResults []TurnResult
	Scores      map[matchtypes.PlayerID]int
	WinnerID    *matchtypes.PlayerID
}

// ReplayTurn folds a turn's throws through ApplyThrow in index order,
// stopping at the first bust or finish; darts after that are never
// evaluated, matching physical play where the turn ends immediately.
// A bust zeroes the total and reverts the score to startScore.
func ReplayTurn(throws []matchtypes.Throw, startScore int, rule matchtypes.FinishRule) TurnResult {
	ordered := make([]matchtypes.Throw, len(throws))
	copy(ordered, throws)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	res := TurnResult{ScoreAfter: startScore}
	score := startScore
	for _, th := range ordered {
		out := ApplyThrow(score, th.Segment, rule)
		if out.Busted {
			res.Busted = true
			res.Total = 0
			res.ScoreAfter = startScore
			return res
		}
		res.Total += th.Value()
		score = out.NewScore
		res.ScoreAfter = score
		if out.Finished {
			res.Finished = true
			return res
		}
	}
	return res
}

// ReplayLeg deterministically reconstructs a leg from its ordered turns.
// Every player starts at startScore; a player's running score advances only
// on non-busted turns; evaluation stops entirely at the first finishing
// turn, which is what lets an edit to a historical throw retroactively undo
// a win. Tiebreak turns are skipped: they live outside ordinary X01
// accumulation.
func ReplayLeg(turns []*matchtypes.Turn, players []matchtypes.PlayerID, startScore int, rule matchtypes.FinishRule) LegResult {
	return replayLeg(turns, players, startScore, rule, true)
}

// ReplayLegFair is the fair-ending variant: a checkout does not end the
// leg, every player plays the round out, so turns after the first finish
// are still evaluated. WinnerID names the first player to check out but
// carries no authority; the fair-ending resolver decides the leg.
func ReplayLegFair(turns []*matchtypes.Turn, players []matchtypes.PlayerID, startScore int, rule matchtypes.FinishRule) LegResult {
	return replayLeg(turns, players, startScore, rule, false)
}

func replayLeg(turns []*matchtypes.Turn, players []matchtypes.PlayerID, startScore int, rule matchtypes.FinishRule, stopAtFinish bool) LegResult {
	ordered := make([]*matchtypes.Turn, len(turns))
	copy(ordered, turns)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	res := LegResult{Scores: make(map[matchtypes.PlayerID]int, len(players))}
	for _, p := range players {
		res.Scores[p] = startScore
	}

	for _, turn := range ordered {
		if !turn.Ordinary() {
			continue
		}
		tr := ReplayTurn(turn.Throws, res.Scores[turn.PlayerID], rule)
		tr.TurnID = turn.ID
		res.TurnResults = append(res.TurnResults, tr)
		if !tr.Busted {
			res.Scores[turn.PlayerID] = tr.ScoreAfter
		}
		if tr.Finished && res.WinnerID == nil {
			winner := turn.PlayerID
			res.WinnerID = &winner
			if stopAtFinish {
				break
			}
		}
	}
	return res
}
