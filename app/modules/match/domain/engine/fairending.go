package matchengine

import (
	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

// Phase is the fair-ending state of a leg.
type Phase string

const (
	PhaseNormal          Phase = "normal"
	PhaseCompletingRound Phase = "completing_round"
	PhaseTiebreak        Phase = "tiebreak"
	PhaseResolved        Phase = "resolved"
)

// FairEnding describes where a fair-ending leg stands. Participants is the
// current tiebreak cohort (play order), meaningful in PhaseTiebreak.
type FairEnding struct {
	Phase         Phase
	WinnerID      *matchtypes.PlayerID
	TiebreakRound int
	Participants  []matchtypes.PlayerID
	CheckedOut    []matchtypes.PlayerID
	Remaining     map[matchtypes.PlayerID]int
}

// ResolveFairEnding computes the fair-ending state of a leg from its turns
// and the play order. With fair ending active, a checkout only wins once
// every player has completed the same number of ordinary turns; ties are
// settled by highest-score tiebreak rounds restricted to the tied players.
func ResolveFairEnding(turns []*matchtypes.Turn, playOrder []matchtypes.PlayerID, startScore int) FairEnding {
	remaining := make(map[matchtypes.PlayerID]int, len(playOrder))
	completed := make(map[matchtypes.PlayerID]int, len(playOrder))
	for _, p := range playOrder {
		remaining[p] = startScore
	}

	for _, t := range turns {
		if !t.Ordinary() {
			continue
		}
		if !t.Busted {
			remaining[t.PlayerID] -= t.Total
		}
		// An in-progress turn with one or two darts must not count as a
		// completed round turn, whatever its running total says.
		if t.Complete() {
			completed[t.PlayerID]++
		}
	}

	var checkedOut []matchtypes.PlayerID
	for _, p := range playOrder {
		if remaining[p] == 0 {
			checkedOut = append(checkedOut, p)
		}
	}
	if len(checkedOut) == 0 {
		return FairEnding{Phase: PhaseNormal, Remaining: remaining}
	}

	for _, p := range playOrder {
		if completed[p] != completed[playOrder[0]] {
			return FairEnding{Phase: PhaseCompletingRound, CheckedOut: checkedOut, Remaining: remaining}
		}
	}

	if len(checkedOut) == 1 {
		winner := checkedOut[0]
		return FairEnding{Phase: PhaseResolved, WinnerID: &winner, CheckedOut: checkedOut, Remaining: remaining}
	}

	fe := resolveTiebreak(turns, checkedOut)
	fe.Remaining = remaining
	return fe
}

// resolveTiebreak walks tiebreak rounds until one is incomplete or a single
// highest scorer emerges. A bust scores zero here and is never a checkout.
func resolveTiebreak(turns []*matchtypes.Turn, cohort []matchtypes.PlayerID) FairEnding {
	checkedOut := cohort
	for round := 1; ; round++ {
		scores := make(map[matchtypes.PlayerID]int, len(cohort))
		have := 0
		for _, t := range turns {
			if t.TiebreakRound == nil || *t.TiebreakRound != round || !t.Complete() {
				continue
			}
			for _, p := range cohort {
				if t.PlayerID == p {
					if t.Busted {
						scores[p] = 0
					} else {
						scores[p] = t.Total
					}
					have++
					break
				}
			}
		}
		if have < len(cohort) {
			return FairEnding{
				Phase:         PhaseTiebreak,
				TiebreakRound: round,
				Participants:  cohort,
				CheckedOut:    checkedOut,
			}
		}

		best := -1
		for _, p := range cohort {
			if scores[p] > best {
				best = scores[p]
			}
		}
		var winners []matchtypes.PlayerID
		for _, p := range cohort {
			if scores[p] == best {
				winners = append(winners, p)
			}
		}
		if len(winners) == 1 {
			winner := winners[0]
			return FairEnding{
				Phase:         PhaseResolved,
				WinnerID:      &winner,
				TiebreakRound: round,
				Participants:  cohort,
				CheckedOut:    checkedOut,
			}
		}
		// Everyone tied the round: next round restricted to the tied subset.
		cohort = winners
	}
}

// NextThrower returns who must throw next under fair-ending rules, or nil
// in normal play and once resolved. This assumes every player gets exactly
// one turn per round, so a player's round index equals their completed-turn
// count; rule variants with skipped turns would need explicit round
// tracking instead.
func NextThrower(fe FairEnding, playOrder []matchtypes.PlayerID, turns []*matchtypes.Turn) *matchtypes.PlayerID {
	switch fe.Phase {
	case PhaseCompletingRound:
		completed := make(map[matchtypes.PlayerID]int, len(playOrder))
		for _, t := range turns {
			if t.Ordinary() && t.Complete() {
				completed[t.PlayerID]++
			}
		}
		max := 0
		for _, p := range playOrder {
			if completed[p] > max {
				max = completed[p]
			}
		}
		for _, p := range playOrder {
			if completed[p] < max {
				p := p
				return &p
			}
		}
	case PhaseTiebreak:
		inCohort := make(map[matchtypes.PlayerID]bool, len(fe.Participants))
		for _, p := range fe.Participants {
			inCohort[p] = true
		}
		thrown := make(map[matchtypes.PlayerID]bool, len(fe.Participants))
		for _, t := range turns {
			if t.TiebreakRound != nil && *t.TiebreakRound == fe.TiebreakRound && t.Complete() {
				thrown[t.PlayerID] = true
			}
		}
		for _, p := range playOrder {
			if inCohort[p] && !thrown[p] {
				p := p
				return &p
			}
		}
	}
	return nil
}
