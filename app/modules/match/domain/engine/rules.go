// Package matchengine holds the pure scoring derivations: the throw rule
// evaluator, the leg replay engine, the fair-ending state machine, and the
// scoreboard view. Nothing in here touches storage or the event bus, so the
// same code runs for live play and for historical recomputation.
package matchengine

import (
	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

// ThrowResult is the outcome of evaluating one dart.
type ThrowResult struct {
	NewScore int
	Busted   bool
	Finished bool
}

// ApplyThrow is the single source of truth for scoring decisions. It maps
// (current score, dart, finish rule) to the new score plus bust/finish
// flags. On a bust the score reverts to the caller's current score.
func ApplyThrow(current int, dart matchtypes.Segment, rule matchtypes.FinishRule) ThrowResult {
	next := current - dart.Value()

	switch {
	case next < 0:
		return ThrowResult{NewScore: current, Busted: true}
	case next == 0:
		if rule == matchtypes.DoubleOut && !dart.IsDouble() {
			return ThrowResult{NewScore: current, Busted: true}
		}
		return ThrowResult{NewScore: 0, Finished: true}
	case next == 1 && rule == matchtypes.DoubleOut:
		// 1 is unreachable by any legal double-out dart.
		return ThrowResult{NewScore: current, Busted: true}
	}
	return ThrowResult{NewScore: next}
}
