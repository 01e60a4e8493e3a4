// Package matchsync keeps one client's local view of a match convergent
// with the shared store. A MatchWatcher instance owns all per-view state
// (known-ID sets, pending buffers, celebrated sets) and is torn down with
// the view; nothing here is process-global.
package matchsync

import (
	"sort"
	"sync"

	matchengine "github.com/oche-scoring/oche/app/modules/match/domain/engine"
	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

// State is the local replica: the match record, known legs and turns with
// their throws, plus the acting client's optimistic overlay. All methods
// are safe for concurrent use; the watcher mutates from its run loop while
// the scorekeeper overlays writes and the UI reads scoreboards.
type State struct {
	mu    sync.RWMutex
	match *matchtypes.Match
	legs  map[matchtypes.LegID]*matchtypes.Leg
	turns map[matchtypes.TurnID]*matchtypes.Turn

	// ongoingTurnID marks the acting client's open turn. Its locally held
	// throws must never be erased by a server view reporting fewer darts.
	ongoingTurnID matchtypes.TurnID

	celebratedTurns map[matchtypes.TurnID]bool
	celebratedLegs  map[matchtypes.LegID]bool
}

// NewState builds an empty replica. Until SeedMatch runs, Loaded reports
// false and the watcher ignores every live notification.
func NewState() *State {
	return &State{
		legs:            make(map[matchtypes.LegID]*matchtypes.Leg),
		turns:           make(map[matchtypes.TurnID]*matchtypes.Turn),
		celebratedTurns: make(map[matchtypes.TurnID]bool),
		celebratedLegs:  make(map[matchtypes.LegID]bool),
	}
}

// SeedMatch installs the initial load: the match record and its legs.
func (s *State) SeedMatch(m *matchtypes.Match, legs []*matchtypes.Leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.match = m
	s.legs = make(map[matchtypes.LegID]*matchtypes.Leg, len(legs))
	for _, leg := range legs {
		s.legs[leg.ID] = leg
	}
}

// SeedTurns installs the turns (with throws) of one leg.
func (s *State) SeedTurns(turns []*matchtypes.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range turns {
		s.turns[t.ID] = t
	}
	s.recomputeLocked()
}

// Loaded reports whether initial load has completed: the known-leg set is
// non-empty. Live notifications are ignored outright before this point so
// that a foreign match's events cannot be misapplied.
func (s *State) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.legs) > 0
}

// Match returns a copy of the match record.
func (s *State) Match() *matchtypes.Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.match == nil {
		return nil
	}
	cp := *s.match
	cp.Players = append([]matchtypes.PlayerID(nil), s.match.Players...)
	return &cp
}

// SetMatch replaces the match record, keeping the loaded roster.
func (s *State) SetMatch(m *matchtypes.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(m.Players) == 0 && s.match != nil {
		m.Players = s.match.Players
	}
	s.match = m
}

// SetRoster replaces the play order after a roster reload.
func (s *State) SetRoster(players []matchtypes.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match != nil {
		s.match.Players = players
	}
}

// SetLegs replaces the known-leg set after a structural reload.
func (s *State) SetLegs(legs []*matchtypes.Leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legs = make(map[matchtypes.LegID]*matchtypes.Leg, len(legs))
	for _, leg := range legs {
		s.legs[leg.ID] = leg
	}
}

// Legs returns copies of the known legs in sequence order.
func (s *State) Legs() []*matchtypes.Leg {
	s.mu.RLock()
	defer s.mu.RUnlock()
	legs := s.legsLocked()
	out := make([]*matchtypes.Leg, 0, len(legs))
	for _, leg := range legs {
		cp := *leg
		out = append(out, &cp)
	}
	return out
}

func (s *State) legsLocked() []*matchtypes.Leg {
	legs := make([]*matchtypes.Leg, 0, len(s.legs))
	for _, leg := range s.legs {
		legs = append(legs, leg)
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Sequence < legs[j].Sequence })
	return legs
}

// CurrentLeg returns a copy of the first leg without a winner, or of the
// last leg once the match is decided.
func (s *State) CurrentLeg() *matchtypes.Leg {
	s.mu.RLock()
	defer s.mu.RUnlock()
	leg := s.currentLegLocked()
	if leg == nil {
		return nil
	}
	cp := *leg
	return &cp
}

func (s *State) currentLegLocked() *matchtypes.Leg {
	legs := s.legsLocked()
	if len(legs) == 0 {
		return nil
	}
	for _, leg := range legs {
		if leg.WinnerID == nil {
			return leg
		}
	}
	return legs[len(legs)-1]
}

// KnowsLeg reports whether the leg is in the known-ID set.
func (s *State) KnowsLeg(id matchtypes.LegID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.legs[id]
	return ok
}

// KnowsTurn reports whether the turn is in the known-ID set.
func (s *State) KnowsTurn(id matchtypes.TurnID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.turns[id]
	return ok
}

// Turn returns a copy of a known turn, throws included.
func (s *State) Turn(id matchtypes.TurnID) (matchtypes.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[id]
	if !ok {
		return matchtypes.Turn{}, false
	}
	return copyTurn(t), true
}

// TurnsForLeg returns copies of the known turns of a leg in sequence order.
func (s *State) TurnsForLeg(legID matchtypes.LegID) []matchtypes.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turnsForLegLocked(legID)
	out := make([]matchtypes.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, copyTurn(t))
	}
	return out
}

// OpenTurnFor finds the player's open turn in a leg, restricted to the
// same kind of turn (ordinary, or the given tiebreak round).
func (s *State) OpenTurnFor(legID matchtypes.LegID, player matchtypes.PlayerID, tiebreakRound *int) (matchtypes.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.turnsForLegLocked(legID) {
		if t.PlayerID != player || !t.Open() {
			continue
		}
		if sameRound(t.TiebreakRound, tiebreakRound) {
			return copyTurn(t), true
		}
	}
	return matchtypes.Turn{}, false
}

// NextSequence returns the next global turn sequence number for a leg.
func (s *State) NextSequence(legID matchtypes.LegID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, t := range s.turns {
		if t.LegID == legID && t.Sequence > max {
			max = t.Sequence
		}
	}
	return max + 1
}

func sameRound(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyTurn(t *matchtypes.Turn) matchtypes.Turn {
	cp := *t
	cp.Throws = append([]matchtypes.Throw(nil), t.Throws...)
	return cp
}

func (s *State) turnsForLegLocked(legID matchtypes.LegID) []*matchtypes.Turn {
	turns := make([]*matchtypes.Turn, 0, 8)
	for _, t := range s.turns {
		if t.LegID == legID {
			turns = append(turns, t)
		}
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Sequence < turns[j].Sequence })
	return turns
}

// UpsertTurn merges a turn row notification. Locally known throws are kept:
// row events never carry children, and dropping them would un-apply darts.
func (s *State) UpsertTurn(turn *matchtypes.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.turns[turn.ID]; ok {
		turn.Throws = existing.Throws
	}
	s.turns[turn.ID] = turn
	s.recomputeLocked()
}

// RemoveTurn drops a turn and clears the ongoing marker if it pointed here.
func (s *State) RemoveTurn(id matchtypes.TurnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, id)
	if s.ongoingTurnID == id {
		s.ongoingTurnID = ""
	}
	s.recomputeLocked()
}

// ReplaceTurn installs an authoritative per-turn fetch. If the turn is the
// acting client's ongoing turn and the server still reports fewer darts
// than are held locally, the local throws win: a slow confirmation must not
// erase a dart the user has since thrown.
func (s *State) ReplaceTurn(turn *matchtypes.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.turns[turn.ID]; ok && turn.ID == s.ongoingTurnID && len(turn.Throws) < len(existing.Throws) {
		turn.Throws = existing.Throws
	}
	s.turns[turn.ID] = turn
	s.recomputeLocked()
}

// ReplaceLegTurns installs a full leg re-fetch, subject to the same
// optimistic guard as ReplaceTurn. Turns the server no longer has are
// dropped, except the guarded ongoing turn.
func (s *State) ReplaceLegTurns(legID matchtypes.LegID, turns []*matchtypes.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incoming := make(map[matchtypes.TurnID]bool, len(turns))
	for _, t := range turns {
		incoming[t.ID] = true
	}
	for id, t := range s.turns {
		if t.LegID == legID && !incoming[id] && id != s.ongoingTurnID {
			delete(s.turns, id)
		}
	}
	for _, t := range turns {
		if existing, ok := s.turns[t.ID]; ok && t.ID == s.ongoingTurnID && len(t.Throws) < len(existing.Throws) {
			t.Throws = existing.Throws
		}
		s.turns[t.ID] = t
	}
	s.recomputeLocked()
}

// UpsertThrow applies a throw notification to its (known) turn. Dedupe is
// by throw ID first, then by index for a racing writer reusing a slot.
// Returns false if the parent turn is unknown.
func (s *State) UpsertThrow(throw matchtypes.Throw) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[throw.TurnID]
	if !ok {
		return false
	}
	upsertThrow(turn, throw)
	s.recomputeLocked()
	return true
}

func upsertThrow(turn *matchtypes.Turn, throw matchtypes.Throw) {
	for i, th := range turn.Throws {
		if th.ID == throw.ID || th.Index == throw.Index {
			turn.Throws[i] = throw
			sortThrows(turn)
			return
		}
	}
	turn.Throws = append(turn.Throws, throw)
	sortThrows(turn)
}

// RemoveThrow drops a throw from its turn, if both are known.
func (s *State) RemoveThrow(turnID matchtypes.TurnID, throwID matchtypes.ThrowID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return false
	}
	for i, th := range turn.Throws {
		if th.ID == throwID {
			turn.Throws = append(turn.Throws[:i], turn.Throws[i+1:]...)
			break
		}
	}
	s.recomputeLocked()
	return true
}

// BeginOptimisticTurn registers a locally created turn before the insert
// round-trip completes.
func (s *State) BeginOptimisticTurn(turn *matchtypes.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.ID] = turn
	s.ongoingTurnID = turn.ID
}

// AppendOptimisticThrow mirrors a dart into local state ahead of the
// persistence round-trip.
func (s *State) AppendOptimisticThrow(throw matchtypes.Throw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[throw.TurnID]
	if !ok {
		return
	}
	s.ongoingTurnID = throw.TurnID
	upsertThrow(turn, throw)
	s.recomputeLocked()
}

// RollbackOptimisticThrow undoes a dart whose persist failed and clears the
// ongoing turn; the next reconcile restores whatever the store holds.
func (s *State) RollbackOptimisticThrow(turnID matchtypes.TurnID, throwID matchtypes.ThrowID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn, ok := s.turns[turnID]; ok {
		for i, th := range turn.Throws {
			if th.ID == throwID {
				turn.Throws = append(turn.Throws[:i], turn.Throws[i+1:]...)
				break
			}
		}
	}
	s.ongoingTurnID = ""
	s.recomputeLocked()
}

// ClearOngoing drops the optimistic marker once a turn closes.
func (s *State) ClearOngoing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ongoingTurnID = ""
}

// OngoingTurnID returns the acting client's open turn id, if any.
func (s *State) OngoingTurnID() matchtypes.TurnID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ongoingTurnID
}

// MarkTurnCelebrated returns true exactly once per completed turn, however
// many redundant reconcile paths observe the completion.
func (s *State) MarkTurnCelebrated(id matchtypes.TurnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.celebratedTurns[id] {
		return false
	}
	s.celebratedTurns[id] = true
	return true
}

// MarkLegCelebrated returns true exactly once per decided leg.
func (s *State) MarkLegCelebrated(id matchtypes.LegID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.celebratedLegs[id] {
		return false
	}
	s.celebratedLegs[id] = true
	return true
}

// Scoreboard derives the UI-facing view of the current leg from the local
// replica plus the optimistic overlay.
func (s *State) Scoreboard() matchengine.Scoreboard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	leg := s.currentLegLocked()
	if s.match == nil || leg == nil {
		return matchengine.Scoreboard{}
	}
	legsWon := make(map[matchtypes.PlayerID]int)
	for _, l := range s.legsLocked() {
		if l.WinnerID != nil {
			legsWon[*l.WinnerID]++
		}
	}
	return matchengine.BuildScoreboard(s.match, leg, s.turnsForLegLocked(leg.ID), legsWon)
}

// recomputeLocked rebuilds derived turn aggregates from the authoritative
// set of locally known throws. This is what makes notification application
// idempotent: totals are never blindly incremented or decremented.
func (s *State) recomputeLocked() {
	if s.match == nil {
		return
	}
	byLeg := make(map[matchtypes.LegID][]*matchtypes.Turn)
	for _, t := range s.turns {
		byLeg[t.LegID] = append(byLeg[t.LegID], t)
	}
	replayFn := matchengine.ReplayLeg
	if s.match.FairEnding {
		// A checkout does not end a fair-ending leg, so turns after the
		// first finish still need their aggregates derived.
		replayFn = matchengine.ReplayLegFair
	}
	for _, turns := range byLeg {
		replay := replayFn(turns, s.match.Players, s.match.StartScore, s.match.FinishRule)
		results := make(map[matchtypes.TurnID]matchengine.TurnResult, len(replay.TurnResults))
		for _, tr := range replay.TurnResults {
			results[tr.TurnID] = tr
		}
		for _, t := range turns {
			if !t.Ordinary() {
				// Tiebreak turns score a plain dart sum once closed.
				if t.Complete() && !t.Busted {
					t.Total = t.ThrowSum()
				}
				continue
			}
			if len(t.Throws) == 0 {
				// No local throw evidence yet: keep the server's flags
				// rather than deriving from an empty set.
				continue
			}
			tr, ok := results[t.ID]
			if !ok {
				// Turns after the leg-deciding finish are never evaluated.
				continue
			}
			t.Busted = tr.Busted
			t.Finished = tr.Finished
			if t.Complete() {
				t.Total = tr.Total
			} else {
				t.Total = 0 // open turns stay unfinalized
			}
		}
	}
}

func sortThrows(turn *matchtypes.Turn) {
	sort.Slice(turn.Throws, func(i, j int) bool { return turn.Throws[i].Index < turn.Throws[j].Index })
}
