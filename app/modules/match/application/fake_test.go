package matchservice

import (
	"context"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
	matchdb "github.com/oche-scoring/oche/app/modules/match/infrastructure/repositories"
	"github.com/oche-scoring/oche/eventbus"
)

// fakeRepo is an in-memory matchdb.Repository. Individual calls can be
// made to fail through the err* hooks.
type fakeRepo struct {
	mu      sync.Mutex
	matches map[matchtypes.MatchID]*matchtypes.Match
	legs    map[matchtypes.LegID]*matchtypes.Leg
	turns   map[matchtypes.TurnID]*matchtypes.Turn
	throws  map[matchtypes.ThrowID]*matchtypes.Throw

	errCreateTurn  error
	errInsertThrow error
	errUpdateTurn  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		matches: make(map[matchtypes.MatchID]*matchtypes.Match),
		legs:    make(map[matchtypes.LegID]*matchtypes.Leg),
		turns:   make(map[matchtypes.TurnID]*matchtypes.Turn),
		throws:  make(map[matchtypes.ThrowID]*matchtypes.Throw),
	}
}

func (r *fakeRepo) GetMatch(_ context.Context, id matchtypes.MatchID) (*matchtypes.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return nil, matchdb.ErrMatchNotFound
	}
	cp := *m
	cp.Players = append([]matchtypes.PlayerID(nil), m.Players...)
	return &cp, nil
}

func (r *fakeRepo) GetRoster(_ context.Context, matchID matchtypes.MatchID) ([]matchtypes.PlayerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[matchID]
	if !ok {
		return nil, matchdb.ErrMatchNotFound
	}
	return append([]matchtypes.PlayerID(nil), m.Players...), nil
}

func (r *fakeRepo) ListLegs(_ context.Context, matchID matchtypes.MatchID) ([]*matchtypes.Leg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var legs []*matchtypes.Leg
	for _, leg := range r.legs {
		if leg.MatchID == matchID {
			cp := *leg
			legs = append(legs, &cp)
		}
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Sequence < legs[j].Sequence })
	return legs, nil
}

func (r *fakeRepo) GetTurn(_ context.Context, id matchtypes.TurnID) (*matchtypes.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[id]
	if !ok {
		return nil, matchdb.ErrTurnNotFound
	}
	cp := r.turnWithThrowsLocked(t)
	return &cp, nil
}

func (r *fakeRepo) ListTurns(_ context.Context, legID matchtypes.LegID) ([]*matchtypes.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var turns []*matchtypes.Turn
	for _, t := range r.turns {
		if t.LegID == legID {
			cp := r.turnWithThrowsLocked(t)
			turns = append(turns, &cp)
		}
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i].Sequence < turns[j].Sequence })
	return turns, nil
}

func (r *fakeRepo) turnWithThrowsLocked(t *matchtypes.Turn) matchtypes.Turn {
	cp := *t
	cp.Throws = nil
	for _, th := range r.throws {
		if th.TurnID == t.ID {
			cp.Throws = append(cp.Throws, *th)
		}
	}
	sort.Slice(cp.Throws, func(i, j int) bool { return cp.Throws[i].Index < cp.Throws[j].Index })
	return cp
}

func (r *fakeRepo) CreateMatch(_ context.Context, m *matchtypes.Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.matches[m.ID] = &cp
	return nil
}

func (r *fakeRepo) SetMatchWinner(_ context.Context, id matchtypes.MatchID, winner matchtypes.PlayerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return matchdb.ErrMatchNotFound
	}
	m.WinnerID = &winner
	return nil
}

func (r *fakeRepo) ClearMatchWinner(_ context.Context, id matchtypes.MatchID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return matchdb.ErrMatchNotFound
	}
	m.WinnerID = nil
	return nil
}

func (r *fakeRepo) SetMatchEndedEarly(_ context.Context, id matchtypes.MatchID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return matchdb.ErrMatchNotFound
	}
	m.EndedEarly = true
	return nil
}

func (r *fakeRepo) CreateLeg(_ context.Context, leg *matchtypes.Leg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *leg
	r.legs[leg.ID] = &cp
	return nil
}

func (r *fakeRepo) SetLegWinner(_ context.Context, id matchtypes.LegID, winner *matchtypes.PlayerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	leg, ok := r.legs[id]
	if !ok {
		return matchdb.ErrLegNotFound
	}
	leg.WinnerID = winner
	return nil
}

func (r *fakeRepo) CreateTurn(_ context.Context, turn *matchtypes.Turn) error {
	if r.errCreateTurn != nil {
		return r.errCreateTurn
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *turn
	cp.Throws = nil
	r.turns[turn.ID] = &cp
	return nil
}

func (r *fakeRepo) UpdateTurn(_ context.Context, id matchtypes.TurnID, total int, busted, finished bool) error {
	if r.errUpdateTurn != nil {
		return r.errUpdateTurn
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[id]
	if !ok {
		return matchdb.ErrTurnNotFound
	}
	t.Total, t.Busted, t.Finished = total, busted, finished
	return nil
}

func (r *fakeRepo) InsertThrow(_ context.Context, throw *matchtypes.Throw) error {
	if r.errInsertThrow != nil {
		return r.errInsertThrow
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *throw
	r.throws[throw.ID] = &cp
	return nil
}

func (r *fakeRepo) UpdateThrow(_ context.Context, throw *matchtypes.Throw) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.throws[throw.ID]; !ok {
		return matchdb.ErrThrowNotFound
	}
	cp := *throw
	r.throws[throw.ID] = &cp
	return nil
}

func (r *fakeRepo) DeleteThrow(_ context.Context, id matchtypes.ThrowID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.throws[id]; !ok {
		return matchdb.ErrThrowNotFound
	}
	delete(r.throws, id)
	return nil
}

func (r *fakeRepo) ListThrows(_ context.Context, turnID matchtypes.TurnID) ([]matchtypes.Throw, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var throws []matchtypes.Throw
	for _, th := range r.throws {
		if th.TurnID == turnID {
			throws = append(throws, *th)
		}
	}
	sort.Slice(throws, func(i, j int) bool { return throws[i].Index < throws[j].Index })
	return throws, nil
}

// fakeBus records published messages.
type fakeBus struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
}

func (f *fakeBus) Publish(_ context.Context, topic string, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (f *fakeBus) Connected() bool { return true }
func (f *fakeBus) Close() error    { return nil }

// changeEvents decodes everything published on the changes topic.
func (f *fakeBus) changeEvents() []*eventbus.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []*eventbus.ChangeEvent
	for i, msg := range f.published {
		if f.topics[i] != eventbus.TopicChanges {
			continue
		}
		if ev, err := eventbus.UnmarshalChange(msg); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

func (f *fakeBus) countChanges(entity eventbus.Entity, op eventbus.Op) int {
	n := 0
	for _, ev := range f.changeEvents() {
		if ev.Entity == entity && ev.Op == op {
			n++
		}
	}
	return n
}
