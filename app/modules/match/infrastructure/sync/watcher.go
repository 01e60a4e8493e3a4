package matchsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/time/rate"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
	matchdb "github.com/oche-scoring/oche/app/modules/match/infrastructure/repositories"
	"github.com/oche-scoring/oche/eventbus"
	"github.com/oche-scoring/oche/observability"
)

// Options tunes one watcher instance.
type Options struct {
	// Spectator clients never write; they debounce nothing and fall back
	// to polling when the live channel is down.
	Spectator bool
	// ReconcileDelay is how long a buffered orphan notification waits
	// before a targeted re-fetch of its turn.
	ReconcileDelay time.Duration
	// DebounceWindow coalesces notification bursts for one leg before a
	// single full re-fetch of that leg's turns.
	DebounceWindow time.Duration
	// MaxCoalesced caps how many notifications one debounce window may
	// absorb before the refresh fires immediately.
	MaxCoalesced int
	// PollInterval paces fallback polling.
	PollInterval time.Duration
	// PendingLimit bounds the per-turn orphan buffer.
	PendingLimit int
	// OnTurnCompleted, if set, fires exactly once per completed turn.
	OnTurnCompleted func(turn *matchtypes.Turn)
}

func (o *Options) withDefaults() {
	if o.ReconcileDelay <= 0 {
		o.ReconcileDelay = 200 * time.Millisecond
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 250 * time.Millisecond
	}
	if o.MaxCoalesced <= 0 {
		o.MaxCoalesced = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PendingLimit <= 0 {
		o.PendingLimit = 64
	}
}

type debounceState struct {
	timer     *time.Timer
	coalesced int
}

// Watcher is one client's convergence-protocol instance for one open match
// view. It consumes the shared change-notification stream and keeps the
// State convergent with the backing store regardless of notification order,
// duplication, or loss.
type Watcher struct {
	matchID matchtypes.MatchID
	state   *State
	reader  matchdb.Reader
	bus     eventbus.Bus
	logger  *slog.Logger
	metrics *observability.Metrics
	opts    Options

	// Run-loop-owned bookkeeping; never touched from other goroutines.
	pending   map[matchtypes.TurnID][]*eventbus.ChangeEvent
	scheduled map[matchtypes.TurnID]bool
	debounces map[matchtypes.LegID]*debounceState

	reconcileCh chan matchtypes.TurnID
	refreshCh   chan matchtypes.LegID

	pollLimiter    *rate.Limiter
	matchCelebrate bool
}

// NewWatcher wires a watcher for one match view.
func NewWatcher(
	matchID matchtypes.MatchID,
	state *State,
	reader matchdb.Reader,
	bus eventbus.Bus,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts Options,
) *Watcher {
	opts.withDefaults()
	return &Watcher{
		matchID:     matchID,
		state:       state,
		reader:      reader,
		bus:         bus,
		logger:      logger,
		metrics:     metrics,
		opts:        opts,
		pending:     make(map[matchtypes.TurnID][]*eventbus.ChangeEvent),
		scheduled:   make(map[matchtypes.TurnID]bool),
		debounces:   make(map[matchtypes.LegID]*debounceState),
		reconcileCh: make(chan matchtypes.TurnID, 32),
		refreshCh:   make(chan matchtypes.LegID, 8),
		pollLimiter: rate.NewLimiter(rate.Every(opts.PollInterval), 1),
	}
}

// State exposes the local replica for the scorekeeper and the UI.
func (w *Watcher) State() *State { return w.state }

// Open performs the initial load. Until it succeeds the watcher ignores
// every live notification.
func (w *Watcher) Open(ctx context.Context) error {
	m, err := w.reader.GetMatch(ctx, w.matchID)
	if err != nil {
		return err
	}
	legs, err := w.reader.ListLegs(ctx, w.matchID)
	if err != nil {
		return err
	}
	w.state.SeedMatch(m, legs)
	if cur := w.state.CurrentLeg(); cur != nil {
		turns, err := w.reader.ListTurns(ctx, cur.ID)
		if err != nil {
			return err
		}
		w.state.SeedTurns(turns)
	}
	return nil
}

// Run consumes notifications until the context ends. Each message is
// handled to completion before the next; reconcile timers and debounced
// refreshes re-enter through channels so the loop stays single-threaded.
func (w *Watcher) Run(ctx context.Context) error {
	msgs, err := w.bus.Subscribe(ctx, eventbus.TopicChanges)
	if err != nil {
		if !w.opts.Spectator {
			return err
		}
		// No live channel: a spectator degrades to poll-only mode.
		w.logger.WarnContext(ctx, "live channel unavailable, polling only", slog.Any("error", err))
		msgs = nil
	}

	pollTicker := time.NewTicker(w.opts.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			w.handleMessage(ctx, msg)
			msg.Ack()
		case turnID := <-w.reconcileCh:
			w.reconcileTurn(ctx, turnID)
		case legID := <-w.refreshCh:
			w.refreshLeg(ctx, legID)
		case <-pollTicker.C:
			w.maybePoll(ctx, msgs == nil)
		}
	}
}

func (w *Watcher) handleMessage(ctx context.Context, msg *message.Message) {
	ev, err := eventbus.UnmarshalChange(msg)
	if err != nil {
		w.logger.WarnContext(ctx, "discarding malformed notification",
			slog.String("message_id", msg.UUID), slog.Any("error", err))
		return
	}
	w.Handle(ctx, ev)
}

// Handle applies one validated change notification. Exported for tests and
// for in-process delivery.
func (w *Watcher) Handle(ctx context.Context, ev *eventbus.ChangeEvent) {
	// Before initial load completes we cannot tell our own IDs from a
	// stranger's, so everything is ignored outright.
	if !w.state.Loaded() {
		return
	}
	if ev.MatchID != w.matchID {
		w.metrics.ForeignDropped.Inc()
		return
	}

	switch ev.Entity {
	case eventbus.EntityThrow:
		w.applyThrowEvent(ctx, ev)
	case eventbus.EntityTurn:
		w.applyTurnEvent(ctx, ev)
	case eventbus.EntityLeg:
		w.reloadLegs(ctx)
	case eventbus.EntityMatch:
		w.reloadMatch(ctx)
	case eventbus.EntityRoster:
		w.reloadRoster(ctx)
	}
}

func (w *Watcher) applyThrowEvent(ctx context.Context, ev *eventbus.ChangeEvent) {
	throw := ev.Record().Throw
	if !w.state.KnowsTurn(throw.TurnID) {
		w.bufferPending(ctx, throw.TurnID, ev)
		return
	}

	switch ev.Op {
	case eventbus.OpDelete:
		w.state.RemoveThrow(throw.TurnID, throw.ID)
	default:
		w.state.UpsertThrow(*throw)
	}
	w.metrics.NotificationsApplied.WithLabelValues(string(ev.Entity), string(ev.Op)).Inc()

	if turn, ok := w.state.Turn(throw.TurnID); ok {
		w.celebrateTurn(ctx, turn)
		w.scheduleRefresh(turn.LegID)
	}
}

func (w *Watcher) applyTurnEvent(ctx context.Context, ev *eventbus.ChangeEvent) {
	turn := ev.Record().Turn
	if !w.state.KnowsLeg(turn.LegID) {
		// A turn for a leg we have not seen means the leg slice is stale.
		w.reloadLegs(ctx)
		if !w.state.KnowsLeg(turn.LegID) {
			w.logger.WarnContext(ctx, "turn notification for unknown leg",
				slog.String("turn_id", turn.ID.String()), slog.String("leg_id", turn.LegID.String()))
			return
		}
	}

	switch ev.Op {
	case eventbus.OpDelete:
		w.state.RemoveTurn(turn.ID)
	default:
		cp := *turn
		w.state.UpsertTurn(&cp)
		w.drainPending(ctx, turn.ID)
		if t, ok := w.state.Turn(turn.ID); ok {
			w.celebrateTurn(ctx, t)
		}
	}
	w.metrics.NotificationsApplied.WithLabelValues(string(ev.Entity), string(ev.Op)).Inc()
	w.scheduleRefresh(turn.LegID)
}

// bufferPending holds an orphan notification keyed by its unknown parent
// turn and schedules a targeted reconcile in case the parent never shows.
func (w *Watcher) bufferPending(ctx context.Context, turnID matchtypes.TurnID, ev *eventbus.ChangeEvent) {
	if len(w.pending[turnID]) < w.opts.PendingLimit {
		w.pending[turnID] = append(w.pending[turnID], ev)
		w.metrics.PendingBuffered.Inc()
	}
	if !w.scheduled[turnID] {
		w.scheduled[turnID] = true
		time.AfterFunc(w.opts.ReconcileDelay, func() {
			select {
			case w.reconcileCh <- turnID:
			default:
				// Queue full; an in-flight reconcile will cover this turn.
			}
		})
	}
	w.logger.DebugContext(ctx, "buffered notification for unknown turn",
		slog.String("turn_id", turnID.String()))
}

// drainPending replays buffered orphan events once their turn is known.
// Application is idempotent, so replaying events already subsumed by a
// reconcile fetch is harmless.
func (w *Watcher) drainPending(ctx context.Context, turnID matchtypes.TurnID) {
	events := w.pending[turnID]
	delete(w.pending, turnID)
	delete(w.scheduled, turnID)
	for _, ev := range events {
		throw := ev.Record().Throw
		if throw == nil {
			continue
		}
		if ev.Op == eventbus.OpDelete {
			w.state.RemoveThrow(turnID, throw.ID)
		} else {
			w.state.UpsertThrow(*throw)
		}
	}
	if len(events) > 0 {
		if turn, ok := w.state.Turn(turnID); ok {
			w.celebrateTurn(ctx, turn)
		}
	}
}

// reconcileTurn re-fetches one turn's authoritative row set. A later
// reconcile simply supersedes an earlier one; there is no cancellation.
func (w *Watcher) reconcileTurn(ctx context.Context, turnID matchtypes.TurnID) {
	delete(w.scheduled, turnID)
	w.metrics.Reconciles.Inc()

	turn, err := w.reader.GetTurn(ctx, turnID)
	if err != nil {
		if errors.Is(err, matchdb.ErrTurnNotFound) {
			// The orphan events referenced a row that no longer exists.
			delete(w.pending, turnID)
			w.state.RemoveTurn(turnID)
			return
		}
		w.logger.WarnContext(ctx, "reconcile fetch failed",
			slog.String("turn_id", turnID.String()), slog.Any("error", err))
		return
	}
	if !w.state.KnowsLeg(turn.LegID) {
		w.reloadLegs(ctx)
	}
	delete(w.pending, turnID) // subsumed by the authoritative fetch
	w.state.ReplaceTurn(turn)
	if t, ok := w.state.Turn(turnID); ok {
		w.celebrateTurn(ctx, t)
	}
}

// scheduleRefresh coalesces bursts of notifications for one leg into a
// single full re-fetch. Spectators skip this; their incremental applies
// plus reconciles are enough.
func (w *Watcher) scheduleRefresh(legID matchtypes.LegID) {
	if w.opts.Spectator {
		return
	}
	d := w.debounces[legID]
	if d == nil {
		d = &debounceState{coalesced: 1}
		d.timer = time.AfterFunc(w.opts.DebounceWindow, func() {
			select {
			case w.refreshCh <- legID:
			default:
			}
		})
		w.debounces[legID] = d
		return
	}
	d.coalesced++
	if d.coalesced >= w.opts.MaxCoalesced {
		d.timer.Stop()
		select {
		case w.refreshCh <- legID:
		default:
		}
		return
	}
	d.timer.Reset(w.opts.DebounceWindow)
}

// refreshLeg replaces the leg's turns with the store's view.
func (w *Watcher) refreshLeg(ctx context.Context, legID matchtypes.LegID) {
	delete(w.debounces, legID)
	w.metrics.LegRefreshes.Inc()

	turns, err := w.reader.ListTurns(ctx, legID)
	if err != nil {
		w.logger.WarnContext(ctx, "leg refresh failed",
			slog.String("leg_id", legID.String()), slog.Any("error", err))
		return
	}
	w.state.ReplaceLegTurns(legID, turns)
	for _, t := range w.state.TurnsForLeg(legID) {
		w.celebrateTurn(ctx, t)
	}
}

// reloadLegs is the structural path: low-frequency, high-consequence, so
// always a full re-fetch of the slice rather than incremental patching.
func (w *Watcher) reloadLegs(ctx context.Context) {
	legs, err := w.reader.ListLegs(ctx, w.matchID)
	if err != nil {
		w.logger.WarnContext(ctx, "leg reload failed", slog.Any("error", err))
		return
	}
	w.state.SetLegs(legs)
	for _, leg := range legs {
		if leg.WinnerID != nil && w.state.MarkLegCelebrated(leg.ID) {
			w.publishSnapshot(ctx, &eventbus.Snapshot{
				Kind:    "leg_won",
				MatchID: w.matchID,
				Leg:     leg,
				Winner:  leg.WinnerID,
			})
		}
	}
	// A freshly created leg needs its turns before scoring resumes.
	if cur := w.state.CurrentLeg(); cur != nil && len(w.state.TurnsForLeg(cur.ID)) == 0 {
		turns, err := w.reader.ListTurns(ctx, cur.ID)
		if err != nil {
			w.logger.WarnContext(ctx, "current leg load failed",
				slog.String("leg_id", cur.ID.String()), slog.Any("error", err))
			return
		}
		w.state.SeedTurns(turns)
	}
}

func (w *Watcher) reloadMatch(ctx context.Context) {
	m, err := w.reader.GetMatch(ctx, w.matchID)
	if err != nil {
		w.logger.WarnContext(ctx, "match reload failed", slog.Any("error", err))
		return
	}
	w.state.SetMatch(m)
	if m.WinnerID != nil && !w.matchCelebrate {
		w.matchCelebrate = true
		w.publishSnapshot(ctx, &eventbus.Snapshot{
			Kind:    "match_won",
			MatchID: w.matchID,
			Winner:  m.WinnerID,
		})
	}
}

func (w *Watcher) reloadRoster(ctx context.Context) {
	players, err := w.reader.GetRoster(ctx, w.matchID)
	if err != nil {
		w.logger.WarnContext(ctx, "roster reload failed", slog.Any("error", err))
		return
	}
	w.state.SetRoster(players)
}

// maybePoll runs the fallback full-state poll for spectators whose live
// channel is down; it is suppressed while the channel is connected.
func (w *Watcher) maybePoll(ctx context.Context, channelLost bool) {
	if !w.opts.Spectator {
		return
	}
	if !channelLost && w.bus.Connected() {
		return
	}
	if !w.pollLimiter.Allow() {
		return
	}
	w.metrics.Polls.Inc()

	w.reloadMatch(ctx)
	w.reloadLegs(ctx)
	if cur := w.state.CurrentLeg(); cur != nil {
		w.refreshPolledLeg(ctx, cur.ID)
	}
}

func (w *Watcher) refreshPolledLeg(ctx context.Context, legID matchtypes.LegID) {
	turns, err := w.reader.ListTurns(ctx, legID)
	if err != nil {
		w.logger.WarnContext(ctx, "poll leg fetch failed",
			slog.String("leg_id", legID.String()), slog.Any("error", err))
		return
	}
	w.state.ReplaceLegTurns(legID, turns)
	for _, t := range w.state.TurnsForLeg(legID) {
		w.celebrateTurn(ctx, t)
	}
}

// celebrateTurn marks a completed turn exactly once and fans the snapshot
// out to commentary/statistics collaborators.
func (w *Watcher) celebrateTurn(ctx context.Context, turn matchtypes.Turn) {
	if !turn.Complete() || !w.state.MarkTurnCelebrated(turn.ID) {
		return
	}
	w.metrics.TurnsCompleted.Inc()
	if w.opts.OnTurnCompleted != nil {
		w.opts.OnTurnCompleted(&turn)
	}
	scores := make(map[matchtypes.PlayerID]int)
	for _, st := range w.state.Scoreboard().Standings {
		scores[st.PlayerID] = st.Remaining
	}
	w.publishSnapshot(ctx, &eventbus.Snapshot{
		Kind:    "turn_completed",
		MatchID: w.matchID,
		Turn:    &turn,
		Scores:  scores,
	})
}

func (w *Watcher) publishSnapshot(ctx context.Context, snap *eventbus.Snapshot) {
	msg, err := eventbus.MarshalSnapshot(snap)
	if err != nil {
		w.logger.WarnContext(ctx, "failed to marshal snapshot", slog.Any("error", err))
		return
	}
	if err := w.bus.Publish(ctx, eventbus.TopicSnapshots, msg); err != nil {
		w.logger.WarnContext(ctx, "failed to publish snapshot", slog.Any("error", err))
	}
}
