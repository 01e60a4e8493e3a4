package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

// Topics carried on the shared bus. All matches share TopicChanges; clients
// filter by match id, which is why cross-match isolation matters.
const (
	TopicChanges   = "oche.match.changes"
	TopicSnapshots = "oche.match.snapshots"
)

// Entity tags which collection a change notification is about.
type Entity string

const (
	EntityThrow  Entity = "throw"
	EntityTurn   Entity = "turn"
	EntityLeg    Entity = "leg"
	EntityMatch  Entity = "match"
	EntityRoster Entity = "roster"
)

// Op is the mutation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Payload carries the row image for exactly one entity kind. Turn payloads
// never include child throws; those travel as their own events.
type Payload struct {
	Throw  *matchtypes.Throw       `json:"throw,omitempty"`
	Turn   *matchtypes.Turn        `json:"turn,omitempty"`
	Leg    *matchtypes.Leg         `json:"leg,omitempty"`
	Match  *matchtypes.Match       `json:"match,omitempty"`
	Roster *matchtypes.RosterEntry `json:"roster,omitempty"`
}

// ChangeEvent is one at-least-once, possibly out-of-order notification
// about a store mutation. Delivery may also be dropped entirely, so
// consumers must treat it as a hint, never as the authoritative row.
type ChangeEvent struct {
	Entity  Entity             `json:"entity"`
	Op      Op                 `json:"op"`
	MatchID matchtypes.MatchID `json:"match_id"`
	New     *Payload           `json:"new,omitempty"`
	Old     *Payload           `json:"old,omitempty"`
}

// Record returns the row image relevant to the operation: the new image
// for inserts/updates, the old one for deletes.
func (e *ChangeEvent) Record() *Payload {
	if e.Op == OpDelete {
		return e.Old
	}
	return e.New
}

// Validate checks the tagged union at the boundary before the event may
// enter the idempotent-apply path.
func (e *ChangeEvent) Validate() error {
	switch e.Entity {
	case EntityThrow, EntityTurn, EntityLeg, EntityMatch, EntityRoster:
	default:
		return fmt.Errorf("unknown entity %q", e.Entity)
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	if e.MatchID == "" {
		return fmt.Errorf("%s %s event without match id", e.Entity, e.Op)
	}
	rec := e.Record()
	if rec == nil {
		return fmt.Errorf("%s %s event without row image", e.Entity, e.Op)
	}
	ok := false
	switch e.Entity {
	case EntityThrow:
		ok = rec.Throw != nil
	case EntityTurn:
		ok = rec.Turn != nil
	case EntityLeg:
		ok = rec.Leg != nil
	case EntityMatch:
		ok = rec.Match != nil
	case EntityRoster:
		ok = rec.Roster != nil
	}
	if !ok {
		return fmt.Errorf("%s %s event with mismatched payload", e.Entity, e.Op)
	}
	return nil
}

// MarshalChange packs a ChangeEvent into a watermill message. Entity, op
// and match id are mirrored into metadata so subscribers can filter without
// decoding the body.
func MarshalChange(ev *ChangeEvent) (*message.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), body)
	msg.Metadata.Set("entity", string(ev.Entity))
	msg.Metadata.Set("op", string(ev.Op))
	msg.Metadata.Set("match_id", ev.MatchID.String())
	return msg, nil
}

// UnmarshalChange decodes and validates a ChangeEvent from a message.
func UnmarshalChange(msg *message.Message) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Snapshot is a read-only completion record for commentary/statistics
// collaborators. It never feeds back into the scoring engine.
type Snapshot struct {
	Kind    string                        `json:"kind"` // turn_completed | leg_won | match_won
	MatchID matchtypes.MatchID            `json:"match_id"`
	Turn    *matchtypes.Turn              `json:"turn,omitempty"`
	Leg     *matchtypes.Leg               `json:"leg,omitempty"`
	Scores  map[matchtypes.PlayerID]int   `json:"scores,omitempty"`
	Winner  *matchtypes.PlayerID          `json:"winner,omitempty"`
}

// MarshalSnapshot packs a Snapshot into a watermill message.
func MarshalSnapshot(s *Snapshot) (*message.Message, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), body)
	msg.Metadata.Set("kind", s.Kind)
	msg.Metadata.Set("match_id", s.MatchID.String())
	return msg, nil
}
