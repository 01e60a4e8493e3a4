package matchdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/uptrace/bun"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

// MatchDBImpl implements Repository on top of Postgres via bun.
type MatchDBImpl struct {
	DB *bun.DB
}

var _ Repository = (*MatchDBImpl)(nil)

// --- matches ---

func (db *MatchDBImpl) CreateMatch(ctx context.Context, m *matchtypes.Match) error {
	row := matchToRow(m)
	err := db.DB.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return err
		}
		for i, p := range m.Players {
			entry := &RosterEntry{MatchID: m.ID.String(), PlayerID: p.String(), Position: i}
			if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create match %s: %w", m.ID, err)
	}
	return nil
}

func (db *MatchDBImpl) GetMatch(ctx context.Context, id matchtypes.MatchID) (*matchtypes.Match, error) {
	var row Match
	err := db.DB.NewSelect().Model(&row).Where("id = ?", id.String()).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("failed to fetch match %s: %w", id, err)
	}
	m := matchFromRow(&row)
	players, err := db.GetRoster(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Players = players
	return m, nil
}

func (db *MatchDBImpl) GetRoster(ctx context.Context, matchID matchtypes.MatchID) ([]matchtypes.PlayerID, error) {
	var rows []RosterEntry
	err := db.DB.NewSelect().Model(&rows).
		Where("match_id = ?", matchID.String()).
		Order("position ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roster for match %s: %w", matchID, err)
	}
	players := make([]matchtypes.PlayerID, 0, len(rows))
	for _, r := range rows {
		players = append(players, matchtypes.PlayerID(r.PlayerID))
	}
	return players, nil
}

func (db *MatchDBImpl) SetMatchWinner(ctx context.Context, id matchtypes.MatchID, winner matchtypes.PlayerID) error {
	res, err := db.DB.NewUpdate().Model((*Match)(nil)).
		Set("winner_id = ?", winner.String()).
		Where("id = ?", id.String()).
		Exec(ctx)
	return checkUpdated(res, err, ErrMatchNotFound, "failed to set winner for match "+id.String())
}

func (db *MatchDBImpl) ClearMatchWinner(ctx context.Context, id matchtypes.MatchID) error {
	res, err := db.DB.NewUpdate().Model((*Match)(nil)).
		Set("winner_id = NULL").
		Where("id = ?", id.String()).
		Exec(ctx)
	return checkUpdated(res, err, ErrMatchNotFound, "failed to clear winner for match "+id.String())
}

func (db *MatchDBImpl) SetMatchEndedEarly(ctx context.Context, id matchtypes.MatchID) error {
	res, err := db.DB.NewUpdate().Model((*Match)(nil)).
		Set("ended_early = TRUE").
		Where("id = ?", id.String()).
		Exec(ctx)
	return checkUpdated(res, err, ErrMatchNotFound, "failed to mark match "+id.String()+" ended early")
}

// --- legs ---

func (db *MatchDBImpl) CreateLeg(ctx context.Context, leg *matchtypes.Leg) error {
	row := legToRow(leg)
	if _, err := db.DB.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create leg %s: %w", leg.ID, err)
	}
	return nil
}

func (db *MatchDBImpl) ListLegs(ctx context.Context, matchID matchtypes.MatchID) ([]*matchtypes.Leg, error) {
	var rows []Leg
	err := db.DB.NewSelect().Model(&rows).
		Where("match_id = ?", matchID.String()).
		Order("sequence ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch legs for match %s: %w", matchID, err)
	}
	legs := make([]*matchtypes.Leg, 0, len(rows))
	for i := range rows {
		legs = append(legs, legFromRow(&rows[i]))
	}
	return legs, nil
}

func (db *MatchDBImpl) SetLegWinner(ctx context.Context, id matchtypes.LegID, winner *matchtypes.PlayerID) error {
	q := db.DB.NewUpdate().Model((*Leg)(nil)).Where("id = ?", id.String())
	if winner == nil {
		q = q.Set("winner_id = NULL")
	} else {
		q = q.Set("winner_id = ?", winner.String())
	}
	res, err := q.Exec(ctx)
	return checkUpdated(res, err, ErrLegNotFound, "failed to set winner for leg "+id.String())
}

// --- turns ---

func (db *MatchDBImpl) CreateTurn(ctx context.Context, turn *matchtypes.Turn) error {
	row := turnToRow(turn)
	if _, err := db.DB.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create turn %s: %w", turn.ID, err)
	}
	return nil
}

func (db *MatchDBImpl) UpdateTurn(ctx context.Context, id matchtypes.TurnID, total int, busted, finished bool) error {
	res, err := db.DB.NewUpdate().Model((*Turn)(nil)).
		Set("total = ?", total).
		Set("busted = ?", busted).
		Set("finished = ?", finished).
		Where("id = ?", id.String()).
		Exec(ctx)
	return checkUpdated(res, err, ErrTurnNotFound, "failed to update turn "+id.String())
}

func (db *MatchDBImpl) GetTurn(ctx context.Context, id matchtypes.TurnID) (*matchtypes.Turn, error) {
	var row Turn
	err := db.DB.NewSelect().Model(&row).Where("id = ?", id.String()).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTurnNotFound
		}
		return nil, fmt.Errorf("failed to fetch turn %s: %w", id, err)
	}
	turn := turnFromRow(&row)
	throws, err := db.ListThrows(ctx, id)
	if err != nil {
		return nil, err
	}
	turn.Throws = throws
	return turn, nil
}

func (db *MatchDBImpl) ListTurns(ctx context.Context, legID matchtypes.LegID) ([]*matchtypes.Turn, error) {
	var rows []Turn
	err := db.DB.NewSelect().Model(&rows).
		Where("leg_id = ?", legID.String()).
		Order("sequence ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch turns for leg %s: %w", legID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	turns := make([]*matchtypes.Turn, 0, len(rows))
	byID := make(map[string]*matchtypes.Turn, len(rows))
	ids := make([]string, 0, len(rows))
	for i := range rows {
		t := turnFromRow(&rows[i])
		turns = append(turns, t)
		byID[rows[i].ID] = t
		ids = append(ids, rows[i].ID)
	}

	var throwRows []Throw
	err = db.DB.NewSelect().Model(&throwRows).
		Where("turn_id IN (?)", bun.In(ids)).
		Order("idx ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch throws for leg %s: %w", legID, err)
	}
	for i := range throwRows {
		t := byID[throwRows[i].TurnID]
		t.Throws = append(t.Throws, throwFromRow(&throwRows[i]))
	}
	for _, t := range turns {
		sort.Slice(t.Throws, func(i, j int) bool { return t.Throws[i].Index < t.Throws[j].Index })
	}
	return turns, nil
}

// --- throws ---

func (db *MatchDBImpl) InsertThrow(ctx context.Context, throw *matchtypes.Throw) error {
	row := throwToRow(throw)
	if _, err := db.DB.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert throw %s: %w", throw.ID, err)
	}
	return nil
}

func (db *MatchDBImpl) UpdateThrow(ctx context.Context, throw *matchtypes.Throw) error {
	res, err := db.DB.NewUpdate().Model((*Throw)(nil)).
		Set("segment = ?", string(throw.Segment)).
		Set("idx = ?", throw.Index).
		Where("id = ?", throw.ID.String()).
		Exec(ctx)
	return checkUpdated(res, err, ErrThrowNotFound, "failed to update throw "+throw.ID.String())
}

func (db *MatchDBImpl) DeleteThrow(ctx context.Context, id matchtypes.ThrowID) error {
	res, err := db.DB.NewDelete().Model((*Throw)(nil)).
		Where("id = ?", id.String()).
		Exec(ctx)
	return checkUpdated(res, err, ErrThrowNotFound, "failed to delete throw "+id.String())
}

func (db *MatchDBImpl) ListThrows(ctx context.Context, turnID matchtypes.TurnID) ([]matchtypes.Throw, error) {
	var rows []Throw
	err := db.DB.NewSelect().Model(&rows).
		Where("turn_id = ?", turnID.String()).
		Order("idx ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch throws for turn %s: %w", turnID, err)
	}
	throws := make([]matchtypes.Throw, 0, len(rows))
	for i := range rows {
		throws = append(throws, throwFromRow(&rows[i]))
	}
	return throws, nil
}

// --- row conversions ---

func matchToRow(m *matchtypes.Match) *Match {
	row := &Match{
		ID:         m.ID.String(),
		StartScore: m.StartScore,
		FinishRule: string(m.FinishRule),
		LegsToWin:  m.LegsToWin,
		FairEnding: m.FairEnding,
		EndedEarly: m.EndedEarly,
	}
	if m.WinnerID != nil {
		w := m.WinnerID.String()
		row.WinnerID = &w
	}
	return row
}

func matchFromRow(row *Match) *matchtypes.Match {
	m := &matchtypes.Match{
		ID:         matchtypes.MatchID(row.ID),
		StartScore: row.StartScore,
		FinishRule: matchtypes.FinishRule(row.FinishRule),
		LegsToWin:  row.LegsToWin,
		FairEnding: row.FairEnding,
		EndedEarly: row.EndedEarly,
	}
	if row.WinnerID != nil {
		w := matchtypes.PlayerID(*row.WinnerID)
		m.WinnerID = &w
	}
	return m
}

func legToRow(leg *matchtypes.Leg) *Leg {
	row := &Leg{
		ID:        leg.ID.String(),
		MatchID:   leg.MatchID.String(),
		Sequence:  leg.Sequence,
		StarterID: leg.StarterID.String(),
	}
	if leg.WinnerID != nil {
		w := leg.WinnerID.String()
		row.WinnerID = &w
	}
	return row
}

func legFromRow(row *Leg) *matchtypes.Leg {
	leg := &matchtypes.Leg{
		ID:        matchtypes.LegID(row.ID),
		MatchID:   matchtypes.MatchID(row.MatchID),
		Sequence:  row.Sequence,
		StarterID: matchtypes.PlayerID(row.StarterID),
	}
	if row.WinnerID != nil {
		w := matchtypes.PlayerID(*row.WinnerID)
		leg.WinnerID = &w
	}
	return leg
}

func turnToRow(t *matchtypes.Turn) *Turn {
	return &Turn{
		ID:            t.ID.String(),
		LegID:         t.LegID.String(),
		PlayerID:      t.PlayerID.String(),
		Sequence:      t.Sequence,
		Total:         t.Total,
		Busted:        t.Busted,
		Finished:      t.Finished,
		TiebreakRound: t.TiebreakRound,
	}
}

func turnFromRow(row *Turn) *matchtypes.Turn {
	return &matchtypes.Turn{
		ID:            matchtypes.TurnID(row.ID),
		LegID:         matchtypes.LegID(row.LegID),
		PlayerID:      matchtypes.PlayerID(row.PlayerID),
		Sequence:      row.Sequence,
		Total:         row.Total,
		Busted:        row.Busted,
		Finished:      row.Finished,
		TiebreakRound: row.TiebreakRound,
	}
}

func throwToRow(t *matchtypes.Throw) *Throw {
	return &Throw{
		ID:      t.ID.String(),
		TurnID:  t.TurnID.String(),
		Idx:     t.Index,
		Segment: string(t.Segment),
	}
}

func throwFromRow(row *Throw) matchtypes.Throw {
	return matchtypes.Throw{
		ID:      matchtypes.ThrowID(row.ID),
		TurnID:  matchtypes.TurnID(row.TurnID),
		Index:   row.Idx,
		Segment: matchtypes.ParseSegment(row.Segment),
	}
}

func checkUpdated(res sql.Result, err error, notFound error, msg string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		return notFound
	}
	return nil
}
