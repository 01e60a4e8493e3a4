package matchdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Connect opens a Postgres connection pool wrapped in bun.
func Connect(dsn string) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if err := sqldb.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	db.RegisterModel((*Match)(nil), (*RosterEntry)(nil), (*Leg)(nil), (*Turn)(nil), (*Throw)(nil))
	return db, nil
}

// EnsureSchema creates the five tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db *bun.DB) error {
	models := []interface{}{
		(*Match)(nil),
		(*RosterEntry)(nil),
		(*Leg)(nil),
		(*Turn)(nil),
		(*Throw)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}
	return nil
}
