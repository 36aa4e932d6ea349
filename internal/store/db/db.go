// Package db holds the generated-style query layer for the boxes and
// images databases. It follows the sqlc idiom the rest of this module
// assumes (a DBTX interface satisfied by both *sql.DB and *sql.Tx, one
// method per query, Queries.WithTx for transactional callers) even though
// it is hand-authored here: the upstream generator output for this schema
// was not available to copy, so this is the genuine implementation sqlc
// would have produced for the schema in internal/store/migrations.
package db

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx, letting every query method run
// either standalone or inside a caller-managed transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// BoxQueries is the generated-style query set for boxes.db.
type BoxQueries struct {
	db DBTX
}

func NewBoxQueries(dbtx DBTX) *BoxQueries { return &BoxQueries{db: dbtx} }

// WithTx returns a copy of q that runs against tx.
func (q *BoxQueries) WithTx(tx *sql.Tx) *BoxQueries {
	return &BoxQueries{db: tx}
}

// ImageQueries is the generated-style query set for images.db.
type ImageQueries struct {
	db DBTX
}

func NewImageQueries(dbtx DBTX) *ImageQueries { return &ImageQueries{db: dbtx} }

func (q *ImageQueries) WithTx(tx *sql.Tx) *ImageQueries {
	return &ImageQueries{db: tx}
}
