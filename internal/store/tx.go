package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Tx is a transactional scope over the store. All Queries methods called on
// a Tx join its transaction. A Tx is finalized exactly once, by whichever of
// Commit, Rollback or Close comes first.
//
// The store holds a single connection, so code running inside a Tx must not
// call methods on the parent Store until the Tx is finalized.
type Tx struct {
	Queries
	tx   *sql.Tx
	once sync.Once
	err  error
}

// Begin opens a transactional scope.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", classify(err))
	}
	t := &Tx{tx: sqlTx}
	t.Queries = Queries{
		q:   sqlTx,
		now: s.now,
		atomic: func(ctx context.Context, fn func(q querier) error) error {
			return fn(sqlTx)
		},
	}
	return t, nil
}

// Commit commits the transaction. Committing a finalized scope returns
// sql.ErrTxDone.
func (t *Tx) Commit() error {
	finalized := true
	t.once.Do(func() {
		finalized = false
		if err := t.tx.Commit(); err != nil {
			t.err = fmt.Errorf("commit: %w", classify(err))
		}
	})
	if finalized {
		return sql.ErrTxDone
	}
	return t.err
}

// Rollback discards the transaction.
func (t *Tx) Rollback() error {
	t.once.Do(func() {
		if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
			t.err = fmt.Errorf("rollback: %w", err)
		}
	})
	return t.err
}

// Close rolls back unless the transaction was already finalized.
// Safe to defer immediately after Begin.
func (t *Tx) Close() {
	_ = t.Rollback()
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including when fn panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
