// internal/database/store.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store hands out Queries bound either to the pool or to a transaction.
type Store struct {
	db TxBeginner
}

// NewStore creates a Store on top of a pool.
func NewStore(db TxBeginner) *Store {
	return &Store{db: db}
}

// Queries returns non-transactional Queries on the pool.
func (s *Store) Queries() *Queries {
	return New(s.db)
}

// RunInTransaction runs fn in a transaction that is committed when fn returns nil
// and rolled back when fn returns an error or panics. A panic is returned as an error.
func (s *Store) RunInTransaction(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transaction aborted by panic: %v", p)
		}
		if err != nil {
			// Rollback is a no-op if the transaction is already committed.
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&txQueries{Queries: New(tx), tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txQueries struct {
	*Queries
	tx pgx.Tx
}

var _ Tx = (*txQueries)(nil)

func (t *txQueries) Savepoint(ctx context.Context, fn func(Querier) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(New(sp)); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback savepoint: %w", rbErr))
		}
		return err
	}
	return sp.Commit(ctx)
}
