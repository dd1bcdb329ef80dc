package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type ctxKey struct{}

// TransactionManager runs a function inside a database transaction. The
// transaction travels in the context; stores pick it up via GetExecutor,
// so a single post's listing upsert and processed-flag flip commit
// atomically while unrelated posts proceed in parallel.
type TransactionManager struct {
	db *sqlx.DB
}

func NewTransactionManager(db *sqlx.DB) *TransactionManager {
	return &TransactionManager{db: db}
}

func (tm *TransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := tm.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txCtx := context.WithValue(ctx, ctxKey{}, tx)

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// GetExecutor returns the ambient transaction if one is in the context,
// otherwise the plain connection pool.
func GetExecutor(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx, ok := ctx.Value(ctxKey{}).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return db
}
