package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func rowsAffectedOrNotFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// WithTx executes fn inside a transaction when db is *sql.DB.
// If db is already a *sql.Tx, fn is executed directly.
func WithTx(ctx context.Context, db DBTX, fn func(DBTX) error) error {
	if db == nil {
		return errors.New("database not initialized")
	}
	if tx, ok := db.(*sql.Tx); ok {
		return fn(tx)
	}
	sqlDB, ok := db.(*sql.DB)
	if !ok {
		return errors.New("unsupported db type")
	}
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v (rollback error: %w)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

type sqlTxManager struct {
	db *sql.DB
}

// NewTxManager returns a TxManager backed by Postgres.
func NewTxManager(db *sql.DB) TxManager {
	return &sqlTxManager{db: db}
}

func newRepositories(db DBTX) Repositories {
	return Repositories{
		Conversations: NewConversationRepository(db),
		Messages:      NewMessageRepository(db),
		Reactions:     NewReactionRepository(db),
		Outbox:        NewOutboxRepository(db),
	}
}

func (m *sqlTxManager) Repos() Repositories {
	return newRepositories(m.db)
}

func (m *sqlTxManager) WithinTx(ctx context.Context, fn func(Repositories) error) error {
	return WithTx(ctx, m.db, func(tx DBTX) error {
		return fn(newRepositories(tx))
	})
}
