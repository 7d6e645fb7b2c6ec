package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/identitybus/libs/db"
)

// PgScopes opens one transaction per scope.
type PgScopes struct {
	pool *db.Pool
}

func NewPgScopes(pool *db.Pool) *PgScopes {
	return &PgScopes{pool: pool}
}

func (s *PgScopes) Begin(ctx context.Context) (Scope, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgScope{tx: tx}, nil
}

type pgScope struct {
	tx pgx.Tx
}

func (s *pgScope) Users() Users {
	return pgUsers{tx: s.tx}
}

func (s *pgScope) Commit(ctx context.Context) error {
	return s.tx.Commit(ctx)
}

func (s *pgScope) Rollback(ctx context.Context) error {
	err := s.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

type pgUsers struct {
	tx pgx.Tx
}

// Add rejects a second row with the same id as ErrDuplicate.
func (u pgUsers) Add(ctx context.Context, user User) error {
	if user.ID == "" {
		return ErrMissingKey
	}
	_, err := u.tx.Exec(ctx, `
		INSERT INTO users (id, user_name, email, phone_number, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.UserName, user.Email, user.PhoneNumber, user.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, user.ID)
	}
	return err
}
