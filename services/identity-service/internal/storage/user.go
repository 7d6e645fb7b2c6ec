package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicate = errors.New("user already exists")
	// ErrMissingKey rejects a user without an id; the id is the primary key.
	ErrMissingKey = errors.New("user id is required")
)

type User struct {
	ID          string
	UserName    string
	Email       string
	PhoneNumber string
	CreatedAt   time.Time
}

// Users is the user collection visible inside one scope.
type Users interface {
	Add(ctx context.Context, user User) error
}

// Scope is an isolated unit of work. Nothing is visible to other scopes
// until Commit; Rollback after Commit is a no-op.
type Scope interface {
	Users() Users
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Scopes opens a fresh Scope per call. Concurrent scopes never share state.
type Scopes interface {
	Begin(ctx context.Context) (Scope, error)
}
