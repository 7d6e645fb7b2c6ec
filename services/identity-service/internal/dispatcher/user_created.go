package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/events"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/mapper"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/storage"
)

// New returns a dispatcher with the closed event registry:
// User_Created → insert a user.
func New(logger *slog.Logger, scopes storage.Scopes) *Dispatcher {
	d := newDispatcher(logger)
	users := &userCreated{scopes: scopes, logger: d.logger, now: time.Now}
	d.register(events.UserCreated, Decode(users.handle))
	return d
}

type userCreated struct {
	scopes storage.Scopes
	logger *slog.Logger
	now    func() time.Time
}

// handle inserts the user inside its own scope.
func (h *userCreated) handle(ctx context.Context, payload events.UserRegistered) error {
	user := mapper.UserFromRegistered(payload, h.now())

	scope, err := h.scopes.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin scope: %w", err)
	}
	defer func() { _ = scope.Rollback(ctx) }()

	if err := scope.Users().Add(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			h.logger.Info("duplicate user ignored", "user_id", user.ID)
			return nil
		}
		if errors.Is(err, storage.ErrMissingKey) {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return fmt.Errorf("add user %s: %w", user.ID, err)
	}
	if err := scope.Commit(ctx); err != nil {
		return fmt.Errorf("commit user %s: %w", user.ID, err)
	}

	h.logger.Info("user added to store", "user_id", user.ID, "phone_number", user.PhoneNumber)
	return nil
}
