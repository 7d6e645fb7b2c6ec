// Package mapper turns inbound payloads into domain entities.
package mapper

import (
	"strings"
	"time"

	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/events"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/storage"
)

// UserFromRegistered maps a User_Created payload field by field. Whether the
// result is acceptable is up to the store.
func UserFromRegistered(p events.UserRegistered, now time.Time) storage.User {
	return storage.User{
		ID:          strings.TrimSpace(p.ID),
		UserName:    strings.TrimSpace(p.UserName),
		Email:       strings.ToLower(strings.TrimSpace(p.Email)),
		PhoneNumber: strings.TrimSpace(p.PhoneNumber),
		CreatedAt:   now.UTC(),
	}
}
