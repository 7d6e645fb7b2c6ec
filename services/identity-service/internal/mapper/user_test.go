package mapper

import (
	"testing"
	"time"

	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/events"
)

func TestUserFromRegistered(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.FixedZone("x", 3600))
	user := UserFromRegistered(events.UserRegistered{
		ID:          " u1 ",
		Email:       "Ann@Example.com",
		PhoneNumber: "+15551230000",
	}, now)
	if user.ID != "u1" || user.Email != "ann@example.com" || user.PhoneNumber != "+15551230000" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !user.CreatedAt.Equal(now) || user.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC creation time, got %s", user.CreatedAt)
	}
}

func TestUserFromRegisteredWithoutID(t *testing.T) {
	user := UserFromRegistered(events.UserRegistered{PhoneNumber: " +1 "}, time.Now())
	if user.ID != "" || user.PhoneNumber != "+1" {
		t.Fatalf("expected the id to stay empty for the store to judge, got %+v", user)
	}
}
