// Package events holds the wire shapes and topology names shared by the
// publisher and the subscriber.
package events

// DiscriminatorField is the envelope field that names the event kind.
const DiscriminatorField = "Event"

// Event kinds known to the dispatcher.
const (
	UserCreated = "User_Created"
)

// Outbound topology.
const (
	ExchangeUserCreated = "userCreated"
	RoutingKeyUser      = "user"
)

// Inbound topology.
const (
	ExchangePasswordCreated = "passwordCreated"
	RoutingKeyPassword      = "password"
)

// UserPublished is emitted when a user registers. Envelope and payload share
// one flat object, so a peer dispatcher can classify it by Event.
type UserPublished struct {
	Event       string `json:"Event"`
	ID          string `json:"Id"`
	UserName    string `json:"UserName,omitempty"`
	Email       string `json:"Email,omitempty"`
	PhoneNumber string `json:"PhoneNumber,omitempty"`
}

func (e UserPublished) EventName() string { return e.Event }

// UserRegistered is the payload of a User_Created envelope.
type UserRegistered struct {
	ID          string `json:"Id"`
	UserName    string `json:"UserName"`
	Email       string `json:"Email"`
	PhoneNumber string `json:"PhoneNumber"`
}
