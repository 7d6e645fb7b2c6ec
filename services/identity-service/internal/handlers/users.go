package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/identitybus/libs/httpx"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/events"
	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/publisher"
)

// Publisher is the outbound side used by the HTTP layer.
type Publisher interface {
	Publish(ctx context.Context, event publisher.Event) error
}

type UsersHandler struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewUsersHandler(p Publisher, logger *slog.Logger) *UsersHandler {
	return &UsersHandler{publisher: p, logger: logger}
}

type createUserRequest struct {
	ID          string `json:"id"`
	UserName    string `json:"user_name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
}

type createUserResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Create announces a new user on the bus. The response only confirms the
// event was handed to the publisher.
func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" && strings.TrimSpace(req.PhoneNumber) == "" {
		http.Error(w, "email or phone_number required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	event := events.UserPublished{
		Event:       events.UserCreated,
		ID:          req.ID,
		UserName:    strings.TrimSpace(req.UserName),
		Email:       req.Email,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
	}
	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.logger.Error("publish user created failed",
			"err", err,
			"user_id", event.ID,
			"request_id", httpx.RequestIDFromContext(r.Context()),
		)
		http.Error(w, "failed to publish event", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusAccepted, createUserResponse{ID: event.ID, Status: "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
