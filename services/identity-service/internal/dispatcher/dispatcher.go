package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/identitybus/services/identity-service/internal/events"
	"github.com/tidwall/gjson"
)

// Outcome is the terminal state of one dispatched message.
type Outcome int

const (
	// Ignored: the discriminator is absent or not in the registry.
	Ignored Outcome = iota
	// Handled: the handler completed.
	Handled
	// Failed: the handler returned an error worth retrying.
	Failed
	// Malformed: the body or payload can never be processed.
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Handled:
		return "handled"
	case Failed:
		return "failed"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ErrInvalidPayload marks handler errors that retrying cannot fix.
var ErrInvalidPayload = errors.New("invalid payload")

// HandlerFunc handles the raw body of one recognized event.
type HandlerFunc func(ctx context.Context, raw []byte) error

// Decode adapts a typed handler: the body is decoded once into T.
func Decode[T any](fn func(ctx context.Context, payload T) error) HandlerFunc {
	return func(ctx context.Context, raw []byte) error {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return fn(ctx, payload)
	}
}

// Dispatcher classifies messages by their discriminator and routes them to
// the registered handler.
type Dispatcher struct {
	logger   *slog.Logger
	handlers map[string]HandlerFunc
}

func newDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With("component", "dispatcher"),
		handlers: map[string]HandlerFunc{},
	}
}

func (d *Dispatcher) register(event string, h HandlerFunc) {
	d.handlers[event] = h
}

// ProcessEvent handles raw and swallows every failure; outcomes are only
// visible in the logs.
func (d *Dispatcher) ProcessEvent(ctx context.Context, raw []byte) {
	_ = d.Dispatch(ctx, raw)
}

// Dispatch handles raw like ProcessEvent and reports the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "panic", fmt.Sprint(r))
			outcome = Failed
		}
	}()

	if !gjson.ValidBytes(raw) {
		d.logger.Warn("malformed event body", "bytes", len(raw))
		return Malformed
	}

	discriminator := gjson.GetBytes(raw, events.DiscriminatorField)
	if discriminator.Type != gjson.String {
		d.logger.Info("could not determine the event type")
		return Ignored
	}
	handler, ok := d.handlers[discriminator.Str]
	if !ok {
		d.logger.Info("could not determine the event type", "event", discriminator.Str)
		return Ignored
	}

	d.logger.Debug("event detected", "event", discriminator.Str)
	if err := handler(ctx, raw); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			d.logger.Error("event rejected", "event", discriminator.Str, "err", err)
			return Malformed
		}
		d.logger.Error("event handling failed", "event", discriminator.Str, "err", err)
		return Failed
	}
	return Handled
}
