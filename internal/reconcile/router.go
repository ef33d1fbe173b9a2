package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"subledger/internal/types"
)

// Delivery is one verified event as seen by a handler.
type Delivery struct {
	ExternalID string
	Type       types.EventType
	Created    time.Time
	Object     json.RawMessage

	// Steps collects the activation step outcomes recorded during this run.
	Steps types.StepOutcomes
}

// HandlerFunc processes a single delivery.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Router maps event types to handlers. It is populated once at startup and
// read-only afterwards.
type Router struct {
	routes map[types.EventType]HandlerFunc
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{routes: make(map[types.EventType]HandlerFunc), logger: logger}
}

// Handle registers h for eventType, replacing any previous handler.
func (r *Router) Handle(eventType types.EventType, h HandlerFunc) {
	r.routes[eventType] = h
}

// Dispatch runs the handler for d.Type. An unknown type is logged at info
// and reported as not handled, never as an error.
func (r *Router) Dispatch(ctx context.Context, d *Delivery) (bool, error) {
	h, ok := r.routes[d.Type]
	if !ok {
		r.logger.InfoContext(ctx, "ignoring unhandled event type",
			"event_id", d.ExternalID,
			"event_type", string(d.Type),
		)
		return false, nil
	}
	return true, h(ctx, d)
}

// Types returns the registered event types.
func (r *Router) Types() []types.EventType {
	out := make([]types.EventType, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	return out
}
