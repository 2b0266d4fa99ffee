package hub

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/iparaskev/hopp/internal/v1/bus"
	"github.com/iparaskev/hopp/internal/v1/logging"
	"github.com/iparaskev/hopp/internal/v1/protocol"
	"github.com/iparaskev/hopp/internal/v1/store"
)

// Router turns client intents into pub/sub publishes on recipients'
// channels. Publishes are best-effort: a failed publish is logged and
// swallowed, the client recovers through its own timeouts.
type Router struct {
	bus   *bus.Service
	store store.Store
}

// NewRouter creates a Router over the shared bus and store.
func NewRouter(busSvc *bus.Service, st store.Store) *Router {
	return &Router{bus: busSvc, store: st}
}

// InitiateCall rings the callee if anyone is listening on their channel.
// Returns false when the callee is offline (or presence is unknown), in which
// case nothing is published and the caller should be told directly. Ringing a
// dead channel would leave the caller waiting on silence.
func (r *Router) InitiateCall(ctx context.Context, caller *store.User, calleeID string) bool {
	present, err := r.bus.IsPresent(ctx, calleeID)
	if err != nil {
		logging.Warn(ctx, "Presence lookup failed, treating callee as offline",
			zap.String("callee_id", calleeID), zap.Error(err))
		return false
	}
	if !present {
		return false
	}

	frame := protocol.MustEncode(protocol.TypeIncomingCall, protocol.IncomingCallPayload{CallerID: caller.ID})
	if err := r.bus.Publish(ctx, calleeID, frame); err != nil {
		logging.Warn(ctx, "Failed to ring callee", zap.String("callee_id", calleeID), zap.Error(err))
	}
	return true
}

// ForwardToCaller relays a call_reject to the caller named in its payload.
// The original frame passes through unmodified.
func (r *Router) ForwardToCaller(ctx context.Context, msg protocol.Message, raw []byte) error {
	var p protocol.CallRejectPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	if p.CallerID == "" {
		return errors.New("call_reject missing caller_id")
	}

	if err := r.bus.Publish(ctx, p.CallerID, raw); err != nil {
		logging.Warn(ctx, "Failed to forward call_reject", zap.String("caller_id", p.CallerID), zap.Error(err))
	}
	return nil
}

// ForwardTo publishes a frame on a user's channel. Used for call_end and
// teammate_online.
func (r *Router) ForwardTo(ctx context.Context, userID string, frame []byte) {
	if err := r.bus.Publish(ctx, userID, frame); err != nil {
		logging.Warn(ctx, "Failed to forward message", zap.String("user_id", userID), zap.Error(err))
	}
}
