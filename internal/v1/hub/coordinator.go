package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iparaskev/hopp/internal/v1/bus"
	"github.com/iparaskev/hopp/internal/v1/logging"
	"github.com/iparaskev/hopp/internal/v1/metrics"
	"github.com/iparaskev/hopp/internal/v1/protocol"
	"github.com/iparaskev/hopp/internal/v1/store"
	"github.com/iparaskev/hopp/internal/v1/tokens"
)

// Coordinator drives the accepting half of the call-setup state machine.
// The hub holds no per-call state between requests: the whole call context
// lives on the stack of one Accept invocation, from the accepting frame to
// the publication of both token messages.
type Coordinator struct {
	bus    *bus.Service
	store  store.Store
	issuer *tokens.Issuer
}

// NewCoordinator creates a Coordinator over the shared dependencies.
func NewCoordinator(busSvc *bus.Service, st store.Store, issuer *tokens.Issuer) *Coordinator {
	return &Coordinator{bus: busSvc, store: st, issuer: issuer}
}

// Accept handles a call_accept from the callee: forward the acceptance to the
// caller, allocate a room, mint grants for both parties, and publish
// call_tokens to both channels. A lookup or mint failure publishes a common
// error to both sides and abandons the attempt before any token is published.
// A failed call_tokens publish is logged and not retried.
//
// There is no check that the caller ever sent a call_request: the client
// mediates the protocol and the server stays stateless between requests.
func (c *Coordinator) Accept(ctx context.Context, callee *store.User, callerID string, acceptFrame []byte) {
	start := time.Now()

	// The caller sees the acceptance even if token minting fails below;
	// their client is already waiting on a tokens-or-error deadline.
	if err := c.bus.Publish(ctx, callerID, acceptFrame); err != nil {
		logging.Warn(ctx, "Failed to forward call_accept", zap.String("caller_id", callerID), zap.Error(err))
	}

	caller, err := c.store.UserByID(ctx, callerID)
	if err != nil {
		logging.Error(ctx, "Caller lookup failed during accept", zap.String("caller_id", callerID), zap.Error(err))
		c.failBoth(ctx, callerID, callee.ID, "Failed to set up call")
		return
	}
	calleeRecord, err := c.store.UserByID(ctx, callee.ID)
	if err != nil {
		logging.Error(ctx, "Callee lookup failed during accept", zap.String("callee_id", callee.ID), zap.Error(err))
		c.failBoth(ctx, callerID, callee.ID, "Failed to set up call")
		return
	}
	callee = calleeRecord

	roomID := uuid.Must(uuid.NewV7()).String()
	callCtx := context.WithValue(ctx, logging.CallIDKey, roomID)

	callerGrants, err := c.issuer.CallGrants(roomID, caller.ID, caller.DisplayName)
	if err != nil {
		logging.Error(callCtx, "Token mint failed for caller", zap.Error(err))
		c.failBoth(callCtx, caller.ID, callee.ID, "Failed to generate tokens")
		return
	}
	calleeGrants, err := c.issuer.CallGrants(roomID, callee.ID, callee.DisplayName)
	if err != nil {
		logging.Error(callCtx, "Token mint failed for callee", zap.Error(err))
		c.failBoth(callCtx, caller.ID, callee.ID, "Failed to generate tokens")
		return
	}

	c.publishTokens(callCtx, caller.ID, callerGrants, callee.ID)
	c.publishTokens(callCtx, callee.ID, calleeGrants, caller.ID)

	metrics.CallSetups.WithLabelValues("ok").Inc()
	metrics.CallSetupDuration.Observe(time.Since(start).Seconds())
	logging.Info(callCtx, "Call established",
		zap.String("caller_id", caller.ID),
		zap.String("callee_id", callee.ID))
}

// publishTokens delivers one participant's grants; participant names the peer.
func (c *Coordinator) publishTokens(ctx context.Context, userID string, grants *tokens.GrantPair, participantID string) {
	frame := protocol.MustEncode(protocol.TypeCallTokens, protocol.CallTokensPayload{
		AudioToken:  grants.AudioToken,
		VideoToken:  grants.VideoToken,
		Participant: participantID,
	})
	if err := c.bus.Publish(ctx, userID, frame); err != nil {
		logging.Error(ctx, "Failed to publish call_tokens", zap.String("user_id", userID), zap.Error(err))
	}
}

// failBoth publishes a common error to both parties and counts the failure.
func (c *Coordinator) failBoth(ctx context.Context, callerID, calleeID, message string) {
	frame := protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Error: message})
	_ = c.bus.Publish(ctx, callerID, frame)
	_ = c.bus.Publish(ctx, calleeID, frame)
	metrics.CallSetups.WithLabelValues("error").Inc()
}
