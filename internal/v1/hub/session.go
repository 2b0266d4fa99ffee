// Package hub implements the signaling core: per-connection sessions, the
// router that turns client intents into pub/sub publishes, the call
// coordinator, and the HTTP control surface.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iparaskev/hopp/internal/v1/bus"
	"github.com/iparaskev/hopp/internal/v1/logging"
	"github.com/iparaskev/hopp/internal/v1/metrics"
	"github.com/iparaskev/hopp/internal/v1/protocol"
	"github.com/iparaskev/hopp/internal/v1/store"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	// outboundQueueSize bounds the per-session write queue. A consumer that
	// falls this far behind is closed instead of growing memory.
	outboundQueueSize = 64

	writeWait = 10 * time.Second
)

// busForwardable is the set of bus message types a session relays to its
// WebSocket. Everything else arriving on the user channel is ignored. Errors
// are forwardable because failed call setups report to both parties through
// their channels.
var busForwardable = map[protocol.Type]struct{}{
	protocol.TypeError:          {},
	protocol.TypeIncomingCall:   {},
	protocol.TypeCallReject:     {},
	protocol.TypeCallAccept:     {},
	protocol.TypeCallTokens:     {},
	protocol.TypeCallEnd:        {},
	protocol.TypeTeammateOnline: {},
}

// Session bridges one authenticated WebSocket with the user's pub/sub
// channel. It owns the connection, the subscription, and a single cancellation
// signal; when any owned resource fails, everything is torn down.
type Session struct {
	user   *store.User
	conn   wsConnection
	bus    *bus.Service
	router *Router
	coord  *Coordinator

	sub      *bus.Subscription
	outbound chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newSession wires a session for an upgraded connection. run must be called
// to start the pumps.
func newSession(parent context.Context, user *store.User, conn wsConnection, busSvc *bus.Service, router *Router, coord *Coordinator) *Session {
	ctx, cancel := context.WithCancel(parent)
	ctx = context.WithValue(ctx, logging.UserIDKey, user.ID)
	return &Session{
		user:     user,
		conn:     conn,
		bus:      busSvc,
		router:   router,
		coord:    coord,
		outbound: make(chan []byte, outboundQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// run subscribes to the user channel, greets the client, pushes a presence
// notification to every online teammate, and blocks until the session ends.
func (s *Session) run() error {
	sub, err := s.bus.Subscribe(s.ctx, s.user.ID)
	if err != nil {
		s.writeDirect(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Error: "failed to join presence channel"}))
		_ = s.conn.Close()
		s.cancel()
		return err
	}
	s.sub = sub

	metrics.IncSession()
	logging.Info(s.ctx, "Session started")

	s.enqueue(protocol.MustEncode(protocol.TypeSuccess, protocol.SuccessPayload{Message: "connected"}))
	s.announcePresence()

	s.wg.Add(2)
	go s.writePump()
	go s.busPump()
	s.readPump()

	s.wg.Wait()
	s.shutdown()
	logging.Info(s.ctx, "Session ended")
	return nil
}

// shutdown releases every owned resource exactly once. Safe to call from any
// goroutine and on every exit path; releasing the subscription is what makes
// the user go absent cluster-wide.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.sub != nil {
			_ = s.sub.Close()
		}
		_ = s.conn.Close()
		metrics.DecSession()
	})
}

// announcePresence tells each online teammate this user just connected.
func (s *Session) announcePresence() {
	teammates, err := s.router.store.TeammatesOf(s.ctx, s.user)
	if err != nil {
		logging.Warn(s.ctx, "Failed to load teammates for presence push", zap.Error(err))
		return
	}

	frame := protocol.MustEncode(protocol.TypeTeammateOnline, protocol.TeammateOnlinePayload{TeammateID: s.user.ID})
	for _, teammate := range teammates {
		present, err := s.bus.IsPresent(s.ctx, teammate.ID)
		if err != nil || !present {
			continue
		}
		if err := s.bus.Publish(s.ctx, teammate.ID, frame); err != nil {
			logging.Warn(s.ctx, "Presence push failed", zap.String("teammate_id", teammate.ID), zap.Error(err))
		}
	}
}

// enqueue hands a frame to the single writer. A full queue means the consumer
// stalled for 64 messages; the session is closed rather than buffering more.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.outbound <- frame:
	case <-s.ctx.Done():
	default:
		logging.Warn(s.ctx, "Outbound queue full, closing slow session")
		s.shutdown()
	}
}

// writeDirect bypasses the queue for pre-pump failures (the pumps are not
// running yet, so there is no writer to race with).
func (s *Session) writeDirect(frame []byte) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.TextMessage, frame)
}

// writePump is the sole writer to the WebSocket. Frames are written in
// enqueue order regardless of which loop produced them.
func (s *Session) writePump() {
	defer s.wg.Done()
	defer s.shutdown()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Warn(s.ctx, "Socket write failed", zap.Error(err))
				return
			}
		}
	}
}

// busPump relays frames from the user channel to the WebSocket, filtered to
// the forwardable set. Published bytes pass through unmodified.
func (s *Session) busPump() {
	defer s.wg.Done()
	defer s.shutdown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.sub.Frames():
			if !ok {
				logging.Warn(s.ctx, "Bus subscription closed")
				return
			}

			frame := []byte(msg.Payload)
			decoded, err := protocol.Decode(frame)
			if err != nil {
				logging.Warn(s.ctx, "Dropping undecodable bus frame", zap.Error(err))
				continue
			}
			if _, ok := busForwardable[decoded.Type]; !ok {
				continue
			}
			s.enqueue(frame)
		}
	}
}

// readPump consumes client frames in receive order and dispatches on type.
// Runs on the session's own goroutine; returning tears the session down.
func (s *Session) readPump() {
	defer s.shutdown()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if messageType != websocket.TextMessage {
			logging.Warn(s.ctx, "Ignoring non-text frame", zap.Int("message_type", messageType))
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				logging.Warn(s.ctx, "Dropping unknown message type", zap.String("type", string(msg.Type)))
				metrics.SignalingEvents.WithLabelValues("unknown", "dropped").Inc()
				continue
			}
			s.enqueue(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Error: "malformed message"}))
			metrics.SignalingEvents.WithLabelValues("invalid", "error").Inc()
			continue
		}

		s.dispatch(msg, data)
	}
}

// dispatch routes one inbound message. raw is the original frame, forwarded
// unmodified where the protocol passes messages through.
func (s *Session) dispatch(msg protocol.Message, raw []byte) {
	status := "ok"
	defer func() {
		metrics.SignalingEvents.WithLabelValues(string(msg.Type), status).Inc()
	}()

	switch msg.Type {
	case protocol.TypePing:
		s.enqueue(protocol.MustEncode(protocol.TypePong, protocol.PongPayload{Message: "pong"}))

	case protocol.TypeCallRequest:
		var p protocol.CallRequestPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.CalleeID == "" {
			status = "invalid"
			s.enqueue(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Error: "malformed call_request"}))
			return
		}
		rang := s.router.InitiateCall(s.ctx, s.user, p.CalleeID)
		if !rang {
			s.enqueue(protocol.MustEncode(protocol.TypeCalleeOffline, protocol.CalleeOfflinePayload{CalleeID: p.CalleeID}))
		}

	case protocol.TypeCallAccept:
		var p protocol.CallAcceptPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.CallerID == "" {
			status = "invalid"
			s.enqueue(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Error: "malformed call_accept"}))
			return
		}
		s.coord.Accept(s.ctx, s.user, p.CallerID, raw)

	case protocol.TypeCallReject:
		if err := s.router.ForwardToCaller(s.ctx, msg, raw); err != nil {
			status = "invalid"
			s.enqueue(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Error: "malformed call_reject"}))
		}

	case protocol.TypeCallEnd:
		var p protocol.CallEndPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ParticipantID == "" {
			status = "invalid"
			s.enqueue(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Error: "malformed call_end"}))
			return
		}
		s.router.ForwardTo(s.ctx, p.ParticipantID, raw)

	case protocol.TypeTeammateOnline:
		var p protocol.TeammateOnlinePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.TeammateID == "" {
			status = "invalid"
			s.enqueue(protocol.MustEncode(protocol.TypeError, protocol.ErrorPayload{Error: "malformed teammate_online"}))
			return
		}
		// Rewrite the payload so the recipient learns who came online,
		// not who they are.
		frame := protocol.MustEncode(protocol.TypeTeammateOnline, protocol.TeammateOnlinePayload{TeammateID: s.user.ID})
		s.router.ForwardTo(s.ctx, p.TeammateID, frame)

	default:
		status = "dropped"
		logging.Warn(s.ctx, "Unhandled message type", zap.String("type", string(msg.Type)))
	}
}
