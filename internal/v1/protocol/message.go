// Package protocol defines the signaling wire format shared by the WebSocket
// endpoint and the Redis bus. Every frame is a UTF-8 JSON object with a
// required "type" tag selecting the payload shape. Adding a tag requires
// touching the constants, the payload structs, and the bus forwarding filter
// in the hub package — keep them in sync.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type tags the signaling message variants.
type Type string

const (
	TypeSuccess        Type = "success"
	TypeError          Type = "error"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
	TypeCallRequest    Type = "call_request"
	TypeIncomingCall   Type = "incoming_call"
	TypeCalleeOffline  Type = "callee_offline"
	TypeCallAccept     Type = "call_accept"
	TypeCallReject     Type = "call_reject"
	TypeCallTokens     Type = "call_tokens"
	TypeCallEnd        Type = "call_end"
	TypeTeammateOnline Type = "teammate_online"
)

// ErrUnknownType is returned by Decode for unrecognized tags. Callers log a
// warning and drop the frame; an unknown tag never terminates a session.
var ErrUnknownType = errors.New("unknown message type")

// knownTypes is the authoritative tag set. Any change is a wire break.
var knownTypes = map[Type]struct{}{
	TypeSuccess:        {},
	TypeError:          {},
	TypePing:           {},
	TypePong:           {},
	TypeCallRequest:    {},
	TypeIncomingCall:   {},
	TypeCalleeOffline:  {},
	TypeCallAccept:     {},
	TypeCallReject:     {},
	TypeCallTokens:     {},
	TypeCallEnd:        {},
	TypeTeammateOnline: {},
}

// Message is the decoded envelope. Payload is kept raw so routers can forward
// frames without re-marshaling; dispatch sites unmarshal into the typed
// payload structs below.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SuccessPayload carries a human-readable confirmation.
type SuccessPayload struct {
	Message string `json:"message"`
}

// ErrorPayload carries a human-readable failure.
type ErrorPayload struct {
	Error string `json:"error"`
}

// PingPayload is the client liveness probe.
type PingPayload struct {
	Message string `json:"message"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Message string `json:"message"`
}

// CallRequestPayload asks the hub to ring a teammate.
type CallRequestPayload struct {
	CalleeID string `json:"callee_id"`
}

// IncomingCallPayload rings the callee.
type IncomingCallPayload struct {
	CallerID string `json:"caller_id"`
}

// CalleeOfflinePayload tells the caller nobody is listening.
type CalleeOfflinePayload struct {
	CalleeID string `json:"callee_id"`
}

// CallAcceptPayload signals acceptance; flows both client→hub and hub→caller.
type CallAcceptPayload struct {
	CallerID string `json:"caller_id"`
}

// CallRejectPayload signals rejection; flows both client→hub and hub→caller.
type CallRejectPayload struct {
	CallerID string `json:"caller_id"`
}

// CallTokensPayload delivers the media-room credentials for one participant.
// Participant is the peer's user id.
type CallTokensPayload struct {
	AudioToken  string `json:"audioToken"`
	VideoToken  string `json:"videoToken"`
	Participant string `json:"participant"`
}

// CallEndPayload ends a call; ParticipantID names the peer to notify.
type CallEndPayload struct {
	ParticipantID string `json:"participant_id"`
}

// TeammateOnlinePayload announces a teammate's presence.
type TeammateOnlinePayload struct {
	TeammateID string `json:"teammate_id"`
}

// Decode parses a wire frame. Unknown tags return ErrUnknownType so the
// session can warn and continue without disconnecting.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("message missing type")
	}
	if _, ok := knownTypes[msg.Type]; !ok {
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// Encode marshals a typed payload into a wire frame.
func Encode(t Type, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	data, err := json.Marshal(Message{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", t, err)
	}
	return data, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal (the fixed
// structs above). It panics on error and exists to keep hot paths terse.
func MustEncode(t Type, payload any) []byte {
	data, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return data
}
