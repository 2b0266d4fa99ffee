package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/iparaskev/hopp/internal/v1/auth"
	"github.com/iparaskev/hopp/internal/v1/bus"
	"github.com/iparaskev/hopp/internal/v1/protocol"
	"github.com/iparaskev/hopp/internal/v1/store"
	"github.com/iparaskev/hopp/internal/v1/tokens"
)

const (
	testAPIKey        = "APIhoppdev"
	testAPISecret     = "livekit-api-secret-for-tests-0001"
	testSessionSecret = "session-secret-for-tests-00000001"
)

var errConnClosed = errors.New("connection closed")

// fakeStore implements store.Store in memory.
type fakeStore struct {
	mu           sync.RWMutex
	usersByID    map[string]*store.User
	usersByEmail map[string]*store.User
	teams        map[string]*store.Team
	failLookups  bool
}

func newFakeStore(users []*store.User, teams []*store.Team) *fakeStore {
	fs := &fakeStore{
		usersByID:    make(map[string]*store.User),
		usersByEmail: make(map[string]*store.User),
		teams:        make(map[string]*store.Team),
	}
	for _, u := range users {
		fs.usersByID[u.ID] = u
		fs.usersByEmail[u.Email] = u
	}
	for _, team := range teams {
		fs.teams[team.ID] = team
	}
	return fs
}

func (f *fakeStore) setFailLookups(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLookups = fail
}

func (f *fakeStore) UserByEmail(_ context.Context, email string) (*store.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failLookups {
		return nil, errors.New("store unavailable")
	}
	if u, ok := f.usersByEmail[email]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UserByID(_ context.Context, id string) (*store.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failLookups {
		return nil, errors.New("store unavailable")
	}
	if u, ok := f.usersByID[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) TeammatesOf(_ context.Context, user *store.User) ([]*store.User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failLookups {
		return nil, errors.New("store unavailable")
	}
	teammates := []*store.User{}
	for _, u := range f.usersByID {
		if u.TeamID == user.TeamID && u.ID != user.ID {
			teammates = append(teammates, u)
		}
	}
	return teammates, nil
}

func (f *fakeStore) TeamByID(_ context.Context, id string) (*store.Team, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failLookups {
		return nil, errors.New("store unavailable")
	}
	if team, ok := f.teams[id]; ok {
		return team, nil
	}
	return nil, store.ErrNotFound
}

// readFrame is one scripted inbound WebSocket frame.
type readFrame struct {
	messageType int
	data        []byte
}

// scriptedConn implements wsConnection for tests: inbound frames are queued
// by the test, outbound text frames are captured for assertions.
type scriptedConn struct {
	reads     chan readFrame
	wrote     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		reads:  make(chan readFrame, 16),
		wrote:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errConnClosed
	case f := <-c.reads:
		return f.messageType, f.data, nil
	}
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.wrote <- data
	return nil
}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (c *scriptedConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send queues an encoded text frame for the read loop.
func (c *scriptedConn) send(t *testing.T, typ protocol.Type, payload any) {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	c.sendRaw(websocket.TextMessage, frame)
}

func (c *scriptedConn) sendRaw(messageType int, data []byte) {
	c.reads <- readFrame{messageType: messageType, data: data}
}

// next returns the next outbound frame, failing the test after a timeout.
func (c *scriptedConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case frame := <-c.wrote:
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return protocol.Message{}
	}
}

// waitFor discards frames until one of the wanted type arrives.
func (c *scriptedConn) waitFor(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-c.wrote:
			msg, err := protocol.Decode(frame)
			require.NoError(t, err)
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", typ)
			return protocol.Message{}
		}
	}
}

// expectNone asserts no frame of the given type arrives within the window.
func (c *scriptedConn) expectNone(t *testing.T, typ protocol.Type, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case frame := <-c.wrote:
			msg, err := protocol.Decode(frame)
			require.NoError(t, err)
			if msg.Type == typ {
				t.Fatalf("unexpected %s frame: %s", typ, frame)
			}
		case <-deadline:
			return
		}
	}
}

func payloadAs[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p
}

// testEnv bundles the shared dependencies of session tests.
type testEnv struct {
	svc    *bus.Service
	st     *fakeStore
	issuer *tokens.Issuer
	router *Router
	coord  *Coordinator
}

func newTestEnv(t *testing.T, users []*store.User, teams []*store.Team) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	st := newFakeStore(users, teams)
	issuer, err := tokens.NewIssuer(testAPIKey, testAPISecret, testSessionSecret)
	require.NoError(t, err)

	return &testEnv{
		svc:    svc,
		st:     st,
		issuer: issuer,
		router: NewRouter(svc, st),
		coord:  NewCoordinator(svc, st, issuer),
	}
}

// startSession runs a session for the user and consumes the greeting.
func (e *testEnv) startSession(t *testing.T, user *store.User) (*Session, *scriptedConn) {
	t.Helper()
	conn := newScriptedConn()
	s := newSession(context.Background(), user, conn, e.svc, e.router, e.coord)

	done := make(chan struct{})
	go func() {
		_ = s.run()
		close(done)
	}()

	t.Cleanup(func() {
		_ = conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})

	conn.waitFor(t, protocol.TypeSuccess)
	return s, conn
}

// mockValidator treats the token string as the user's email.
type mockValidator struct {
	fail bool
}

func (m *mockValidator) ValidateToken(tokenString string) (*auth.SessionClaims, error) {
	if m.fail || tokenString == "" {
		return nil, errors.New("invalid token")
	}
	return &auth.SessionClaims{Email: tokenString}, nil
}
