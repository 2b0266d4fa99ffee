package hub

import (
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iparaskev/hopp/internal/v1/auth"
	"github.com/iparaskev/hopp/internal/v1/bus"
	"github.com/iparaskev/hopp/internal/v1/logging"
	"github.com/iparaskev/hopp/internal/v1/ratelimit"
	"github.com/iparaskev/hopp/internal/v1/store"
	"github.com/iparaskev/hopp/internal/v1/tokens"
)

// TokenValidator defines the interface for bearer-token authentication.
// In production this is the HS256 validator; tests substitute mocks that
// simulate expired or malformed tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.SessionClaims, error)
}

// Hub owns the shared dependencies of every session and serves the WebSocket
// upgrade and the HTTP control surface. Sessions do not share mutable state;
// the bus is the only indirection point between them.
type Hub struct {
	validator  TokenValidator
	store      store.Store
	bus        *bus.Service
	issuer     *tokens.Issuer
	router     *Router
	coord      *Coordinator
	livekitURL string
	limiter    *ratelimit.RateLimiter
}

// NewHub wires a Hub and its router and coordinator.
func NewHub(validator TokenValidator, st store.Store, busSvc *bus.Service, issuer *tokens.Issuer, livekitURL string) *Hub {
	return &Hub{
		validator:  validator,
		store:      st,
		bus:        busSvc,
		issuer:     issuer,
		router:     NewRouter(busSvc, st),
		coord:      NewCoordinator(busSvc, st, issuer),
		livekitURL: livekitURL,
	}
}

// SetRateLimiter enables WebSocket connect limits. Optional; tests run
// without one.
func (h *Hub) SetRateLimiter(rl *ratelimit.RateLimiter) {
	h.limiter = rl
}

// authenticate resolves the request's bearer token to a user. No state is
// allocated before this succeeds.
func (h *Hub) authenticate(c *gin.Context) (*store.User, error) {
	tokenString := auth.BearerFromRequest(c.GetHeader("Authorization"), c.Query("token"))
	if tokenString == "" {
		return nil, errors.New("token not provided")
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	user, err := h.store.UserByEmail(c.Request.Context(), claims.Email)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ServeWs authenticates the user, upgrades the connection, and runs the
// session until it ends. The goroutine serving the HTTP request becomes the
// session's read loop.
//
// Responses:
//   - 401 Unauthorized if the token is missing or invalid.
//   - Upgrades to WebSocket on success.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	user, err := h.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), user.ID); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections"})
			return
		}
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		// This is the secure way to check the origin.
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Allow non-browser clients (the desktop app)
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}

			for _, allowed := range allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				// Check if the scheme and host match.
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				// Pre-allocate 4KB buffers
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	session := newSession(c.Request.Context(), user, conn, h.bus, h.router, h.coord)
	if err := session.run(); err != nil {
		logging.Warn(c.Request.Context(), "Session setup failed", zap.Error(err))
	}
}
