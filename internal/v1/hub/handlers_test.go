package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iparaskev/hopp/internal/v1/store"
	"github.com/iparaskev/hopp/internal/v1/tokens"
)

const testLiveKitURL = "wss://sfu.hopp.team"

func newTestRouter(t *testing.T, env *testEnv) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewHub(&mockValidator{}, env.st, env.svc, env.issuer, testLiveKitURL)

	router := gin.New()
	authGroup := router.Group("/api/auth")
	authGroup.GET("/websocket", h.ServeWs)

	protected := authGroup.Group("", h.AuthMiddleware())
	protected.GET("/watercooler", h.Watercooler)
	protected.GET("/watercooler/anonymous", h.WatercoolerAnonymous)
	protected.GET("/teammates", h.Teammates)
	protected.GET("/livekit/server-url", h.LiveKitServerURL)

	router.GET("/api/watercooler/meet-redirect", h.MeetRedirect)
	return router
}

// doGet performs a request with the mock validator's bearer convention
// (the token string is the email).
func doGet(router *gin.Engine, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWatercooler_ReturnsGrantPair(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda, userBob}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	w := doGet(router, "/api/auth/watercooler", userAda.Email)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		AudioToken  string `json:"audioToken"`
		VideoToken  string `json:"videoToken"`
		Participant string `json:"participant"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, teamOne.Name, body.Participant)

	claims := parseMediaGrant(t, body.AudioToken)
	video := claims["video"].(map[string]any)
	assert.Equal(t, tokens.WatercoolerRoom(teamOne.ID), video["room"])
	assert.Equal(t, true, video["roomJoin"])
}

func TestWatercooler_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	w := doGet(router, "/api/auth/watercooler", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(router, "/api/auth/watercooler", "stranger@elsewhere.dev")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAnonymousRedirect_FullFlow(t *testing.T) {
	// S6: authenticated request yields a redirect URL; following it trades
	// the token for an audio grant on the team watercooler.
	env := newTestEnv(t, []*store.User{userAda}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	w := doGet(router, "/api/auth/watercooler/anonymous", userAda.Email)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body.RedirectURL, "/api/watercooler/meet-redirect?token=")

	w = doGet(router, body.RedirectURL, "")
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "meet.livekit.io", location.Host)
	assert.Equal(t, testLiveKitURL, location.Query().Get("liveKitUrl"))

	grant := location.Query().Get("token")
	require.NotEmpty(t, grant)
	claims := parseMediaGrant(t, grant)
	video := claims["video"].(map[string]any)
	assert.Equal(t, tokens.WatercoolerRoom(teamOne.ID), video["room"])
	assert.Equal(t, []any{"microphone"}, video["canPublishSources"])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(3*time.Hour), exp.Time, time.Second)
}

func TestMeetRedirect_ExpiredToken(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	claims := tokens.RedirectClaims{
		TeamID:  teamOne.ID,
		Purpose: tokens.PurposeAnonymousWatercooler,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-20 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Minute)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSecret))
	require.NoError(t, err)

	w := doGet(router, "/api/watercooler/meet-redirect?token="+url.QueryEscape(expired), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMeetRedirect_WrongPurpose(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	claims := tokens.RedirectClaims{
		TeamID:  teamOne.ID,
		Purpose: "password_reset",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		},
	}
	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSecret))
	require.NoError(t, err)

	w := doGet(router, "/api/watercooler/meet-redirect?token="+url.QueryEscape(wrong), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMeetRedirect_MissingToken(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	w := doGet(router, "/api/watercooler/meet-redirect", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTeammates_AnnotatesPresence(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda, userBob}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	// Bob is online: something is subscribed on his channel.
	sub, err := env.svc.Subscribe(context.Background(), userBob.ID)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	w := doGet(router, "/api/auth/teammates", userAda.Email)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Team struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"team"`
		Teammates []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
			IsActive    bool   `json:"is_active"`
		} `json:"teammates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, teamOne.ID, body.Team.ID)
	require.Len(t, body.Teammates, 1)
	assert.Equal(t, userBob.ID, body.Teammates[0].ID)
	assert.True(t, body.Teammates[0].IsActive)
}

func TestTeammates_OfflineTeammate(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda, userBob}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	w := doGet(router, "/api/auth/teammates", userAda.Email)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Teammates []struct {
			ID       string `json:"id"`
			IsActive bool   `json:"is_active"`
		} `json:"teammates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Teammates, 1)
	assert.False(t, body.Teammates[0].IsActive)
}

func TestLiveKitServerURL(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	w := doGet(router, "/api/auth/livekit/server-url", userAda.Email)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, testLiveKitURL, body.URL)
}

func TestServeWs_RejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t, []*store.User{userAda}, []*store.Team{teamOne})
	router := newTestRouter(t, env)

	w := doGet(router, "/api/auth/websocket", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(router, "/api/auth/websocket?token=stranger@elsewhere.dev", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
