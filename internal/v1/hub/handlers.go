package hub

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iparaskev/hopp/internal/v1/logging"
	"github.com/iparaskev/hopp/internal/v1/store"
)

const userContextKey = "user"

// meetBaseURL is the SFU-hosted client anonymous guests are redirected to.
const meetBaseURL = "https://meet.livekit.io/custom"

// AuthMiddleware authenticates bearer requests and stores the resolved user
// in the gin context.
func (h *Hub) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.authenticate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// currentUser returns the user placed by AuthMiddleware.
func currentUser(c *gin.Context) *store.User {
	return c.MustGet(userContextKey).(*store.User)
}

// Watercooler returns a grant pair for the caller's team watercooler room.
// GET /api/auth/watercooler
func (h *Hub) Watercooler(c *gin.Context) {
	user := currentUser(c)

	team, err := h.store.TeamByID(c.Request.Context(), user.TeamID)
	if err != nil {
		logging.Error(c.Request.Context(), "Team lookup failed", zap.String("team_id", user.TeamID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve team"})
		return
	}

	grants, err := h.issuer.WatercoolerGrants(user.TeamID, user.ID, user.DisplayName)
	if err != nil {
		logging.Error(c.Request.Context(), "Watercooler grant mint failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate tokens"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"audioToken":  grants.AudioToken,
		"videoToken":  grants.VideoToken,
		"participant": team.Name,
	})
}

// WatercoolerAnonymous mints a 10-minute redirect token scoped to the
// caller's team and returns the public URL a guest can follow.
// GET /api/auth/watercooler/anonymous
func (h *Hub) WatercoolerAnonymous(c *gin.Context) {
	user := currentUser(c)

	token, err := h.issuer.AnonymousRedirectToken(user.TeamID)
	if err != nil {
		logging.Error(c.Request.Context(), "Redirect token mint failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate tokens"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"redirect_url": "/api/watercooler/meet-redirect?token=" + url.QueryEscape(token),
	})
}

// MeetRedirect trades a valid redirect token for a 3-hour audio-only grant
// and 302s the guest to the SFU-hosted client. No bearer auth: the token in
// the query string is the credential.
// GET /api/watercooler/meet-redirect?token=<JWT>
func (h *Hub) MeetRedirect(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	teamID, err := h.issuer.ValidateRedirectToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	identity, grant, err := h.issuer.AnonymousGrant(teamID)
	if err != nil {
		logging.Error(c.Request.Context(), "Anonymous grant mint failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate tokens"})
		return
	}

	logging.Info(c.Request.Context(), "Anonymous guest joining watercooler",
		zap.String("team_id", teamID), zap.String("identity", identity))

	location := meetBaseURL + "?liveKitUrl=" + url.QueryEscape(h.livekitURL) + "&token=" + url.QueryEscape(grant)
	c.Redirect(http.StatusFound, location)
}

// teammateView is one row of the Teammates response.
type teammateView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	IsActive    bool   `json:"is_active"`
}

// Teammates lists the caller's team annotated with live presence.
// GET /api/auth/teammates
func (h *Hub) Teammates(c *gin.Context) {
	user := currentUser(c)
	ctx := c.Request.Context()

	team, err := h.store.TeamByID(ctx, user.TeamID)
	if err != nil {
		logging.Error(ctx, "Team lookup failed", zap.String("team_id", user.TeamID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve team"})
		return
	}

	teammates, err := h.store.TeammatesOf(ctx, user)
	if err != nil {
		logging.Error(ctx, "Teammate lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list teammates"})
		return
	}

	views := make([]teammateView, 0, len(teammates))
	for _, teammate := range teammates {
		present, err := h.bus.IsPresent(ctx, teammate.ID)
		if err != nil {
			// Unknown presence renders as offline rather than failing
			// the whole listing.
			present = false
		}
		views = append(views, teammateView{
			ID:          teammate.ID,
			DisplayName: teammate.DisplayName,
			IsActive:    present,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"team": gin.H{
			"id":   team.ID,
			"name": team.Name,
		},
		"teammates": views,
	})
}

// LiveKitServerURL tells clients where the SFU lives.
// GET /api/auth/livekit/server-url
func (h *Hub) LiveKitServerURL(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"url": h.livekitURL})
}
