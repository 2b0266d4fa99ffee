// Package tokens mints the two credential families the hub issues: LiveKit
// media grants (signed with the SFU API key/secret) and anonymous watercooler
// redirect tokens (signed with the hub's session secret).
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"

	"github.com/iparaskev/hopp/internal/v1/metrics"
)

const (
	// callGrantLifetime leaves ample slack over a normal call; the SFU
	// disconnects everyone when the room closes.
	callGrantLifetime = 24 * time.Hour

	// anonymousGrantLifetime bounds a guest's stay in the watercooler.
	anonymousGrantLifetime = 3 * time.Hour

	// redirectTokenLifetime is how long an anonymous invite link stays valid.
	redirectTokenLifetime = 10 * time.Minute

	// PurposeAnonymousWatercooler scopes redirect tokens to the one flow
	// that accepts them.
	PurposeAnonymousWatercooler = "anonymous_watercooler"
)

// ErrWrongPurpose is returned when a redirect token carries a purpose claim
// other than PurposeAnonymousWatercooler.
var ErrWrongPurpose = errors.New("token purpose mismatch")

// GrantPair is one participant's credentials for a media room.
type GrantPair struct {
	AudioToken string
	VideoToken string
}

// RedirectClaims are the anonymous watercooler redirect token claims.
type RedirectClaims struct {
	TeamID  string `json:"team_id"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Issuer signs media grants and redirect tokens. Keys are immutable after
// construction.
type Issuer struct {
	apiKey        string
	apiSecret     string
	sessionSecret []byte
}

// NewIssuer creates an Issuer from the SFU credentials and the hub secret.
func NewIssuer(apiKey, apiSecret, sessionSecret string) (*Issuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("livekit api key and secret must not be empty")
	}
	if sessionSecret == "" {
		return nil, errors.New("session secret must not be empty")
	}
	return &Issuer{
		apiKey:        apiKey,
		apiSecret:     apiSecret,
		sessionSecret: []byte(sessionSecret),
	}, nil
}

// WatercoolerRoom derives the per-team always-available room name.
func WatercoolerRoom(teamID string) string {
	return "team-" + teamID + "-watercooler"
}

// CallGrants mints the audio and video grants for one participant of a call.
// Identities follow "room:<roomID>:<userID>:<kind>" so the SFU can tell the
// two tracks of one user apart.
func (i *Issuer) CallGrants(roomID, userID, displayName string) (*GrantPair, error) {
	audio, err := i.mediaGrant(roomID, fmt.Sprintf("room:%s:%s:audio", roomID, userID), displayName+" audio", callGrantLifetime, true)
	if err != nil {
		return nil, err
	}
	video, err := i.mediaGrant(roomID, fmt.Sprintf("room:%s:%s:video", roomID, userID), displayName+" video", callGrantLifetime, false)
	if err != nil {
		return nil, err
	}

	metrics.TokensIssued.WithLabelValues("call").Inc()
	return &GrantPair{AudioToken: audio, VideoToken: video}, nil
}

// WatercoolerGrants mints a grant pair for the team watercooler room.
func (i *Issuer) WatercoolerGrants(teamID, userID, displayName string) (*GrantPair, error) {
	room := WatercoolerRoom(teamID)
	audio, err := i.mediaGrant(room, fmt.Sprintf("room:%s:%s:audio", room, userID), displayName+" audio", callGrantLifetime, true)
	if err != nil {
		return nil, err
	}
	video, err := i.mediaGrant(room, fmt.Sprintf("room:%s:%s:video", room, userID), displayName+" video", callGrantLifetime, false)
	if err != nil {
		return nil, err
	}

	metrics.TokensIssued.WithLabelValues("watercooler").Inc()
	return &GrantPair{AudioToken: audio, VideoToken: video}, nil
}

// AnonymousGrant mints a 3-hour audio-only grant for a guest joining the team
// watercooler. The identity is freshly generated per redemption.
func (i *Issuer) AnonymousGrant(teamID string) (identity string, token string, err error) {
	identity = "anonymous-" + uuid.NewString()[:4]
	token, err = i.mediaGrant(WatercoolerRoom(teamID), identity, identity, anonymousGrantLifetime, true)
	if err != nil {
		return "", "", err
	}

	metrics.TokensIssued.WithLabelValues("anonymous").Inc()
	return identity, token, nil
}

// mediaGrant signs one LiveKit access token. audioOnly restricts the
// publishable sources to the microphone.
func (i *Issuer) mediaGrant(room, identity, name string, validFor time.Duration, audioOnly bool) (string, error) {
	grant := &lkauth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	}
	if audioOnly {
		grant.SetCanPublishSources([]livekit.TrackSource{livekit.TrackSource_MICROPHONE})
	}

	at := lkauth.NewAccessToken(i.apiKey, i.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(validFor)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign media grant: %w", err)
	}
	return token, nil
}

// AnonymousRedirectToken signs a 10-minute invite that a guest later trades
// for an AnonymousGrant. Single-use by convention, not enforced.
func (i *Issuer) AnonymousRedirectToken(teamID string) (string, error) {
	now := time.Now()
	claims := RedirectClaims{
		TeamID:  teamID,
		Purpose: PurposeAnonymousWatercooler,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(redirectTokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.sessionSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign redirect token: %w", err)
	}
	return signed, nil
}

// ValidateRedirectToken verifies an anonymous redirect token and returns the
// team it is scoped to.
func (i *Issuer) ValidateRedirectToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RedirectClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.sessionSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		return "", fmt.Errorf("failed to parse redirect token: %w", err)
	}

	claims, ok := token.Claims.(*RedirectClaims)
	if !ok || !token.Valid {
		return "", errors.New("redirect token is invalid")
	}

	if claims.Purpose != PurposeAnonymousWatercooler {
		return "", ErrWrongPurpose
	}
	if claims.TeamID == "" {
		return "", errors.New("redirect token missing team_id")
	}

	return claims.TeamID, nil
}
