// Package auth authorizes WebSocket upgrades. A client presents an ES256 JWT
// carrying its user id; the permission callback service then decides whether
// that user may read or write the requested room.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// ErrUnauthorized wraps every reason an upgrade is refused.
var ErrUnauthorized = errors.New("unauthorized")

// TokenProtocolPrefix marks the subprotocol that carries the token.
const TokenProtocolPrefix = "yauth-"

// Result is the outcome of a successful check.
type Result struct {
	HasWriteAccess bool
	Room           string
	UserID         string
}

// CheckFunc authorizes an upgrade request.
type CheckFunc func(r *http.Request) (Result, error)

// Claims are the claims of a user token.
type Claims struct {
	UserID string `json:"yuserid"`
	jwt.RegisteredClaims
}

type permission struct {
	Access string `json:"yaccess"`
	UserID string `json:"yuserid"`
}

// Authenticator verifies user tokens and asks the permission callback for
// room access.
type Authenticator struct {
	key     *ecdsa.PublicKey
	permURL string
	client  *http.Client
}

// NewAuthenticator parses the PEM encoded public key that signs user tokens.
// A nil client selects a client with a 10 second timeout.
func NewAuthenticator(publicKeyPEM []byte, permCallbackURL string, client *http.Client) (*Authenticator, error) {
	key, err := jwt.ParseECPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if !strings.HasSuffix(permCallbackURL, "/") {
		permCallbackURL += "/"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Authenticator{key: key, permURL: permCallbackURL, client: client}, nil
}

// TokenFromRequest returns the token from the "yauth-<token>" subprotocol,
// falling back to the "yauth" query parameter.
func TokenFromRequest(r *http.Request) (token, protocol string) {
	for _, p := range websocket.Subprotocols(r) {
		if t, ok := strings.CutPrefix(p, TokenProtocolPrefix); ok {
			return t, p
		}
	}
	return r.URL.Query().Get("yauth"), ""
}

// Verify validates a user token and returns its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userid in user token", ErrUnauthorized)
	}
	return claims, nil
}

// Check implements CheckFunc for requests routed as "/{room}".
func (a *Authenticator) Check(r *http.Request) (Result, error) {
	room := r.PathValue("room")
	token, _ := TokenFromRequest(r)
	claims, err := a.Verify(token)
	if err != nil {
		return Result{}, err
	}

	permURL := a.permURL + url.PathEscape(room) + "/" + url.PathEscape(claims.UserID)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, permURL, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("pull permissions from %s: %w", permURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: permission callback returned %s", ErrUnauthorized, resp.Status)
	}
	var perm permission
	if err := json.NewDecoder(resp.Body).Decode(&perm); err != nil {
		return Result{}, fmt.Errorf("decode permissions from %s: %w", permURL, err)
	}
	return Result{HasWriteAccess: perm.Access == "rw", Room: room, UserID: perm.UserID}, nil
}
