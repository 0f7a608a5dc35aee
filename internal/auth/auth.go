// Package auth resolves the user identity of an incoming WebSocket upgrade
// request. The engine never issues tokens; it only verifies them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredentials is returned when the request carries no token.
	ErrNoCredentials = errors.New("auth: no credentials")
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// DefaultCookieName is the cookie the login collaborator sets.
const DefaultCookieName = "jwt"

// Resolver extracts a verified user id from an upgrade request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (string, error)

func (f ResolverFunc) Resolve(r *http.Request) (string, error) { return f(r) }

// Claims carries the user id under "userId", the claim the login collaborator
// writes; "sub" is accepted as a fallback.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the user id carried by the claims.
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// JWTResolver verifies HMAC-signed tokens from a cookie, an Authorization
// bearer header or a "token" query parameter, in that order.
type JWTResolver struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

// NewJWTResolver creates a resolver verifying tokens with secret.
func NewJWTResolver(secret, cookieName string) (*JWTResolver, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: empty jwt secret")
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &JWTResolver{
		secret:     []byte(secret),
		cookieName: cookieName,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
	}, nil
}

func (j *JWTResolver) Resolve(r *http.Request) (string, error) {
	tokenString := j.extract(r)
	if tokenString == "" {
		return "", ErrNoCredentials
	}

	claims := &Claims{}
	token, err := j.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := strings.TrimSpace(claims.Identity())
	if id == "" {
		return "", fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}
	return id, nil
}

func (j *JWTResolver) extract(r *http.Request) string {
	if c, err := r.Cookie(j.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Sign issues a token for userID. It exists for tests and the e2e tool; the
// production login flow lives in the CRUD collaborator.
func (j *JWTResolver) Sign(userID string, claims jwt.RegisteredClaims) (string, error) {
	c := Claims{UserID: userID, RegisteredClaims: claims}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(j.secret)
}

// QueryResolver trusts a plain ?userId= parameter. Development only.
type QueryResolver struct{}

func (QueryResolver) Resolve(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get("userId"))
	if id == "" {
		return "", ErrNoCredentials
	}
	return id, nil
}

// New returns the resolver for mode: "jwt" or "query".
func New(mode, secret, cookieName string) (Resolver, error) {
	switch mode {
	case "", "jwt":
		return NewJWTResolver(secret, cookieName)
	case "query":
		return QueryResolver{}, nil
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", mode)
	}
}
