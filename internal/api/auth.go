package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer        = "linkwatch"
	defaultTokenExpiry = 90 * 24 * time.Hour
)

// ErrUnauthorized is returned for missing or invalid bearer tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the JWT payload accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
}

// Auth signs and validates HS256 tokens. A nil *Auth or an empty secret disables auth.
type Auth struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewAuth returns an authenticator for secret. Tokens expire after expiry, or 90 days when zero.
func NewAuth(secret string, expiry time.Duration) *Auth {
	if expiry <= 0 {
		expiry = defaultTokenExpiry
	}
	return &Auth{secret: []byte(strings.TrimSpace(secret)), expiry: expiry, now: time.Now}
}

// Enabled reports whether requests must carry a token.
func (a *Auth) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Mint creates a token for subject.
func (a *Auth) Mint(subject string) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("%w: no secret configured", ErrUnauthorized)
	}
	now := a.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate verifies a token and returns its claims.
func (a *Auth) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}

// Middleware rejects requests without a valid token. allowQuery also accepts ?token=,
// which browsers need for websocket upgrades.
func (a *Auth) Middleware(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" && allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := a.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
