package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndValidate(t *testing.T) {
	auth := NewAuth("s3cret", time.Hour)
	token, err := auth.Mint("ops")
	require.NoError(t, err)

	claims, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, tokenIssuer, claims.Issuer)
}

func TestValidateRejects(t *testing.T) {
	auth := NewAuth("s3cret", time.Hour)

	other, err := NewAuth("different", time.Hour).Mint("ops")
	require.NoError(t, err)
	_, err = auth.Validate(other)
	assert.ErrorIs(t, err, ErrUnauthorized)

	expired := NewAuth("s3cret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, err := expired.Mint("ops")
	require.NoError(t, err)
	_, err = auth.Validate(stale)
	assert.ErrorIs(t, err, ErrUnauthorized)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: tokenIssuer}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.Validate(none)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMintWithoutSecret(t *testing.T) {
	_, err := NewAuth("  ", 0).Mint("ops")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, (*Auth)(nil).Enabled())
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := NewAuth("s3cret", time.Hour)
	token, err := auth.Mint("ops")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/h", auth.Middleware(false), func(c *gin.Context) { c.String(http.StatusOK, c.GetString("subject")) })
	r.GET("/q", auth.Middleware(true), func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing", "/h", "", http.StatusUnauthorized},
		{"bearer", "/h", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "/h", "bearer " + token, http.StatusOK},
		{"garbage", "/h", "Bearer nope", http.StatusUnauthorized},
		{"query not allowed", "/h?token=" + token, "", http.StatusUnauthorized},
		{"query allowed", "/q?token=" + token, "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/h", NewAuth("", 0).Middleware(false), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/h", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRateLimiter(0.001, 2).Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
