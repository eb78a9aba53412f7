package middleware

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

func whoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ownerId":  c.GetString("ownerId"),
		"username": c.GetString("username"),
		"deviceId": c.GetString("deviceId"),
	})
}

func newRouter(opts AuthOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(opts))
	r.GET("/me", whoami)
	return r
}

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthMiddleware_LocalJWT(t *testing.T) {
	r := newRouter(AuthOptions{JWTSecret: "s3cret"})

	tok := sign(t, "s3cret", jwt.MapClaims{"sub": 42, "username": "alice", "typ": "access",
		"exp": time.Now().Add(time.Hour).Unix()})
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer "+tok)
	req.Header.Set(DeviceHeader, " kindle ")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ownerId":"42","username":"alice","deviceId":"kindle"}`, w.Body.String())

	// query token with a string subject
	tok = sign(t, "s3cret", jwt.MapClaims{"sub": "u-1", "username": "bob"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+tok, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ownerId":"u-1"`)
}

func TestAuthMiddleware_LocalJWTRejects(t *testing.T) {
	r := newRouter(AuthOptions{JWTSecret: "s3cret"})
	cases := map[string]string{
		"missing":      "",
		"wrong secret": sign(t, "other", jwt.MapClaims{"sub": "u1"}),
		"expired":      sign(t, "s3cret", jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()}),
		"refresh":      sign(t, "s3cret", jwt.MapClaims{"sub": "u1", "typ": "refresh"}),
		"no subject":   sign(t, "s3cret", jwt.MapClaims{"username": "x"}),
	}
	for name, tok := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}

func TestAuthMiddleware_Upstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/auth/verify", r.URL.Path)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = w.Write([]byte(`{"userId":7,"username":"carol","type":"access"}`))
		case "Bearer broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"token expired"}`))
		}
	}))
	defer upstream.Close()

	r := newRouter(AuthOptions{VerifyBaseURL: upstream.URL + "/"})
	do := func(tok string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do("good")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ownerId":"7"`)

	w = do("stale")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")

	assert.Equal(t, http.StatusBadGateway, do("broken").Code)
}
