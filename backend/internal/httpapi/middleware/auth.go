package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	// DeviceHeader names the requesting device for heartbeat and presence.
	DeviceHeader = "X-Device-Id"

	verifyTimeout = 1200 * time.Millisecond
)

// Subject is a user id that the auth service may encode as a string or a
// number.
type Subject string

func (s *Subject) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Subject(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = Subject(n.String())
	return nil
}

// Claims are the fields read from an access token.
type Claims struct {
	UserID   Subject `json:"sub"`
	Username string  `json:"username"`
	Type     string  `json:"typ"`
	jwt.RegisteredClaims
}

type verifyClaims struct {
	UserID   Subject `json:"userId"`
	Username string  `json:"username"`
	Type     string  `json:"type"`
}

type verifyErrResp struct {
	Error string `json:"error"`
}

type AuthOptions struct {
	// JWTSecret verifies HS256 tokens in process. Empty means every token
	// is checked against VerifyBaseURL instead.
	JWTSecret string
	// VerifyBaseURL is the auth service root, without a path.
	VerifyBaseURL string
	Client        *http.Client
}

var (
	errUnauthenticated = errors.New("invalid token")
	errNotAccess       = errors.New("access token required")
)

type upstreamError struct{ msg string }

func (e *upstreamError) Error() string { return e.msg }

// AuthMiddleware authenticates the request and stores ownerId, username and
// deviceId on the context. Browsers cannot set headers on a WebSocket
// upgrade, so ?token= is accepted too.
func AuthMiddleware(opts AuthOptions) gin.HandlerFunc {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	verifyURL := strings.TrimRight(opts.VerifyBaseURL, "/") + "/v1/auth/verify"
	secret := []byte(opts.JWTSecret)

	return func(c *gin.Context) {
		token := extractBearer(c.Request.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		var (
			claims *verifyClaims
			err    error
		)
		if len(secret) > 0 {
			claims, err = parseLocal(token, secret)
		} else {
			claims, err = verifyUpstream(c.Request.Context(), client, verifyURL, token)
		}
		if err != nil {
			var up *upstreamError
			if errors.As(err, &up) {
				logrus.Warnf("auth verify failed: %v", err)
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": up.msg})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": err.Error()})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": errNotAccess.Error()})
			return
		}
		if claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "token has no subject"})
			return
		}

		c.Set("ownerId", string(claims.UserID))
		c.Set("username", claims.Username)
		c.Set("deviceId", strings.TrimSpace(c.GetHeader(DeviceHeader)))
		c.Next()
	}
}

func parseLocal(token string, secret []byte) (*verifyClaims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, errUnauthenticated
	}
	return &verifyClaims{UserID: claims.UserID, Username: claims.Username, Type: claims.Type}, nil
}

func verifyUpstream(ctx context.Context, client *http.Client, verifyURL, token string) (*verifyClaims, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, &upstreamError{msg: "build verify request failed"}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &upstreamError{msg: "auth-service verify failed"}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return nil, errors.New(e.Error)
		}
		return nil, errUnauthenticated
	default:
		return nil, &upstreamError{msg: "auth-service verify returned " + strconv.Itoa(resp.StatusCode)}
	}

	var claims verifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, &upstreamError{msg: "invalid verify response"}
	}
	return &claims, nil
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
