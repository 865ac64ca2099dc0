package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pagelens/pagelens/internal/auth"
	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/session"
)

const (
	SessionIDKey   = "session_id"
	SessionKindKey = "session_kind"
	UserIDKey      = "user_id"

	FingerprintHeader = "X-Client-Fingerprint"
)

// ResolveSession classifies the request as authenticated (valid bearer
// token) or anonymous (client fingerprint + IP). Downstream layers trust
// this classification. Requests with neither credential are rejected.
func ResolveSession(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token := strings.TrimPrefix(header, "Bearer ")
			claims, err := auth.ParseJWT(token, jwtSecret)
			if err != nil {
				common.Fail(c, http.StatusUnauthorized, 40101, "invalid token")
				c.Abort()
				return
			}
			c.Set(SessionIDKey, claims.SessionID)
			c.Set(SessionKindKey, session.KindAuth)
			c.Set(UserIDKey, claims.UserID)
			c.Next()
			return
		}

		fingerprint := strings.TrimSpace(c.GetHeader(FingerprintHeader))
		if fingerprint == "" {
			common.Fail(c, http.StatusUnauthorized, 40102, "missing credentials")
			c.Abort()
			return
		}
		c.Set(SessionIDKey, session.AnonID(fingerprint, c.ClientIP()))
		c.Set(SessionKindKey, session.KindAnon)
		c.Next()
	}
}

// AuthRequired admits only authenticated sessions.
func AuthRequired(jwtSecret string) gin.HandlerFunc {
	resolve := ResolveSession(jwtSecret)
	return func(c *gin.Context) {
		resolve(c)
		if c.IsAborted() {
			return
		}
		if kind, _ := SessionKindFromContext(c); kind != session.KindAuth {
			common.Fail(c, http.StatusUnauthorized, 40103, "sign-in required")
			c.Abort()
		}
	}
}

func SessionIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(SessionIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

func SessionKindFromContext(c *gin.Context) (session.Kind, bool) {
	v, ok := c.Get(SessionKindKey)
	if !ok {
		return "", false
	}
	kind, ok := v.(session.Kind)
	return kind, ok
}

func UserIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
