package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ghostwriter/internal/auth"
	"github.com/suPer8Hu/ghostwriter/internal/common"
)

const UserIDKey = "user_id"

// BearerToken reads "Authorization: Bearer <jwt>", or an access_token query
// parameter for WebSocket upgrades where browsers cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// UserHandlerFunc serves an authenticated request outside gin.
type UserHandlerFunc func(w http.ResponseWriter, r *http.Request, userID uint64)

// RequireUser is AuthRequired for plain net/http handlers. The WebSocket
// stream uses it because gin's writer refuses to hijack after the 101
// status line is flushed.
func RequireUser(secret string, next UserHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			common.WriteFail(w, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.WriteFail(w, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		next(w, r, uid)
	})
}
