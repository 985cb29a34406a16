package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sdstudio/sdclient/pkg/errors"
)

// Cookie and context keys
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
	identityKey        = "auth.identity"
)

func requestToken(c *gin.Context) string {
	if token, err := c.Cookie(AccessTokenCookie); err == nil && token != "" {
		return token
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// RequireAuth rejects requests without a valid access token. Tokens come from
// the access_token cookie or a bearer header; an expired token is refreshed
// with the refresh_token cookie and the new tokens are set as cookies.
func RequireAuth(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		refresh, _ := c.Cookie(RefreshTokenCookie)
		s := &Session{AccessToken: requestToken(c), RefreshToken: refresh}
		original := s.AccessToken

		id, err := v.VerifySession(c.Request.Context(), s)
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				slog.Warn("auth_required", "path", c.Request.URL.Path, "error", authErr.Err)
				c.SetCookie(AccessTokenCookie, "", -1, "/", "", false, true)
				c.SetCookie(RefreshTokenCookie, "", -1, "/", "", false, true)
				c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
					Error:   authErr.Err.Error(),
					AuthURL: authErr.AuthURL,
				})
				return
			}
			slog.Error("auth_verify_failed", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "auth service unavailable"})
			return
		}

		if s.AccessToken != original {
			maxAge := int(id.Expiry.Sub(v.now()).Seconds())
			c.SetCookie(AccessTokenCookie, s.AccessToken, maxAge, "/", "", false, true)
			c.SetCookie(RefreshTokenCookie, s.RefreshToken, 0, "/", "", false, true)
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireGenerator rejects identities not allowed to submit jobs. It must run
// after RequireAuth.
func RequireGenerator() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok || !id.CanGenerate() {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "permission denied"})
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity RequireAuth stored on the context
func IdentityFrom(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
