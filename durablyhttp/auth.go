package durablyhttp

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// bearerClaims is the minimal claim set durably's own routes need: who
// is calling, nothing about sessions or refresh tokens, since durably
// has no user model of its own.
type bearerClaims struct {
	jwt.RegisteredClaims
}

// RequireBearerAuth builds gin middleware that rejects any request
// without a valid HS256-signed bearer token. It is opt-in: NewRouter
// never installs it itself, since an embedding application may already
// authenticate upstream (a gateway, its own session middleware) before
// requests reach durably's router.
func RequireBearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		parsed, err := jwt.ParseWithClaims(tokenString, &bearerClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		claims, ok := parsed.Claims.(*bearerClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			return
		}
		c.Set("durably.subject", claims.Subject)
		c.Next()
	}
}
