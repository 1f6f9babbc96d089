package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"taranqi/utils"
)

// VisitorCookie carries the visitor token for same-site browser requests.
const VisitorCookie = "taranqi-visitor"

// VisitorToken finds the visitor token in the Authorization header, the
// ?token= query param or the visitor cookie, in that order.
func VisitorToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if t := c.Query("token"); t != "" {
		return t
	}
	if cookie, err := c.Cookie(VisitorCookie); err == nil {
		return cookie
	}
	return ""
}

// VisitorRequired resolves the caller's visitor id and stores it as
// "visitor_id". It is not authentication: it only picks whose history a
// request reads and writes.
func VisitorRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := VisitorToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Visitor token required"})
			return
		}

		claims, err := utils.ParseVisitorToken(secret, token)
		if err != nil {
			c.SetCookie(VisitorCookie, "", -1, "/", "", false, true)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid visitor token"})
			return
		}

		c.Set("visitor_id", claims.VisitorID.String())
		c.Next()
	}
}
