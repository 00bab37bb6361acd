package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/crypto"
)

// OpsToken guards the engine endpoints with a shared bearer token checked
// against its bcrypt hash. An empty hash leaves them open, which is meant
// for local development.
func OpsToken(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			util.AbortWithCustomError(c, http.StatusUnauthorized, util.ErrCodeUnauthorized, "Missing or malformed authorization header")
			return
		}
		if !crypto.CheckToken(parts[1], tokenHash) {
			util.AbortWithCustomError(c, http.StatusUnauthorized, util.ErrCodeUnauthorized, "Invalid ops token")
			return
		}
		c.Next()
	}
}
