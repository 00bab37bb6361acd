package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/internal/util"
	"github.com/DrOksusu/v0-grid-transaction-backend-sub000/pkg/logger"
)

// Recovery turns a handler panic into a 500 response
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := c.Get(requestIDKey)
				log.WithFields(map[string]interface{}{
					"request_id": requestID,
					"path":       c.Request.URL.Path,
					"stack":      string(debug.Stack()),
				}).Error("Panic recovered", fmt.Errorf("%v", err))

				util.AbortWithCustomError(c, http.StatusInternalServerError,
					util.ErrCodeInternal, "Internal server error")
			}
		}()

		c.Next()
	}
}
