package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pagelens/pagelens/internal/common"
)

// Recovery turns panics into the standard error envelope. No internal
// details reach the client.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("panic recovered path=%s err=%v", c.FullPath(), r)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
