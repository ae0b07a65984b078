package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
	"github.com/noah-isme/enrollment-reconciler/pkg/response"
)

// CronAuth admits scheduler calls that present "Bearer <secret>". An empty
// secret rejects every request.
func CronAuth(secret string) gin.HandlerFunc {
	expected := []byte("Bearer " + secret)
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if secret == "" || subtle.ConstantTimeCompare([]byte(header), expected) != 1 {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}
