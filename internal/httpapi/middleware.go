package httpapi

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "x-request-id"

// bearerAuth rejects any request whose Authorization header isn't
// exactly "Bearer <token>", comparing in constant time so response
// latency can't be used to guess the token byte by byte.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			respondError(c, 401, "missing or malformed Authorization header")
			c.Abort()
			return
		}

		got := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			respondError(c, 401, "invalid auth token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a fresh UUIDv7 request id when the caller
// didn't supply one, and echoes whichever id is in effect on the
// response.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			if generated, err := uuid.NewV7(); err == nil {
				id = generated.String()
			}
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}
