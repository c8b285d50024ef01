package httpapi

import "github.com/gin-gonic/gin"

// respondData writes the {"data": ...} success envelope.
func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

// respondError writes the {"message": "..."} error envelope.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"message": message})
}
