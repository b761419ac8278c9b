// Package utils holds small helpers shared by the HTTP handlers.
package utils

import "github.com/gin-gonic/gin"

// SendErrorResponse sends a standardized error response
func SendErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": message})
}
