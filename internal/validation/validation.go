// Package validation provides input validation middleware for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxMemoLength bounds invoice memos before they reach the backend.
const MaxMemoLength = 640

// ownerIDRegex matches owner identifiers: short, URL-safe, no leading
// punctuation.
var ownerIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidOwnerID checks if a string is an acceptable owner identifier
func IsValidOwnerID(owner string) bool {
	return ownerIDRegex.MatchString(owner)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// OwnerParamMiddleware validates the :owner URL parameter on routes that
// use it. Apply to route groups that include :owner params to reject
// malformed identifiers early.
func OwnerParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.Param("owner")
		if owner != "" && !IsValidOwnerID(owner) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_owner",
				"message": "owner must be 1-64 URL-safe characters",
			})
			return
		}
		c.Next()
	}
}
