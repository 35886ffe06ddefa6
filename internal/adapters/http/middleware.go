package http

import (
	"net/http"
	"slices"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const clientIDKey = "client_id"

// ClientIDMiddleware gives every browser a stable id kept in the cookie
// session. Rooms remember the id of the client that created them.
func ClientIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		id, _ := s.Get(clientIDKey).(string)
		if id == "" {
			id = uuid.NewString()
			s.Set(clientIDKey, id)
			_ = s.Save()
		}
		c.Set(clientIDKey, id)
		c.Next()
	}
}

// OriginFilter rejects cross-origin requests from origins outside allowed.
// An empty list allows every origin.
func OriginFilter(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if len(allowed) == 0 || origin == "" {
			c.Next()
			return
		}
		if !slices.Contains(allowed, origin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
