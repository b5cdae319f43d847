package server

import (
	"strings"
	"time"

	"crashpoint/internal/security"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func (s *GameServer) securityMiddleware() gin.HandlerFunc {
	limiter := security.NewIPRateLimiter(rate.Every(time.Second/20), 40)

	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			c.JSON(429, gin.H{"error": "too many requests"})
			c.Abort()
			return
		}

		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")

		c.Next()
	}
}

func (s *GameServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(401, gin.H{"error": "no authorization header"})
			c.Abort()
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		claims, err := s.auth.ValidateToken(tokenString)
		if err != nil {
			c.JSON(401, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("userId", claims.UserID)
		c.Next()
	}
}
