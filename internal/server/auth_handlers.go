package server

import (
	"crashpoint/internal/security"

	"github.com/gin-gonic/gin"
)

func (s *GameServer) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required,min=3,max=32"`
		Password string `json:"password" binding:"required,min=6"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid input"})
		return
	}

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to create user"})
		return
	}

	user, err := s.store.CreateUser(c.Request.Context(), req.Username, hash, s.cfg.Points.StartBalance)
	if err != nil {
		writeGameError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"balance":  user.Balance,
	})
}

func (s *GameServer) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid input"})
		return
	}

	user, err := s.store.UserByUsername(c.Request.Context(), req.Username)
	if err != nil || !security.CheckPassword(user.PasswordHash, req.Password) {
		c.JSON(401, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.auth.GenerateToken(user.ID)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(200, gin.H{
		"token": token,
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
			"balance":  user.Balance,
		},
	})
}
