package server

import (
	"log"

	"crashpoint/internal/auth"
	"crashpoint/internal/config"
	"crashpoint/internal/engine"
	"crashpoint/internal/store"

	"github.com/gin-gonic/gin"
)

type GameServer struct {
	router *gin.Engine
	engine *engine.Engine
	store  store.Store
	auth   *auth.Manager
	hub    *Hub
	cfg    *config.Config
}

func NewGameServer(cfg *config.Config, st store.Store, eng *engine.Engine, hub *Hub) *GameServer {
	s := &GameServer{
		router: gin.Default(),
		engine: eng,
		store:  st,
		auth:   auth.NewManager(cfg.Server.JWTSecret),
		hub:    hub,
		cfg:    cfg,
	}
	s.setupRoutes()
	return s
}

func (s *GameServer) setupRoutes() {
	s.router.Use(s.securityMiddleware())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", s.Register)
			authGroup.POST("/login", s.Login)
		}

		// Round state and history are public reads.
		api.GET("/game/current", s.GetCurrentRound)
		api.GET("/game/history", s.GetCrashHistory)
		api.POST("/game/verify", s.VerifyFairness)
		api.GET("/leaderboard", s.GetLeaderboard)

		authenticated := api.Group("")
		authenticated.Use(s.authMiddleware())
		{
			authenticated.GET("/user/balance", s.GetBalance)
			authenticated.GET("/user/ledger", s.GetLedger)
			authenticated.GET("/user/bets", s.GetUserBets)
			authenticated.POST("/bet", s.PlaceBet)
			authenticated.POST("/bet/cancel", s.CancelBet)
			authenticated.POST("/cashout", s.Cashout)
			authenticated.POST("/bonus/claim", s.ClaimBonus)
			authenticated.POST("/referral/claim", s.ClaimReferral)
		}
	}
}

func (s *GameServer) Run(addr string) error {
	log.Printf("Server starting on %s", addr)
	return s.router.Run(addr)
}
