package server

import (
	"errors"
	"time"

	"crashpoint/internal/fair"
	"crashpoint/internal/models"

	"github.com/gin-gonic/gin"
)

// writeGameError maps store/engine errors to stable codes. Unknown errors
// stay opaque to the caller.
func writeGameError(c *gin.Context, err error) {
	var gameErr *models.GameError
	if !errors.As(err, &gameErr) {
		c.JSON(500, gin.H{"error": "internal error"})
		return
	}

	status := 400
	switch gameErr {
	case models.ErrRoundNotFound, models.ErrBetNotFound, models.ErrUserNotFound:
		status = 404
	}
	c.JSON(status, gin.H{"code": gameErr.Code, "error": gameErr.Message})
}

func (s *GameServer) PlaceBet(c *gin.Context) {
	var req struct {
		RoundID     string   `json:"roundId" binding:"required"`
		Slot        int      `json:"slot" binding:"gte=0,lte=1"`
		Amount      int64    `json:"amount" binding:"required,gt=0"`
		AutoCashout *float64 `json:"autoCashout" binding:"omitempty,gte=1"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"code": models.ErrInvalidAmount.Code, "error": "invalid request"})
		return
	}

	if req.Amount > s.cfg.Points.MaxStake {
		c.JSON(400, gin.H{"code": models.ErrInvalidAmount.Code, "error": "stake exceeds maximum"})
		return
	}

	userID := c.GetString("userId")
	bet, err := s.engine.PlaceBet(c.Request.Context(), userID, req.RoundID, req.Slot, req.Amount, req.AutoCashout)
	if err != nil {
		writeGameError(c, err)
		return
	}

	c.JSON(200, bet)
}

func (s *GameServer) CancelBet(c *gin.Context) {
	var req struct {
		RoundID string `json:"roundId" binding:"required"`
		Slot    int    `json:"slot" binding:"gte=0,lte=1"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request"})
		return
	}

	userID := c.GetString("userId")
	bet, err := s.engine.CancelBet(c.Request.Context(), userID, req.RoundID, req.Slot)
	if err != nil {
		writeGameError(c, err)
		return
	}

	c.JSON(200, bet)
}

func (s *GameServer) Cashout(c *gin.Context) {
	var req struct {
		RoundID    string  `json:"roundId" binding:"required"`
		Slot       int     `json:"slot" binding:"gte=0,lte=1"`
		Multiplier float64 `json:"multiplier" binding:"required,gte=1"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"code": models.ErrBadMultiplier.Code, "error": "invalid request"})
		return
	}

	userID := c.GetString("userId")
	bet, err := s.engine.CashoutBet(c.Request.Context(), userID, req.RoundID, req.Slot, req.Multiplier)
	if err != nil {
		writeGameError(c, err)
		return
	}

	c.JSON(200, bet)
}

func (s *GameServer) GetCurrentRound(c *gin.Context) {
	state, ok := s.engine.GetPublicRoundState()
	if !ok {
		c.JSON(404, gin.H{"error": "no active round"})
		return
	}
	c.JSON(200, state)
}

func (s *GameServer) GetCrashHistory(c *gin.Context) {
	c.JSON(200, gin.H{"history": s.engine.RecentCrashHistory()})
}

func (s *GameServer) GetUserBets(c *gin.Context) {
	roundID := c.Query("roundId")
	if roundID == "" {
		if state, ok := s.engine.GetPublicRoundState(); ok {
			roundID = state.RoundID
		}
	}

	userID := c.GetString("userId")
	bets, err := s.engine.GetUserBets(c.Request.Context(), userID, roundID)
	if err != nil {
		writeGameError(c, err)
		return
	}

	c.JSON(200, gin.H{"bets": bets})
}

func (s *GameServer) GetBalance(c *gin.Context) {
	userID := c.GetString("userId")

	balance, err := s.store.Balance(c.Request.Context(), userID)
	if err != nil {
		writeGameError(c, err)
		return
	}

	c.JSON(200, gin.H{"balance": balance})
}

func (s *GameServer) GetLedger(c *gin.Context) {
	userID := c.GetString("userId")

	entries, err := s.store.LedgerEntries(c.Request.Context(), userID, 100)
	if err != nil {
		writeGameError(c, err)
		return
	}

	c.JSON(200, gin.H{"entries": entries})
}

// VerifyFairness recomputes a finished round's multiplier from its revealed
// seed and checks the hash committed before betting opened.
func (s *GameServer) VerifyFairness(c *gin.Context) {
	var req struct {
		RoundID string `json:"roundId" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request"})
		return
	}

	round, err := s.store.GetRound(c.Request.Context(), req.RoundID)
	if err != nil {
		writeGameError(c, err)
		return
	}
	if round.ServerSeed == "" {
		c.JSON(400, gin.H{"error": "seed not yet revealed"})
		return
	}

	multiplier, ok := fair.Verify(round.ServerSeed, round.ServerSeedHash, round.ClientSeed, round.Nonce, s.cfg.Game.HouseEdge)
	c.JSON(200, gin.H{
		"valid":           ok && multiplier == round.CrashMultiplier,
		"crashMultiplier": multiplier,
		"serverSeed":      round.ServerSeed,
		"serverSeedHash":  round.ServerSeedHash,
		"clientSeed":      round.ClientSeed,
		"nonce":           round.Nonce,
	})
}

func (s *GameServer) ClaimBonus(c *gin.Context) {
	userID := c.GetString("userId")

	entry, err := s.store.ClaimBonus(c.Request.Context(), userID, s.cfg.Points.DailyBonus, 24*time.Hour)
	if err != nil {
		writeGameError(c, err)
		return
	}

	s.hub.BalanceUpdate(userID, entry.BalanceAfter)
	c.JSON(200, gin.H{"amount": entry.Delta, "balance": entry.BalanceAfter})
}

func (s *GameServer) ClaimReferral(c *gin.Context) {
	var req struct {
		Referrer string `json:"referrer" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request"})
		return
	}

	userID := c.GetString("userId")
	if err := s.store.ApplyReferral(c.Request.Context(), userID, req.Referrer, s.cfg.Points.ReferralBonus); err != nil {
		writeGameError(c, err)
		return
	}

	c.JSON(200, gin.H{"success": true})
}

func (s *GameServer) GetLeaderboard(c *gin.Context) {
	users, err := s.store.Leaderboard(c.Request.Context(), 20)
	if err != nil {
		writeGameError(c, err)
		return
	}

	type row struct {
		Username string `json:"username"`
		Balance  int64  `json:"balance"`
	}
	out := make([]row, 0, len(users))
	for _, u := range users {
		out = append(out, row{Username: u.Username, Balance: u.Balance})
	}
	c.JSON(200, gin.H{"leaderboard": out})
}
