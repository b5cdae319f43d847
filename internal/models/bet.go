package models

import "time"

type BetStatus string

const (
	BetPlaced    BetStatus = "PLACED"
	BetActive    BetStatus = "ACTIVE"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetLost      BetStatus = "LOST"
	BetCanceled  BetStatus = "CANCELED"
)

// Bet is one wager in one slot of one round. Amounts are integer points;
// the stake is debited exactly once, at placement.
type Bet struct {
	ID                string     `json:"betId"`
	RoundID           string     `json:"roundId"`
	UserID            string     `json:"userId"`
	Slot              int        `json:"slot"`
	Amount            int64      `json:"amount"`
	AutoCashout       *float64   `json:"autoCashout,omitempty"`
	Status            BetStatus  `json:"status"`
	Payout            int64      `json:"payout"`
	CashoutMultiplier *float64   `json:"cashoutMultiplier,omitempty"`
	PlacedAt          time.Time  `json:"placedAt"`
	CashoutAt         *time.Time `json:"cashoutAt,omitempty"`
}
