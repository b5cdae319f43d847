package models

import "time"

type EntryType string

const (
	EntryBetPlace  EntryType = "BET_PLACE"
	EntryBetCancel EntryType = "BET_CANCEL"
	EntryCashout   EntryType = "CASHOUT"
	EntryLoss      EntryType = "LOSS"
	EntryBonus     EntryType = "BONUS"
	EntryReferral  EntryType = "REFERRAL"
)

// LedgerEntry is one immutable row of the append-only balance audit log.
// BalanceAfter must equal the running sum of all deltas for the user, so the
// full ledger replays to every balance in the system.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"userId"`
	RoundID      string    `json:"roundId,omitempty"`
	Type         EntryType `json:"type"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

// User is the account row the ledger projects onto. Balance never goes
// negative.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Balance      int64     `json:"balance"`
	ReferredBy   string    `json:"referredBy,omitempty"`
	LastBonusAt  time.Time `json:"lastBonusAt,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
