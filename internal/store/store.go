// Package store owns every balance-affecting transaction. Each mutating
// method is one atomic unit: the bet row, the user balance and the matching
// ledger entry commit together or not at all. Phase preconditions are
// re-checked inside the transaction while holding a lock on the round row,
// and BeginFlight flips the phase and locks bets in under the conflicting
// lock, so a phase flip cannot interleave with an in-flight bet transaction.
package store

import (
	"context"
	"time"

	"crashpoint/internal/models"
)

type Store interface {
	// Rounds. The scheduler is the only writer.
	CreateRound(ctx context.Context, round *models.Round) error
	GetRound(ctx context.Context, roundID string) (*models.Round, error)
	LastNonce(ctx context.Context) (uint64, error)
	// BeginFlight closes the betting window: in one transaction the round
	// flips to FLIGHT and every PLACED bet becomes ACTIVE. Returns the number
	// of bets locked in.
	BeginFlight(ctx context.Context, roundID string, at time.Time) (int, error)
	RevealRound(ctx context.Context, roundID, serverSeed string, at time.Time) error
	// VoidOpenRounds closes out rounds left mid-cycle by a restart: PLACED
	// and ACTIVE bets are refunded with BET_CANCEL entries and marked
	// CANCELED, the round row is closed. Returns the number of voided rounds.
	VoidOpenRounds(ctx context.Context) (int, error)

	// Bets. CashoutBet is a status-guarded compare-and-swap: of two
	// concurrent callers only one observes ACTIVE and settles; the other
	// gets ErrCannotCashout.
	PlaceBet(ctx context.Context, roundID, userID string, slot int, amount int64, autoCashout *float64) (*models.Bet, error)
	CancelBet(ctx context.Context, roundID, userID string, slot int) (*models.Bet, error)
	CashoutBet(ctx context.Context, roundID, userID string, slot int, multiplier float64) (*models.Bet, error)
	// AutoCashoutCandidates returns ACTIVE bets whose auto-cashout threshold
	// is at or below multiplier, cheapest thresholds first.
	AutoCashoutCandidates(ctx context.Context, roundID string, multiplier float64) ([]models.Bet, error)
	// SettleLosses marks every remaining ACTIVE bet LOST with a zero-delta
	// LOSS entry and returns the affected user ids.
	SettleLosses(ctx context.Context, roundID string) ([]string, error)
	UserBets(ctx context.Context, userID, roundID string) ([]models.Bet, error)

	// Users and ledger.
	CreateUser(ctx context.Context, username, passwordHash string, startBalance int64) (*models.User, error)
	UserByID(ctx context.Context, userID string) (*models.User, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	Balance(ctx context.Context, userID string) (int64, error)
	LedgerEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	ClaimBonus(ctx context.Context, userID string, amount int64, minInterval time.Duration) (*models.LedgerEntry, error)
	ApplyReferral(ctx context.Context, userID, referrerUsername string, amount int64) error
	Leaderboard(ctx context.Context, limit int) ([]models.User, error)

	Close() error
}
