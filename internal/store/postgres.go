package store

import (
	"context"
	"database/sql"
	"log"
	"math"
	"time"

	"crashpoint/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres is the durable Store. Balance mutations lock the user row with
// SELECT ... FOR UPDATE and commit the ledger entry in the same transaction;
// cashout settles through a status-guarded UPDATE so concurrent callers
// cannot double-pay.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// applyLedgerTx locks the user row, moves the balance and appends the entry.
// Must run inside the caller's transaction.
func applyLedgerTx(tx *sql.Tx, userID, roundID string, typ models.EntryType, delta int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(`SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, models.ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}

	next := balance + delta
	if next < 0 {
		return 0, models.ErrInsufficientFunds
	}

	if _, err := tx.Exec(`UPDATE users SET balance = $1 WHERE id = $2`, next, userID); err != nil {
		return 0, err
	}

	var round sql.NullString
	if roundID != "" {
		round = sql.NullString{String: roundID, Valid: true}
	}
	_, err = tx.Exec(`
		INSERT INTO ledger_entries (user_id, round_id, type, delta, balance_after)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, round, typ, delta, next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// roundPhaseTx re-checks the phase inside the caller's transaction. The share
// lock conflicts with BeginFlight's FOR UPDATE, so the phase cannot flip
// underneath a bet transaction that has already passed this check.
func (p *Postgres) roundPhaseTx(tx *sql.Tx, roundID string) (models.Phase, error) {
	var phase models.Phase
	err := tx.QueryRow(`SELECT phase FROM rounds WHERE id = $1 FOR SHARE`, roundID).Scan(&phase)
	if err == sql.ErrNoRows {
		return "", models.ErrRoundNotFound
	}
	return phase, err
}

func (p *Postgres) CreateRound(ctx context.Context, round *models.Round) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rounds (id, nonce, phase, server_seed_hash, client_seed,
			crash_multiplier, betting_start_at, betting_end_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		round.ID, round.Nonce, round.Phase, round.ServerSeedHash, round.ClientSeed,
		round.CrashMultiplier, round.BettingStartAt, round.BettingEndAt)
	if err != nil {
		log.Printf("DB: failed to create round %s: %v", round.ID, err)
	}
	return err
}

func (p *Postgres) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	var r models.Round
	var seed sql.NullString
	var flightStart, crashedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, nonce, phase, server_seed_hash, server_seed, client_seed,
			crash_multiplier, betting_start_at, betting_end_at, flight_start_at, crashed_at
		FROM rounds WHERE id = $1`, roundID).Scan(
		&r.ID, &r.Nonce, &r.Phase, &r.ServerSeedHash, &seed, &r.ClientSeed,
		&r.CrashMultiplier, &r.BettingStartAt, &r.BettingEndAt, &flightStart, &crashedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrRoundNotFound
	}
	if err != nil {
		return nil, err
	}
	if seed.Valid {
		r.ServerSeed = seed.String
	}
	if flightStart.Valid {
		r.FlightStartAt = &flightStart.Time
	}
	if crashedAt.Valid {
		r.CrashedAt = &crashedAt.Time
	}
	return &r, nil
}

func (p *Postgres) LastNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(nonce), 0) FROM rounds`).Scan(&nonce)
	return nonce, err
}

func (p *Postgres) BeginFlight(ctx context.Context, roundID string, at time.Time) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Exclusive round-row lock: pending bet transactions hold the share lock
	// and must drain before the phase flips and the bets lock in.
	var phase models.Phase
	err = tx.QueryRow(`SELECT phase FROM rounds WHERE id = $1 FOR UPDATE`, roundID).Scan(&phase)
	if err == sql.ErrNoRows {
		return 0, models.ErrRoundNotFound
	}
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		UPDATE rounds SET phase = $1, flight_start_at = $2 WHERE id = $3`,
		models.PhaseFlight, at, roundID); err != nil {
		return 0, err
	}

	result, err := tx.Exec(`
		UPDATE bets SET status = $1 WHERE round_id = $2 AND status = $3`,
		models.BetActive, roundID, models.BetPlaced)
	if err != nil {
		return 0, err
	}
	locked, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(locked), nil
}

func (p *Postgres) RevealRound(ctx context.Context, roundID, serverSeed string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE rounds SET phase = $1, server_seed = $2, crashed_at = $3 WHERE id = $4`,
		models.PhaseCrash, serverSeed, at, roundID)
	return err
}

func (p *Postgres) VoidOpenRounds(ctx context.Context) (int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM rounds WHERE phase <> $1`, models.PhaseCrash)
	if err != nil {
		return 0, err
	}
	var openRounds []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		openRounds = append(openRounds, id)
	}
	rows.Close()

	for _, roundID := range openRounds {
		if err := p.voidRound(ctx, roundID); err != nil {
			return 0, err
		}
		log.Printf("DB: voided interrupted round %s", roundID)
	}
	return len(openRounds), nil
}

func (p *Postgres) voidRound(ctx context.Context, roundID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, user_id, amount FROM bets
		WHERE round_id = $1 AND status IN ($2, $3)
		FOR UPDATE`,
		roundID, models.BetPlaced, models.BetActive)
	if err != nil {
		return err
	}
	type refund struct {
		betID, userID string
		amount        int64
	}
	var refunds []refund
	for rows.Next() {
		var rf refund
		if err := rows.Scan(&rf.betID, &rf.userID, &rf.amount); err != nil {
			rows.Close()
			return err
		}
		refunds = append(refunds, rf)
	}
	rows.Close()

	for _, rf := range refunds {
		if _, err := applyLedgerTx(tx, rf.userID, roundID, models.EntryBetCancel, rf.amount); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE bets SET status = $1 WHERE id = $2`, models.BetCanceled, rf.betID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		UPDATE rounds SET phase = $1, crashed_at = NOW() WHERE id = $2`,
		models.PhaseCrash, roundID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) PlaceBet(ctx context.Context, roundID, userID string, slot int, amount int64, autoCashout *float64) (*models.Bet, error) {
	if slot != 0 && slot != 1 {
		return nil, models.ErrInvalidSlot
	}
	if amount <= 0 {
		return nil, models.ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	phase, err := p.roundPhaseTx(tx, roundID)
	if err != nil {
		return nil, err
	}
	if phase != models.PhaseBetting {
		return nil, models.ErrNotBetting
	}

	var occupied bool
	err = tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM bets
			WHERE round_id = $1 AND user_id = $2 AND slot = $3 AND status <> $4
		)`, roundID, userID, slot, models.BetCanceled).Scan(&occupied)
	if err != nil {
		return nil, err
	}
	if occupied {
		return nil, models.ErrSlotAlreadyUsed
	}

	if _, err := applyLedgerTx(tx, userID, roundID, models.EntryBetPlace, -amount); err != nil {
		return nil, err
	}

	bet := &models.Bet{
		ID:       uuid.New().String(),
		RoundID:  roundID,
		UserID:   userID,
		Slot:     slot,
		Amount:   amount,
		Status:   models.BetPlaced,
		PlacedAt: time.Now(),
	}
	if autoCashout != nil {
		ac := *autoCashout
		bet.AutoCashout = &ac
	}

	var auto sql.NullFloat64
	if bet.AutoCashout != nil {
		auto = sql.NullFloat64{Float64: *bet.AutoCashout, Valid: true}
	}
	_, err = tx.Exec(`
		INSERT INTO bets (id, round_id, user_id, slot, amount, auto_cashout, status, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		bet.ID, roundID, userID, slot, amount, auto, bet.Status, bet.PlacedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bet, nil
}

func (p *Postgres) CancelBet(ctx context.Context, roundID, userID string, slot int) (*models.Bet, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	phase, err := p.roundPhaseTx(tx, roundID)
	if err != nil {
		return nil, err
	}

	bet, err := p.betForUpdateTx(tx, roundID, userID, slot)
	if err != nil {
		return nil, err
	}
	// A locked-in bet is CANNOT_CANCEL even though the window is also closed.
	if bet.Status != models.BetPlaced {
		return nil, models.ErrCannotCancel
	}
	if phase != models.PhaseBetting {
		return nil, models.ErrNotBetting
	}

	if _, err := applyLedgerTx(tx, userID, roundID, models.EntryBetCancel, bet.Amount); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE bets SET status = $1 WHERE id = $2`, models.BetCanceled, bet.ID); err != nil {
		return nil, err
	}
	bet.Status = models.BetCanceled

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return bet, nil
}

// betForUpdateTx loads the newest non-canceled bet in the slot and locks it.
func (p *Postgres) betForUpdateTx(tx *sql.Tx, roundID, userID string, slot int) (*models.Bet, error) {
	var bet models.Bet
	var auto, cashoutMult sql.NullFloat64
	var cashoutAt sql.NullTime
	err := tx.QueryRow(`
		SELECT id, round_id, user_id, slot, amount, auto_cashout, status, payout,
			cashout_multiplier, placed_at, cashout_at
		FROM bets
		WHERE round_id = $1 AND user_id = $2 AND slot = $3 AND status <> $4
		ORDER BY placed_at DESC
		LIMIT 1
		FOR UPDATE`,
		roundID, userID, slot, models.BetCanceled).Scan(
		&bet.ID, &bet.RoundID, &bet.UserID, &bet.Slot, &bet.Amount, &auto,
		&bet.Status, &bet.Payout, &cashoutMult, &bet.PlacedAt, &cashoutAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrBetNotFound
	}
	if err != nil {
		return nil, err
	}
	if auto.Valid {
		bet.AutoCashout = &auto.Float64
	}
	if cashoutMult.Valid {
		bet.CashoutMultiplier = &cashoutMult.Float64
	}
	if cashoutAt.Valid {
		bet.CashoutAt = &cashoutAt.Time
	}
	return &bet, nil
}

func (p *Postgres) CashoutBet(ctx context.Context, roundID, userID string, slot int, multiplier float64) (*models.Bet, error) {
	if multiplier < 1.0 {
		return nil, models.ErrBadMultiplier
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	phase, err := p.roundPhaseTx(tx, roundID)
	if err != nil {
		return nil, err
	}
	if phase != models.PhaseFlight {
		return nil, models.ErrNotFlight
	}

	bet, err := p.betForUpdateTx(tx, roundID, userID, slot)
	if err != nil {
		return nil, err
	}

	mult := math.Floor(multiplier*100) / 100
	payout := int64(math.Floor(float64(bet.Amount) * mult))
	now := time.Now()

	// Status-guarded update: only the caller that still sees ACTIVE settles.
	result, err := tx.Exec(`
		UPDATE bets SET status = $1, payout = $2, cashout_multiplier = $3, cashout_at = $4
		WHERE id = $5 AND status = $6`,
		models.BetCashedOut, payout, mult, now, bet.ID, models.BetActive)
	if err != nil {
		return nil, err
	}
	updated, _ := result.RowsAffected()
	if updated == 0 {
		return nil, models.ErrCannotCashout
	}

	if _, err := applyLedgerTx(tx, userID, roundID, models.EntryCashout, payout); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	bet.Status = models.BetCashedOut
	bet.Payout = payout
	bet.CashoutMultiplier = &mult
	bet.CashoutAt = &now
	return bet, nil
}

func (p *Postgres) AutoCashoutCandidates(ctx context.Context, roundID string, multiplier float64) ([]models.Bet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, round_id, user_id, slot, amount, auto_cashout, status, payout, placed_at
		FROM bets
		WHERE round_id = $1 AND status = $2 AND auto_cashout IS NOT NULL AND auto_cashout <= $3
		ORDER BY auto_cashout ASC
		LIMIT 2000`,
		roundID, models.BetActive, multiplier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Bet
	for rows.Next() {
		var bet models.Bet
		var auto sql.NullFloat64
		if err := rows.Scan(&bet.ID, &bet.RoundID, &bet.UserID, &bet.Slot, &bet.Amount,
			&auto, &bet.Status, &bet.Payout, &bet.PlacedAt); err != nil {
			return nil, err
		}
		if auto.Valid {
			bet.AutoCashout = &auto.Float64
		}
		out = append(out, bet)
	}
	return out, rows.Err()
}

func (p *Postgres) SettleLosses(ctx context.Context, roundID string) ([]string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, user_id FROM bets
		WHERE round_id = $1 AND status = $2
		FOR UPDATE`,
		roundID, models.BetActive)
	if err != nil {
		return nil, err
	}
	type loser struct{ betID, userID string }
	var losers []loser
	for rows.Next() {
		var l loser
		if err := rows.Scan(&l.betID, &l.userID); err != nil {
			rows.Close()
			return nil, err
		}
		losers = append(losers, l)
	}
	rows.Close()

	seen := make(map[string]bool)
	var users []string
	for _, l := range losers {
		if _, err := tx.Exec(`
			UPDATE bets SET status = $1, payout = 0 WHERE id = $2`,
			models.BetLost, l.betID); err != nil {
			return nil, err
		}
		// Zero-delta audit entry; the stake was debited at placement.
		if _, err := applyLedgerTx(tx, l.userID, roundID, models.EntryLoss, 0); err != nil {
			return nil, err
		}
		if !seen[l.userID] {
			seen[l.userID] = true
			users = append(users, l.userID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return users, nil
}

func (p *Postgres) UserBets(ctx context.Context, userID, roundID string) ([]models.Bet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, round_id, user_id, slot, amount, auto_cashout, status, payout,
			cashout_multiplier, placed_at, cashout_at
		FROM bets
		WHERE round_id = $1 AND user_id = $2
		ORDER BY slot ASC, placed_at ASC`,
		roundID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Bet
	for rows.Next() {
		var bet models.Bet
		var auto, cashoutMult sql.NullFloat64
		var cashoutAt sql.NullTime
		if err := rows.Scan(&bet.ID, &bet.RoundID, &bet.UserID, &bet.Slot, &bet.Amount,
			&auto, &bet.Status, &bet.Payout, &cashoutMult, &bet.PlacedAt, &cashoutAt); err != nil {
			return nil, err
		}
		if auto.Valid {
			bet.AutoCashout = &auto.Float64
		}
		if cashoutMult.Valid {
			bet.CashoutMultiplier = &cashoutMult.Float64
		}
		if cashoutAt.Valid {
			bet.CashoutAt = &cashoutAt.Time
		}
		out = append(out, bet)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateUser(ctx context.Context, username, passwordHash string, startBalance int64) (*models.User, error) {
	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		Balance:      startBalance,
		CreatedAt:    time.Now(),
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, balance, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, username, passwordHash, startBalance, user.CreatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return nil, models.ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (p *Postgres) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var referredBy sql.NullString
	var lastBonus sql.NullTime
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Balance,
		&referredBy, &lastBonus, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if referredBy.Valid {
		user.ReferredBy = referredBy.String
	}
	if lastBonus.Valid {
		user.LastBonusAt = lastBonus.Time
	}
	return &user, nil
}

func (p *Postgres) UserByID(ctx context.Context, userID string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, balance, referred_by, last_bonus_at, created_at
		FROM users WHERE id = $1`, userID))
}

func (p *Postgres) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, balance, referred_by, last_bonus_at, created_at
		FROM users WHERE username = $1`, username))
}

func (p *Postgres) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, models.ErrUserNotFound
	}
	return balance, err
}

func (p *Postgres) LedgerEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, round_id, type, delta, balance_after, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		var round sql.NullString
		if err := rows.Scan(&entry.ID, &entry.UserID, &round, &entry.Type,
			&entry.Delta, &entry.BalanceAfter, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if round.Valid {
			entry.RoundID = round.String
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (p *Postgres) ClaimBonus(ctx context.Context, userID string, amount int64, minInterval time.Duration) (*models.LedgerEntry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var lastBonus sql.NullTime
	err = tx.QueryRow(`SELECT last_bonus_at FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&lastBonus)
	if err == sql.ErrNoRows {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastBonus.Valid && time.Since(lastBonus.Time) < minInterval {
		return nil, models.ErrBonusNotReady
	}

	balance, err := applyLedgerTx(tx, userID, "", models.EntryBonus, amount)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE users SET last_bonus_at = NOW() WHERE id = $1`, userID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &models.LedgerEntry{
		UserID:       userID,
		Type:         models.EntryBonus,
		Delta:        amount,
		BalanceAfter: balance,
		CreatedAt:    time.Now(),
	}, nil
}

func (p *Postgres) ApplyReferral(ctx context.Context, userID, referrerUsername string, amount int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var referredBy sql.NullString
	err = tx.QueryRow(`SELECT referred_by FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&referredBy)
	if err == sql.ErrNoRows {
		return models.ErrUserNotFound
	}
	if err != nil {
		return err
	}
	if referredBy.Valid {
		return models.ErrAlreadyReferred
	}

	var referrerID string
	err = tx.QueryRow(`SELECT id FROM users WHERE username = $1`, referrerUsername).Scan(&referrerID)
	if err == sql.ErrNoRows || referrerID == userID {
		return models.ErrUserNotFound
	}
	if err != nil {
		return err
	}

	if _, err := applyLedgerTx(tx, referrerID, "", models.EntryReferral, amount); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE users SET referred_by = $1 WHERE id = $2`, referrerID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) Leaderboard(ctx context.Context, limit int) ([]models.User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, username, balance, created_at
		FROM users
		ORDER BY balance DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Balance, &user.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}
