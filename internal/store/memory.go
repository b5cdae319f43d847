package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"crashpoint/internal/models"

	"github.com/google/uuid"
)

// Memory is an in-process Store with the same transactional semantics as the
// Postgres store. One mutex serializes all mutations, which keeps every
// balance+ledger pair atomic. Used by tests and as a zero-dependency dev mode.
type Memory struct {
	mu        sync.Mutex
	users     map[string]*models.User
	byName    map[string]string
	rounds    map[string]*models.Round
	lastNonce uint64
	bets      map[string]map[betKey]*models.Bet
	// autoIdx keeps each round's auto-cashout bets sorted by threshold so the
	// per-tick scan only touches qualifying rows.
	autoIdx map[string][]*models.Bet
	ledger  []models.LedgerEntry
	nextID  int64
}

type betKey struct {
	userID string
	slot   int
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]*models.User),
		byName:  make(map[string]string),
		rounds:  make(map[string]*models.Round),
		bets:    make(map[string]map[betKey]*models.Bet),
		autoIdx: make(map[string][]*models.Bet),
	}
}

// applyLedger mutates the balance and appends the matching entry. Callers
// hold the lock. A delta that would drive the balance negative fails with no
// effect.
func (m *Memory) applyLedger(userID, roundID string, typ models.EntryType, delta int64) (*models.LedgerEntry, error) {
	user, ok := m.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	next := user.Balance + delta
	if next < 0 {
		return nil, models.ErrInsufficientFunds
	}
	user.Balance = next

	m.nextID++
	entry := models.LedgerEntry{
		ID:           m.nextID,
		UserID:       userID,
		RoundID:      roundID,
		Type:         typ,
		Delta:        delta,
		BalanceAfter: next,
		CreatedAt:    time.Now(),
	}
	m.ledger = append(m.ledger, entry)
	return &entry, nil
}

func (m *Memory) CreateRound(ctx context.Context, round *models.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *round
	m.rounds[r.ID] = &r
	m.bets[r.ID] = make(map[betKey]*models.Bet)
	if r.Nonce > m.lastNonce {
		m.lastNonce = r.Nonce
	}
	return nil
}

func (m *Memory) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, models.ErrRoundNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) LastNonce(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastNonce, nil
}

func (m *Memory) BeginFlight(ctx context.Context, roundID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return 0, models.ErrRoundNotFound
	}
	r.Phase = models.PhaseFlight
	t := at
	r.FlightStartAt = &t

	count := 0
	for _, bet := range m.bets[roundID] {
		if bet.Status == models.BetPlaced {
			bet.Status = models.BetActive
			count++
		}
	}
	return count, nil
}

func (m *Memory) RevealRound(ctx context.Context, roundID, serverSeed string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return models.ErrRoundNotFound
	}
	r.Phase = models.PhaseCrash
	r.ServerSeed = serverSeed
	t := at
	r.CrashedAt = &t
	return nil
}

func (m *Memory) VoidOpenRounds(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	voided := 0
	for id, r := range m.rounds {
		if r.Phase == models.PhaseCrash {
			continue
		}
		for _, bet := range m.bets[id] {
			if bet.Status != models.BetPlaced && bet.Status != models.BetActive {
				continue
			}
			if _, err := m.applyLedger(bet.UserID, id, models.EntryBetCancel, bet.Amount); err != nil {
				return voided, err
			}
			bet.Status = models.BetCanceled
		}
		r.Phase = models.PhaseCrash
		now := time.Now()
		r.CrashedAt = &now
		delete(m.autoIdx, id)
		voided++
	}
	return voided, nil
}

func (m *Memory) PlaceBet(ctx context.Context, roundID, userID string, slot int, amount int64, autoCashout *float64) (*models.Bet, error) {
	if slot != 0 && slot != 1 {
		return nil, models.ErrInvalidSlot
	}
	if amount <= 0 {
		return nil, models.ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, models.ErrRoundNotFound
	}
	if r.Phase != models.PhaseBetting {
		return nil, models.ErrNotBetting
	}

	key := betKey{userID: userID, slot: slot}
	if existing, ok := m.bets[roundID][key]; ok && existing.Status != models.BetCanceled {
		return nil, models.ErrSlotAlreadyUsed
	}

	if _, err := m.applyLedger(userID, roundID, models.EntryBetPlace, -amount); err != nil {
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
		m.indexAutoCashout(roundID, bet)
	}
	m.bets[roundID][key] = bet

	cp := *bet
	return &cp, nil
}

func (m *Memory) indexAutoCashout(roundID string, bet *models.Bet) {
	idx := m.autoIdx[roundID]
	pos := sort.Search(len(idx), func(i int) bool {
		return *idx[i].AutoCashout > *bet.AutoCashout
	})
	idx = append(idx, nil)
	copy(idx[pos+1:], idx[pos:])
	idx[pos] = bet
	m.autoIdx[roundID] = idx
}

func (m *Memory) CancelBet(ctx context.Context, roundID, userID string, slot int) (*models.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, models.ErrRoundNotFound
	}

	bet, ok := m.bets[roundID][betKey{userID: userID, slot: slot}]
	if !ok {
		return nil, models.ErrBetNotFound
	}
	// A locked-in bet is CANNOT_CANCEL even though the window is also closed.
	if bet.Status != models.BetPlaced {
		return nil, models.ErrCannotCancel
	}
	if r.Phase != models.PhaseBetting {
		return nil, models.ErrNotBetting
	}

	if _, err := m.applyLedger(userID, roundID, models.EntryBetCancel, bet.Amount); err != nil {
		return nil, err
	}
	bet.Status = models.BetCanceled

	cp := *bet
	return &cp, nil
}

func (m *Memory) CashoutBet(ctx context.Context, roundID, userID string, slot int, multiplier float64) (*models.Bet, error) {
	if multiplier < 1.0 {
		return nil, models.ErrBadMultiplier
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, models.ErrRoundNotFound
	}
	if r.Phase != models.PhaseFlight {
		return nil, models.ErrNotFlight
	}

	bet, ok := m.bets[roundID][betKey{userID: userID, slot: slot}]
	if !ok {
		return nil, models.ErrBetNotFound
	}
	// Status guard: the first caller to observe ACTIVE wins the race.
	if bet.Status != models.BetActive {
		return nil, models.ErrCannotCashout
	}

	mult := math.Floor(multiplier*100) / 100
	payout := int64(math.Floor(float64(bet.Amount) * mult))

	if _, err := m.applyLedger(userID, roundID, models.EntryCashout, payout); err != nil {
		return nil, err
	}

	now := time.Now()
	bet.Status = models.BetCashedOut
	bet.Payout = payout
	bet.CashoutMultiplier = &mult
	bet.CashoutAt = &now

	cp := *bet
	return &cp, nil
}

func (m *Memory) AutoCashoutCandidates(ctx context.Context, roundID string, multiplier float64) ([]models.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Bet
	for _, bet := range m.autoIdx[roundID] {
		if *bet.AutoCashout > multiplier {
			break
		}
		if bet.Status != models.BetActive {
			continue
		}
		out = append(out, *bet)
	}
	return out, nil
}

func (m *Memory) SettleLosses(ctx context.Context, roundID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var losers []string
	for _, bet := range m.bets[roundID] {
		if bet.Status != models.BetActive {
			continue
		}
		// Stake was debited at placement; the LOSS entry is audit-only.
		if _, err := m.applyLedger(bet.UserID, roundID, models.EntryLoss, 0); err != nil {
			return losers, err
		}
		bet.Status = models.BetLost
		bet.Payout = 0
		if !seen[bet.UserID] {
			seen[bet.UserID] = true
			losers = append(losers, bet.UserID)
		}
	}
	delete(m.autoIdx, roundID)
	return losers, nil
}

func (m *Memory) UserBets(ctx context.Context, userID, roundID string) ([]models.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Bet
	for key, bet := range m.bets[roundID] {
		if key.userID == userID {
			out = append(out, *bet)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (m *Memory) CreateUser(ctx context.Context, username, passwordHash string, startBalance int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[username]; exists {
		return nil, models.ErrUsernameTaken
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		Balance:      startBalance,
		CreatedAt:    time.Now(),
	}
	m.users[user.ID] = user
	m.byName[username] = user.ID

	cp := *user
	return &cp, nil
}

func (m *Memory) UserByID(ctx context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (m *Memory) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[username]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *Memory) Balance(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, models.ErrUserNotFound
	}
	return user.Balance, nil
}

func (m *Memory) LedgerEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.LedgerEntry
	for i := len(m.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger[i].UserID == userID {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *Memory) ClaimBonus(ctx context.Context, userID string, amount int64, minInterval time.Duration) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	if !user.LastBonusAt.IsZero() && time.Since(user.LastBonusAt) < minInterval {
		return nil, models.ErrBonusNotReady
	}

	entry, err := m.applyLedger(userID, "", models.EntryBonus, amount)
	if err != nil {
		return nil, err
	}
	user.LastBonusAt = time.Now()
	return entry, nil
}

func (m *Memory) ApplyReferral(ctx context.Context, userID, referrerUsername string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	if user.ReferredBy != "" {
		return models.ErrAlreadyReferred
	}
	referrerID, ok := m.byName[referrerUsername]
	if !ok || referrerID == userID {
		return models.ErrUserNotFound
	}

	if _, err := m.applyLedger(referrerID, "", models.EntryReferral, amount); err != nil {
		return err
	}
	user.ReferredBy = referrerID
	return nil
}

func (m *Memory) Leaderboard(ctx context.Context, limit int) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.User, 0, len(m.users))
	for _, user := range m.users {
		out = append(out, *user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Balance > out[j].Balance })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
