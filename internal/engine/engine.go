// Package engine drives the round state machine:
// BETTING -> FLIGHT -> CRASH -> COOLDOWN -> next round. One engine per
// process owns the flight clock; bet operations arrive concurrently from the
// transport and are phase-gated here, with the store's status-guarded
// transactions as the final arbiter.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"crashpoint/internal/fair"
	"crashpoint/internal/models"
	"crashpoint/internal/store"

	"github.com/google/uuid"
)

const createRetryDelay = 500 * time.Millisecond

type Config struct {
	BettingWindow time.Duration
	TickInterval  time.Duration
	Cooldown      time.Duration
	GrowthK       float64
	ClientSeed    string
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.BettingWindow <= 0 {
		c.BettingWindow = 6 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Second
	}
	if c.GrowthK <= 0 {
		c.GrowthK = 0.08
	}
	if c.ClientSeed == "" {
		c.ClientSeed = "global-client-seed"
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 25
	}
	return c
}

// Broadcaster receives every state change for fan-out. Delivery is
// at-least-once; receivers must tolerate duplicates.
type Broadcaster interface {
	RoundState(state models.RoundState)
	FlightTick(roundID string, multiplier float64, elapsedMs int64)
	RoundCrash(roundID string, crashMultiplier float64, serverSeed string, endedAt int64)
	HistoryUpdate(history []float64)
	BetsUpdate(userID string, bets []models.Bet)
	BalanceUpdate(userID string, balance int64)
}

type nopBroadcaster struct{}

func (nopBroadcaster) RoundState(models.RoundState)              {}
func (nopBroadcaster) FlightTick(string, float64, int64)         {}
func (nopBroadcaster) RoundCrash(string, float64, string, int64) {}
func (nopBroadcaster) HistoryUpdate([]float64)                   {}
func (nopBroadcaster) BetsUpdate(string, []models.Bet)           {}
func (nopBroadcaster) BalanceUpdate(string, int64)               {}

// liveRound is the engine's owned view of the round in play. The phase here
// includes COOLDOWN, which the persisted round row never holds.
type liveRound struct {
	round          models.Round
	serverSeed     string
	phase          models.Phase
	flightStart    time.Time
	lastMultiplier float64
}

type Engine struct {
	store   store.Store
	oracle  fair.Oracle
	bc      Broadcaster
	cfg     Config
	newSeed func() (string, error)

	mu      sync.RWMutex
	cur     *liveRound
	history *crashHistory
}

func New(st store.Store, oracle fair.Oracle, bc Broadcaster, cfg Config) *Engine {
	if bc == nil {
		bc = nopBroadcaster{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		store:   st,
		oracle:  oracle,
		bc:      bc,
		cfg:     cfg,
		newSeed: fair.NewServerSeed,
		history: newCrashHistory(cfg.HistorySize),
	}
}

// Run executes the round loop until the context is canceled. Rounds left
// open by a previous process are voided (bets refunded) before the first
// round starts.
func (e *Engine) Run(ctx context.Context) error {
	voided, err := e.store.VoidOpenRounds(ctx)
	if err != nil {
		return err
	}
	if voided > 0 {
		log.Printf("engine: voided %d interrupted round(s), stakes refunded", voided)
	}

	for {
		if err := e.startRound(ctx); err != nil {
			return err
		}
		if err := sleepCtx(ctx, e.cfg.BettingWindow); err != nil {
			return err
		}
		if err := e.beginFlight(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("engine: flight start failed, voiding round: %v", err)
			if _, verr := e.store.VoidOpenRounds(ctx); verr != nil {
				log.Printf("engine: void after failed flight start: %v", verr)
			}
			continue
		}
		if err := e.fly(ctx); err != nil {
			return err
		}
		e.crash(ctx)
		if err := sleepCtx(ctx, e.cfg.Cooldown); err != nil {
			return err
		}
	}
}

// startRound creates and persists the next round, retrying until it exists.
// The machine never advances to FLIGHT without a persisted round and a fixed
// crash target.
func (e *Engine) startRound(ctx context.Context) error {
	for {
		err := e.createRound(ctx)
		if err == nil {
			return nil
		}
		log.Printf("engine: round creation failed, retrying: %v", err)
		if serr := sleepCtx(ctx, createRetryDelay); serr != nil {
			return serr
		}
	}
}

func (e *Engine) createRound(ctx context.Context) error {
	nonce, err := e.store.LastNonce(ctx)
	if err != nil {
		return err
	}
	nonce++

	seed, err := e.newSeed()
	if err != nil {
		return err
	}

	now := time.Now()
	round := models.Round{
		ID:              uuid.New().String(),
		Nonce:           nonce,
		Phase:           models.PhaseBetting,
		ServerSeedHash:  fair.SeedHash(seed),
		ClientSeed:      e.cfg.ClientSeed,
		CrashMultiplier: e.oracle.Multiplier(seed, e.cfg.ClientSeed, nonce),
		BettingStartAt:  now,
		BettingEndAt:    now.Add(e.cfg.BettingWindow),
	}
	if err := e.store.CreateRound(ctx, &round); err != nil {
		return err
	}

	e.mu.Lock()
	e.cur = &liveRound{
		round:          round,
		serverSeed:     seed,
		phase:          models.PhaseBetting,
		lastMultiplier: 1.0,
	}
	e.mu.Unlock()

	log.Printf("engine: round %s (nonce %d) open for betting", round.ID, nonce)
	e.bc.RoundState(e.publicState())
	return nil
}

// beginFlight is the lock-in moment: every PLACED bet flips to ACTIVE and no
// further placement or cancellation is accepted for this round.
func (e *Engine) beginFlight(ctx context.Context) error {
	e.mu.Lock()
	roundID := e.cur.round.ID
	e.mu.Unlock()

	now := time.Now()
	activated, err := e.store.BeginFlight(ctx, roundID, now)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.cur.phase = models.PhaseFlight
	e.cur.flightStart = now
	e.mu.Unlock()

	log.Printf("engine: round %s in flight, %d bet(s) locked in", roundID, activated)
	e.bc.RoundState(e.publicState())
	return nil
}

// fly ticks the multiplier curve until it reaches the crash target. The
// auto-cashout scan is dispatched off the tick goroutine so a slow settlement
// delays that settlement, never the clock. The final tick waits for every
// dispatched settlement and re-scans synchronously, so a bet whose threshold
// was crossed is always paid before losses settle.
func (e *Engine) fly(ctx context.Context) error {
	e.mu.RLock()
	roundID := e.cur.round.ID
	crashTarget := e.cur.round.CrashMultiplier
	flightStart := e.cur.flightStart
	e.mu.RUnlock()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	var settlements sync.WaitGroup
	defer settlements.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		elapsed := time.Since(flightStart)
		m := multiplierAt(e.cfg.GrowthK, elapsed)
		// The curve never shows a value past the crash point.
		if m > crashTarget {
			m = crashTarget
		}

		e.mu.Lock()
		e.cur.lastMultiplier = m
		e.mu.Unlock()

		e.bc.FlightTick(roundID, m, elapsed.Milliseconds())

		candidates, err := e.store.AutoCashoutCandidates(ctx, roundID, m)
		if err != nil {
			log.Printf("engine: auto-cashout scan failed: %v", err)
		} else if len(candidates) > 0 {
			settlements.Add(1)
			go func(c []models.Bet, mult float64) {
				defer settlements.Done()
				e.runAutoCashouts(ctx, roundID, c, mult)
			}(candidates, m)
		}

		if m >= crashTarget {
			settlements.Wait()
			if remaining, err := e.store.AutoCashoutCandidates(ctx, roundID, crashTarget); err != nil {
				log.Printf("engine: final auto-cashout scan failed: %v", err)
			} else if len(remaining) > 0 {
				e.runAutoCashouts(ctx, roundID, remaining, crashTarget)
			}
			return nil
		}
	}
}

func (e *Engine) runAutoCashouts(ctx context.Context, roundID string, candidates []models.Bet, multiplier float64) {
	for _, bet := range candidates {
		_, err := e.store.CashoutBet(ctx, roundID, bet.UserID, bet.Slot, multiplier)
		if err != nil {
			// Losing the race to a manual cashout or to the crash is routine.
			if errors.Is(err, models.ErrCannotCashout) || errors.Is(err, models.ErrNotFlight) {
				continue
			}
			log.Printf("engine: auto-cashout for user %s slot %d failed: %v", bet.UserID, bet.Slot, err)
			continue
		}
		e.notifyUser(ctx, bet.UserID, roundID)
	}
}

// crash reveals the seed, settles the remaining ACTIVE bets as losses and
// records the outcome in the history buffer.
func (e *Engine) crash(ctx context.Context) {
	e.mu.Lock()
	e.cur.phase = models.PhaseCrash
	roundID := e.cur.round.ID
	crashMultiplier := e.cur.round.CrashMultiplier
	serverSeed := e.cur.serverSeed
	e.mu.Unlock()

	endedAt := time.Now()
	if err := e.store.RevealRound(ctx, roundID, serverSeed, endedAt); err != nil {
		log.Printf("engine: seed reveal for round %s failed: %v", roundID, err)
	}

	losers, err := e.store.SettleLosses(ctx, roundID)
	if err != nil {
		log.Printf("engine: loss settlement for round %s failed: %v", roundID, err)
	}

	e.history.Push(crashMultiplier)

	log.Printf("engine: round %s crashed at %.2fx, %d loser(s)", roundID, crashMultiplier, len(losers))
	e.bc.RoundCrash(roundID, crashMultiplier, serverSeed, endedAt.UnixMilli())
	e.bc.HistoryUpdate(e.history.Values())

	for _, userID := range losers {
		e.notifyUser(ctx, userID, roundID)
	}

	e.mu.Lock()
	e.cur.phase = models.PhaseCooldown
	e.mu.Unlock()
	e.bc.RoundState(e.publicState())
}

// PlaceBet wagers amount points on a slot of the current round. Valid only
// during the betting window.
func (e *Engine) PlaceBet(ctx context.Context, userID, roundID string, slot int, amount int64, autoCashout *float64) (*models.Bet, error) {
	if slot != 0 && slot != 1 {
		return nil, models.ErrInvalidSlot
	}
	if amount <= 0 {
		return nil, models.ErrInvalidAmount
	}
	if autoCashout != nil && *autoCashout < 1.0 {
		return nil, models.ErrBadMultiplier
	}
	if err := e.gate(roundID, models.PhaseBetting, models.ErrNotBetting); err != nil {
		return nil, err
	}

	bet, err := e.store.PlaceBet(ctx, roundID, userID, slot, amount, autoCashout)
	if err != nil {
		return nil, err
	}
	e.notifyUser(ctx, userID, roundID)
	return bet, nil
}

// CancelBet refunds a still-PLACED bet during the betting window. The store
// distinguishes a locked-in bet (CANNOT_CANCEL) from a closed window
// (NOT_BETTING), so only round identity is gated here.
func (e *Engine) CancelBet(ctx context.Context, userID, roundID string, slot int) (*models.Bet, error) {
	if err := e.gateRound(roundID); err != nil {
		return nil, err
	}

	bet, err := e.store.CancelBet(ctx, roundID, userID, slot)
	if err != nil {
		return nil, err
	}
	e.notifyUser(ctx, userID, roundID)
	return bet, nil
}

// CashoutBet settles an ACTIVE bet at the requested multiplier, capped at the
// live tick value so a caller cannot quote itself a better price than the
// flight has reached.
func (e *Engine) CashoutBet(ctx context.Context, userID, roundID string, slot int, multiplier float64) (*models.Bet, error) {
	if multiplier < 1.0 {
		return nil, models.ErrBadMultiplier
	}
	if err := e.gate(roundID, models.PhaseFlight, models.ErrNotFlight); err != nil {
		return nil, err
	}

	e.mu.RLock()
	live := e.cur.lastMultiplier
	e.mu.RUnlock()
	if multiplier > live {
		multiplier = live
	}
	if multiplier < 1.0 {
		multiplier = 1.0
	}

	bet, err := e.store.CashoutBet(ctx, roundID, userID, slot, multiplier)
	if err != nil {
		return nil, err
	}
	e.notifyUser(ctx, userID, roundID)
	return bet, nil
}

// gate rejects operations aimed at a round that is not current or not in the
// wanted phase. The store re-checks inside the transaction; this keeps
// rejected calls off the database.
func (e *Engine) gate(roundID string, want models.Phase, phaseErr *models.GameError) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.cur == nil || e.cur.round.ID != roundID {
		return models.ErrRoundNotFound
	}
	if e.cur.phase != want {
		return phaseErr
	}
	return nil
}

func (e *Engine) gateRound(roundID string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.cur == nil || e.cur.round.ID != roundID {
		return models.ErrRoundNotFound
	}
	return nil
}

func (e *Engine) GetUserBets(ctx context.Context, userID, roundID string) ([]models.Bet, error) {
	return e.store.UserBets(ctx, userID, roundID)
}

// GetPublicRoundState reports the current round without the crash target or
// unrevealed seed. ok is false before the first round opens.
func (e *Engine) GetPublicRoundState() (models.RoundState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.cur == nil {
		return models.RoundState{}, false
	}
	return e.stateLocked(), true
}

func (e *Engine) publicState() models.RoundState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() models.RoundState {
	return models.RoundState{
		RoundID:        e.cur.round.ID,
		Phase:          e.cur.phase,
		ServerSeedHash: e.cur.round.ServerSeedHash,
		ClientSeed:     e.cur.round.ClientSeed,
		Nonce:          e.cur.round.Nonce,
		BettingEndsAt:  e.cur.round.BettingEndAt.UnixMilli(),
		StartsAt:       e.cur.round.BettingEndAt.UnixMilli(),
		LastMultiplier: e.cur.lastMultiplier,
	}
}

func (e *Engine) RecentCrashHistory() []float64 {
	return e.history.Values()
}

func (e *Engine) notifyUser(ctx context.Context, userID, roundID string) {
	bets, err := e.store.UserBets(ctx, userID, roundID)
	if err == nil {
		e.bc.BetsUpdate(userID, bets)
	}
	balance, err := e.store.Balance(ctx, userID)
	if err == nil {
		e.bc.BalanceUpdate(userID, balance)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
