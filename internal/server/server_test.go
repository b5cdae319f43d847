package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"crashpoint/internal/config"
	"crashpoint/internal/engine"
	"crashpoint/internal/fair"
	"crashpoint/internal/models"
	"crashpoint/internal/store"

	"github.com/gin-gonic/gin"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.ReleaseMode)
	os.Exit(m.Run())
}

func testAppConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.JWTSecret = "test-secret"
	cfg.Game.HouseEdge = 0.01
	cfg.Points.StartBalance = 1000
	cfg.Points.MaxStake = 100000
	cfg.Points.DailyBonus = 500
	cfg.Points.ReferralBonus = 250
	return cfg
}

type testApp struct {
	server *GameServer
	store  *store.Memory
	engine *engine.Engine
}

// newTestApp wires the full stack against the in-memory store with a fast
// round clock. The engine loop runs until the test finishes.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := testAppConfig()
	st := store.NewMemory()
	eng := engine.New(st, fair.HMACOracle{HouseEdge: cfg.Game.HouseEdge}, nil, engine.Config{
		BettingWindow: 300 * time.Millisecond,
		TickInterval:  5 * time.Millisecond,
		Cooldown:      50 * time.Millisecond,
		GrowthK:       30,
		ClientSeed:    "test-client-seed",
		HistorySize:   25,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testApp{
		server: NewGameServer(cfg, st, eng, NewHub()),
		store:  st,
		engine: eng,
	}
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	a.server.router.ServeHTTP(w, req)

	out := make(map[string]any)
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, out
}

func (a *testApp) registerAndLogin(t *testing.T, username string) string {
	t.Helper()

	w, _ := a.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": username, "password": "hunter22",
	})
	if w.Code != 200 {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}

	w, resp := a.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": username, "password": "hunter22",
	})
	if w.Code != 200 {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

// waitFreshBetting blocks until a new betting window opens, so the caller has
// the whole window ahead of it.
func (a *testApp) waitFreshBetting(t *testing.T) models.RoundState {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	sawOtherPhase := false
	for time.Now().Before(deadline) {
		state, ok := a.engine.GetPublicRoundState()
		if ok {
			if state.Phase != models.PhaseBetting {
				sawOtherPhase = true
			} else if sawOtherPhase {
				return state
			}
		} else {
			sawOtherPhase = true
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a fresh betting window")
	return models.RoundState{}
}

func TestRegisterAndLogin(t *testing.T) {
	app := newTestApp(t)

	w, resp := app.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "alice", "password": "hunter22",
	})
	if w.Code != 200 {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}
	if balance, _ := resp["balance"].(float64); int64(balance) != 1000 {
		t.Errorf("starting balance = %v, want 1000", resp["balance"])
	}

	w, resp = app.do(t, http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "alice", "password": "different",
	})
	if w.Code != 400 || resp["code"] != models.ErrUsernameTaken.Code {
		t.Errorf("duplicate register: status %d body %s", w.Code, w.Body.String())
	}

	if w, _ := app.do(t, http.MethodPost, "/api/auth/login", "", gin.H{
		"username": "alice", "password": "wrong-password",
	}); w.Code != 401 {
		t.Errorf("bad password login: status %d, want 401", w.Code)
	}

	token := app.registerAndLogin(t, "bob")
	w, resp = app.do(t, http.MethodGet, "/api/user/balance", token, nil)
	if w.Code != 200 {
		t.Fatalf("balance: status %d body %s", w.Code, w.Body.String())
	}
	if balance, _ := resp["balance"].(float64); int64(balance) != 1000 {
		t.Errorf("balance = %v, want 1000", resp["balance"])
	}
}

func TestAuthRequired(t *testing.T) {
	app := newTestApp(t)

	if w, _ := app.do(t, http.MethodGet, "/api/user/balance", "", nil); w.Code != 401 {
		t.Errorf("no token: status %d, want 401", w.Code)
	}
	if w, _ := app.do(t, http.MethodGet, "/api/user/balance", "not-a-jwt", nil); w.Code != 401 {
		t.Errorf("garbage token: status %d, want 401", w.Code)
	}
}

func TestBetOverHTTP(t *testing.T) {
	app := newTestApp(t)
	token := app.registerAndLogin(t, "alice")
	state := app.waitFreshBetting(t)

	w, resp := app.do(t, http.MethodPost, "/api/bet", token, gin.H{
		"roundId": state.RoundID, "slot": 0, "amount": 100,
	})
	if w.Code != 200 {
		t.Fatalf("place bet: status %d body %s", w.Code, w.Body.String())
	}
	if resp["status"] != string(models.BetPlaced) {
		t.Errorf("bet status = %v, want PLACED", resp["status"])
	}

	w, resp = app.do(t, http.MethodPost, "/api/bet", token, gin.H{
		"roundId": state.RoundID, "slot": 0, "amount": 100,
	})
	if w.Code != 400 || resp["code"] != models.ErrSlotAlreadyUsed.Code {
		t.Errorf("duplicate slot: status %d body %s", w.Code, w.Body.String())
	}

	if w, _ := app.do(t, http.MethodPost, "/api/bet", token, gin.H{
		"roundId": state.RoundID, "slot": 1, "amount": 9999999,
	}); w.Code != 400 {
		t.Errorf("over max stake: status %d, want 400", w.Code)
	}

	if w, _ := app.do(t, http.MethodPost, "/api/bet", token, gin.H{
		"roundId": state.RoundID, "slot": 1, "amount": -5,
	}); w.Code != 400 {
		t.Errorf("negative amount: status %d, want 400", w.Code)
	}

	w, resp = app.do(t, http.MethodGet, "/api/user/balance", token, nil)
	if w.Code != 200 {
		t.Fatalf("balance: status %d", w.Code)
	}
	if balance, _ := resp["balance"].(float64); int64(balance) != 900 {
		t.Errorf("balance = %v, want 900 after one stake", resp["balance"])
	}

	w, resp = app.do(t, http.MethodGet, fmt.Sprintf("/api/user/bets?roundId=%s", state.RoundID), token, nil)
	if w.Code != 200 {
		t.Fatalf("user bets: status %d", w.Code)
	}
	if bets, _ := resp["bets"].([]any); len(bets) != 1 {
		t.Errorf("got %d bets, want 1", len(bets))
	}
}

func TestVerifyFairnessEndpoint(t *testing.T) {
	app := newTestApp(t)

	// Let a full round finish so the seed is revealed.
	first := app.waitFreshBetting(t)
	app.waitFreshBetting(t)

	w, resp := app.do(t, http.MethodPost, "/api/game/verify", "", gin.H{
		"roundId": first.RoundID,
	})
	if w.Code != 200 {
		t.Fatalf("verify: status %d body %s", w.Code, w.Body.String())
	}
	if resp["valid"] != true {
		t.Errorf("verify reported valid=%v for an honest round: %s", resp["valid"], w.Body.String())
	}
	if resp["serverSeed"] == "" {
		t.Error("verify response missing the revealed seed")
	}

	// Unknown rounds are a 404, not a failed verification.
	if w, _ := app.do(t, http.MethodPost, "/api/game/verify", "", gin.H{
		"roundId": "no-such-round",
	}); w.Code != 404 {
		t.Errorf("unknown round: status %d, want 404", w.Code)
	}
}

func TestBonusAndLeaderboard(t *testing.T) {
	app := newTestApp(t)
	token := app.registerAndLogin(t, "alice")

	w, resp := app.do(t, http.MethodPost, "/api/bonus/claim", token, nil)
	if w.Code != 200 {
		t.Fatalf("bonus claim: status %d body %s", w.Code, w.Body.String())
	}
	if balance, _ := resp["balance"].(float64); int64(balance) != 1500 {
		t.Errorf("balance after bonus = %v, want 1500", resp["balance"])
	}

	w, resp = app.do(t, http.MethodPost, "/api/bonus/claim", token, nil)
	if w.Code != 400 || resp["code"] != models.ErrBonusNotReady.Code {
		t.Errorf("second claim: status %d body %s", w.Code, w.Body.String())
	}

	w, resp = app.do(t, http.MethodGet, "/api/leaderboard", "", nil)
	if w.Code != 200 {
		t.Fatalf("leaderboard: status %d", w.Code)
	}
	rows, _ := resp["leaderboard"].([]any)
	if len(rows) != 1 {
		t.Fatalf("leaderboard rows = %d, want 1", len(rows))
	}
	top, _ := rows[0].(map[string]any)
	if top["username"] != "alice" {
		t.Errorf("leaderboard top = %v, want alice", top["username"])
	}
}

func TestReferralOverHTTP(t *testing.T) {
	app := newTestApp(t)
	veteran := app.registerAndLogin(t, "veteran")
	rookie := app.registerAndLogin(t, "rookie")

	w, _ := app.do(t, http.MethodPost, "/api/referral/claim", rookie, gin.H{
		"referrer": "veteran",
	})
	if w.Code != 200 {
		t.Fatalf("referral claim: status %d body %s", w.Code, w.Body.String())
	}

	w, resp := app.do(t, http.MethodGet, "/api/user/balance", veteran, nil)
	if w.Code != 200 {
		t.Fatalf("balance: status %d", w.Code)
	}
	if balance, _ := resp["balance"].(float64); int64(balance) != 1250 {
		t.Errorf("referrer balance = %v, want 1250", resp["balance"])
	}

	w, resp = app.do(t, http.MethodPost, "/api/referral/claim", rookie, gin.H{
		"referrer": "veteran",
	})
	if w.Code != 400 || resp["code"] != models.ErrAlreadyReferred.Code {
		t.Errorf("second referral: status %d body %s", w.Code, w.Body.String())
	}
}
