package models

import "time"

type Phase string

const (
	PhaseBetting  Phase = "BETTING"
	PhaseFlight   Phase = "FLIGHT"
	PhaseCrash    Phase = "CRASH"
	PhaseCooldown Phase = "COOLDOWN"
)

// Round is one betting->flight->crash cycle. CrashMultiplier is fixed at
// creation and never recomputed; ServerSeed stays empty until the round
// crashes and the seed is revealed.
type Round struct {
	ID              string     `json:"roundId"`
	Nonce           uint64     `json:"nonce"`
	Phase           Phase      `json:"phase"`
	ServerSeedHash  string     `json:"serverSeedHash"`
	ServerSeed      string     `json:"serverSeed,omitempty"`
	ClientSeed      string     `json:"clientSeed"`
	CrashMultiplier float64    `json:"-"`
	BettingStartAt  time.Time  `json:"bettingStartAt"`
	BettingEndAt    time.Time  `json:"bettingEndAt"`
	FlightStartAt   *time.Time `json:"flightStartAt,omitempty"`
	CrashedAt       *time.Time `json:"crashedAt,omitempty"`
}

// RoundState is the public view broadcast to clients. It never carries the
// crash multiplier or, before the crash, the server seed.
type RoundState struct {
	RoundID        string  `json:"roundId"`
	Phase          Phase   `json:"phase"`
	ServerSeedHash string  `json:"serverSeedHash"`
	ClientSeed     string  `json:"clientSeed"`
	Nonce          uint64  `json:"nonce"`
	BettingEndsAt  int64   `json:"bettingEndsAt"`
	StartsAt       int64   `json:"startsAt"`
	LastMultiplier float64 `json:"lastMultiplier"`
}
