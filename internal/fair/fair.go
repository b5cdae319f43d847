// Package fair derives provably-fair crash multipliers. The server seed is
// committed via its SHA-256 hash before any bets are visible; after the crash
// the seed is revealed and anyone can recompute the multiplier and check the
// commitment.
package fair

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

// Oracle is the multiplier source the round scheduler consumes. Tests swap in
// fixed-target stubs.
type Oracle interface {
	Multiplier(serverSeed, clientSeed string, nonce uint64) float64
}

// HMACOracle implements the HMAC-SHA256 crash derivation with a house edge
// applied. The zero value plays with no edge.
type HMACOracle struct {
	HouseEdge float64
}

// Multiplier is pure: the same seeds and nonce always produce the same value.
// The first 52 bits of HMAC-SHA256(serverSeed, clientSeed:nonce) are
// normalized into u in [0,1) and mapped through (1-edge)/(1-u), floored to
// two decimals and never below 1.00.
func (o HMACOracle) Multiplier(serverSeed, clientSeed string, nonce uint64) float64 {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	fmt.Fprintf(mac, "%s:%d", clientSeed, nonce)
	digest := hex.EncodeToString(mac.Sum(nil))

	r, _ := strconv.ParseUint(digest[:13], 16, 64) // 52 bits
	u := float64(r) / float64(uint64(1)<<52)

	edge := math.Max(0, math.Min(0.2, o.HouseEdge))
	m := (1 - edge) / (1 - u)

	return math.Max(1.0, math.Floor(m*100)/100)
}

// NewServerSeed returns a fresh 32-byte hex seed.
func NewServerSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SeedHash is the commitment published at round creation.
func SeedHash(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// Verify recomputes the multiplier from a revealed seed and checks it against
// the hash committed before the round.
func Verify(serverSeed, serverSeedHash, clientSeed string, nonce uint64, houseEdge float64) (float64, bool) {
	if SeedHash(serverSeed) != serverSeedHash {
		return 0, false
	}
	return HMACOracle{HouseEdge: houseEdge}.Multiplier(serverSeed, clientSeed, nonce), true
}
