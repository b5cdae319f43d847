package fair

import (
	"math"
	"testing"
)

func TestMultiplierDeterministic(t *testing.T) {
	oracle := HMACOracle{HouseEdge: 0.01}

	first := oracle.Multiplier("secret-seed", "client-seed", 42)
	for i := 0; i < 100; i++ {
		if m := oracle.Multiplier("secret-seed", "client-seed", 42); m != first {
			t.Fatalf("multiplier not deterministic: %v != %v", m, first)
		}
	}

	// A fresh oracle with the same edge must agree.
	if m := (HMACOracle{HouseEdge: 0.01}).Multiplier("secret-seed", "client-seed", 42); m != first {
		t.Errorf("multiplier differs across oracle instances: %v != %v", m, first)
	}
}

func TestMultiplierVariesWithInputs(t *testing.T) {
	oracle := HMACOracle{}

	base := oracle.Multiplier("seed-a", "client", 1)
	same := 0
	for nonce := uint64(2); nonce < 50; nonce++ {
		if oracle.Multiplier("seed-a", "client", nonce) == base {
			same++
		}
	}
	// Identical outcomes for most nonces would mean the nonce is ignored.
	if same > 40 {
		t.Errorf("multiplier barely varies with nonce (%d/48 equal)", same)
	}
}

func TestMultiplierNeverBelowOne(t *testing.T) {
	oracle := HMACOracle{HouseEdge: 0.2}

	for nonce := uint64(1); nonce <= 2000; nonce++ {
		m := oracle.Multiplier("floor-seed", "client", nonce)
		if m < 1.0 {
			t.Fatalf("multiplier %v below 1.00 at nonce %d", m, nonce)
		}
	}
}

func TestMultiplierTwoDecimals(t *testing.T) {
	oracle := HMACOracle{HouseEdge: 0.01}

	for nonce := uint64(1); nonce <= 500; nonce++ {
		m := oracle.Multiplier("decimals-seed", "client", nonce)
		scaled := m * 100
		if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
			t.Fatalf("multiplier %v has more than two decimals", m)
		}
	}
}

func TestHouseEdgeClamped(t *testing.T) {
	over := HMACOracle{HouseEdge: 0.9}
	max := HMACOracle{HouseEdge: 0.2}
	negative := HMACOracle{HouseEdge: -1}
	zero := HMACOracle{HouseEdge: 0}

	for nonce := uint64(1); nonce <= 100; nonce++ {
		if over.Multiplier("clamp-seed", "client", nonce) != max.Multiplier("clamp-seed", "client", nonce) {
			t.Fatalf("edge above 0.2 not clamped at nonce %d", nonce)
		}
		if negative.Multiplier("clamp-seed", "client", nonce) != zero.Multiplier("clamp-seed", "client", nonce) {
			t.Fatalf("negative edge not clamped at nonce %d", nonce)
		}
	}
}

func TestSeedCommitment(t *testing.T) {
	seed, err := NewServerSeed()
	if err != nil {
		t.Fatalf("NewServerSeed: %v", err)
	}
	if len(seed) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(seed))
	}

	hash := SeedHash(seed)
	oracle := HMACOracle{HouseEdge: 0.01}
	want := oracle.Multiplier(seed, "client", 7)

	got, ok := Verify(seed, hash, "client", 7, 0.01)
	if !ok {
		t.Fatal("verification failed against the correct commitment")
	}
	if got != want {
		t.Errorf("recomputed multiplier %v, broadcast value was %v", got, want)
	}

	if _, ok := Verify(seed, SeedHash("another-seed"), "client", 7, 0.01); ok {
		t.Error("verification passed against a foreign commitment")
	}
}

func TestDistribution(t *testing.T) {
	// P(m >= 2.00) is about (1-edge)/2 for this construction.
	oracle := HMACOracle{HouseEdge: 0.01}
	iterations := 5000

	above := 0
	for nonce := uint64(0); nonce < uint64(iterations); nonce++ {
		if oracle.Multiplier("distribution-seed", "client", nonce) >= 2.0 {
			above++
		}
	}

	ratio := float64(above) / float64(iterations)
	if ratio < 0.44 || ratio > 0.55 {
		t.Errorf("unexpected share of rounds at or above 2.00x: %.3f", ratio)
	}
}
