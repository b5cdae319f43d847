package engine

import (
	"math"
	"testing"
	"time"
)

func TestCurveStartsAtOne(t *testing.T) {
	if m := multiplierAt(0.08, 0); m != 1.0 {
		t.Errorf("m(0) = %v, want 1.00", m)
	}
}

func TestCurveMonotonic(t *testing.T) {
	prev := 0.0
	for ms := 0; ms <= 60000; ms += 50 {
		m := multiplierAt(0.08, time.Duration(ms)*time.Millisecond)
		if m < prev {
			t.Fatalf("curve decreased: m(%dms) = %v after %v", ms, m, prev)
		}
		prev = m
	}
}

func TestCurveTwoDecimals(t *testing.T) {
	for ms := 0; ms <= 30000; ms += 37 {
		m := multiplierAt(0.08, time.Duration(ms)*time.Millisecond)
		scaled := m * 100
		if math.Abs(scaled-math.Round(scaled)) > 1e-9 {
			t.Fatalf("m(%dms) = %v has more than two decimals", ms, m)
		}
	}
}

func TestCrashHistoryBounded(t *testing.T) {
	h := newCrashHistory(25)
	for i := 1; i <= 30; i++ {
		h.Push(float64(i))
	}

	values := h.Values()
	if len(values) != 25 {
		t.Fatalf("history holds %d values, want 25", len(values))
	}
	if values[0] != 30 {
		t.Errorf("newest value is %v, want 30", values[0])
	}
	if values[24] != 6 {
		t.Errorf("oldest kept value is %v, want 6", values[24])
	}
}
