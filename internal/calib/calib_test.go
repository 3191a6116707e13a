package calib

import (
	"math"
	"testing"
	"testing/quick"
)

const tol = 1e-9

func TestToVoltageEndpoints(t *testing.T) {
	ranges := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20}
	maxCounts := []int32{127, 2047, 32767}

	for _, r := range ranges {
		for _, m := range maxCounts {
			if got := ToVoltage(m, r, m); math.Abs(got-r) > tol {
				t.Fatalf("ToVoltage(%d, %v, %d) = %v, want %v", m, r, m, got, r)
			}
			if got := ToVoltage(-m, r, m); math.Abs(got+r) > tol {
				t.Fatalf("ToVoltage(%d, %v, %d) = %v, want %v", -m, r, m, got, -r)
			}
			if got := ToVoltage(0, r, m); got != 0 {
				t.Fatalf("ToVoltage(0) = %v, want 0", got)
			}
		}
	}
}

func TestToVoltageHalfScale(t *testing.T) {
	got := ToVoltage(16384, 2.0, 32767)
	if math.Abs(got-1.0) > 1e-3 {
		t.Fatalf("expected ~1.0 V, got %v", got)
	}
}

func TestToVoltageZeroMaxCount(t *testing.T) {
	if got := ToVoltage(100, 5, 0); got != 0 {
		t.Fatalf("expected 0 for zero maxCount, got %v", got)
	}
}

func TestToVoltageLinearProperty(t *testing.T) {
	const maxCount = int32(32767)
	f := func(a, b int16, rangeIdx uint8) bool {
		ranges := []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20, 50}
		r := ranges[int(rangeIdx)%len(ranges)]
		sum := int32(a) + int32(b)
		if sum > maxCount || sum < -maxCount || a == math.MinInt16 || b == math.MinInt16 {
			return true
		}
		lhs := ToVoltage(sum, r, maxCount)
		rhs := ToVoltage(int32(a), r, maxCount) + ToVoltage(int32(b), r, maxCount)
		return math.Abs(lhs-rhs) <= 1e-9*r
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestToVoltageBoundedProperty(t *testing.T) {
	const maxCount = int32(32767)
	f := func(raw int16, rangeIdx uint8) bool {
		if raw == math.MinInt16 {
			return true
		}
		r := float64(rangeIdx%20+1) * 0.5
		v := ToVoltage(int32(raw), r, maxCount)
		return math.Abs(v) <= r+tol
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestToVoltageOddSymmetryProperty(t *testing.T) {
	f := func(raw int16) bool {
		if raw == math.MinInt16 {
			return true
		}
		return ToVoltage(int32(raw), 5, 32767) == -ToVoltage(-int32(raw), 5, 32767)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestToCountsRoundTripProperty(t *testing.T) {
	const maxCount = int32(32767)
	f := func(raw int16) bool {
		if raw == math.MinInt16 {
			return true
		}
		v := ToVoltage(int32(raw), 2, maxCount)
		return ToCounts(v, 2, maxCount) == int64(raw)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestToCountsOutOfRangeIsNotClamped(t *testing.T) {
	if got := ToCounts(3, 2, 32767); got <= 32767 {
		t.Fatalf("expected counts beyond maxCount, got %d", got)
	}
}

func TestMeanVoltage(t *testing.T) {
	raw := []int16{16384, 16384, 16384, 16384}
	got := MeanVoltage(raw, 2, 32767)
	if math.Abs(got-1.0) > 1e-3 {
		t.Fatalf("expected ~1.0 V mean, got %v", got)
	}
	if Mean(nil) != 0 {
		t.Fatalf("expected 0 mean for empty input")
	}
}
