// Package calib converts between raw ADC counts and volts for a configured
// input range.
package calib

import "math"

// ToVoltage maps a raw count linearly onto -rangeVolts..+rangeVolts, with
// ±maxCount at the range ends. A non-positive maxCount yields 0.
func ToVoltage(raw int32, rangeVolts float64, maxCount int32) float64 {
	if maxCount <= 0 {
		return 0
	}
	return float64(raw) / float64(maxCount) * rangeVolts
}

// ToCounts is the inverse of ToVoltage, rounded half away from zero. The
// result is not clamped so callers can detect out-of-range thresholds.
func ToCounts(volts, rangeVolts float64, maxCount int32) int64 {
	if rangeVolts <= 0 {
		return 0
	}
	return int64(math.Round(volts / rangeVolts * float64(maxCount)))
}

// Mean averages raw counts; it returns 0 for an empty slice.
func Mean(raw []int16) float64 {
	if len(raw) == 0 {
		return 0
	}
	var sum int64
	for _, r := range raw {
		sum += int64(r)
	}
	return float64(sum) / float64(len(raw))
}

// MeanVoltage converts the mean of raw to volts.
func MeanVoltage(raw []int16, rangeVolts float64, maxCount int32) float64 {
	if maxCount <= 0 {
		return 0
	}
	return Mean(raw) / float64(maxCount) * rangeVolts
}
