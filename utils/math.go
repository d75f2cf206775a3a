package utils

import "math"

// DegToRad converts degrees to radians.
func DegToRad(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// RadToDeg converts radians to degrees.
func RadToDeg(radians float64) float64 {
	return radians * 180 / math.Pi
}

// SamplingPeriodMicros converts an update interval in milliseconds into the period, in
// microseconds, a rotation source is asked to sample at. A divisor of 1 gives the interval
// itself; larger divisors ask for proportionally faster sampling.
func SamplingPeriodMicros(intervalMs, divisor int) int {
	if divisor <= 0 {
		divisor = 1
	}
	return intervalMs * 1000 / divisor
}
