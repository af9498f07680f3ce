package analyzer

import "math"

// mean, stddev, and kurtosis are small pure helpers shared by the family
// plugins; each plugin turns a handful of these into named features.

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var acc float64
	for _, x := range xs {
		d := x - m
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(xs)-1))
}

func kurtosis(xs []float64) float64 {
	if len(xs) < 4 {
		return 0
	}
	m := mean(xs)
	sd := stddev(xs)
	if sd == 0 {
		return 0
	}
	var acc float64
	for _, x := range xs {
		d := (x - m) / sd
		acc += d * d * d * d
	}
	return acc/float64(len(xs)) - 3.0 // excess kurtosis
}

func crestFactor(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	peak := 0.0
	var sumSq float64
	for _, x := range xs {
		a := math.Abs(x)
		if a > peak {
			peak = a
		}
		sumSq += x * x
	}
	rms := math.Sqrt(sumSq / float64(len(xs)))
	if rms == 0 {
		return 0
	}
	return peak / rms
}

// clamp01 bounds a severity score into [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
