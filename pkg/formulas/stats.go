package formulas

import (
	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// Returns converts prices to percentage returns.
// Returns[i] = (Price[i+1] - Price[i]) / Price[i]
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// ZScore calculates how many standard deviations the last value sits from
// the mean of the series. Returns nil when the series is too short or has
// no spread.
func ZScore(data []float64) *float64 {
	if len(data) < 2 {
		return nil
	}

	sd := StdDev(data)
	if sd == 0 {
		return nil
	}

	z := (data[len(data)-1] - Mean(data)) / sd
	return &z
}
