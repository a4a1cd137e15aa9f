package entropy

import (
	"errors"
	"fmt"
	"math"
)

var ErrImplausibleSample = errors.New("entropy sample failed plausibility check")

const (
	uniformMean     = 127.5
	uniformVariance = (256.0*256.0 - 1) / 12
	// fourth central moment of the discrete uniform distribution on 0..255
	uniformMu4 = (256.0*256.0 - 1) * (3*256.0*256.0 - 7) / 240

	sigmaBound = 6.0
	// a healthy source of n bytes trips the run check with probability
	// below n * 2^-(8*(limit-1)); the limit keeps that under 2^-30
	runFalsePositiveBits = 30
	minStatsSample       = 32
	// chi-square needs about five expected hits per bucket
	minChiSample = 256 * 5
)

// Validate rejects samples that are implausible for a uniform byte source.
// Bounds sit six standard deviations out so a healthy generator practically
// never trips them while stuck or biased generators fail.
func Validate(sample []byte) error {
	if len(sample) == 0 {
		return fmt.Errorf("%w: empty", ErrImplausibleSample)
	}
	if run := longestRun(sample); run >= maxRunLength(len(sample)) {
		return fmt.Errorf("%w: run of %d identical bytes", ErrImplausibleSample, run)
	}
	if len(sample) < minStatsSample {
		return nil
	}

	n := float64(len(sample))
	mean, variance := moments(sample)

	meanTol := sigmaBound * math.Sqrt(uniformVariance/n)
	if math.Abs(mean-uniformMean) > meanTol {
		return fmt.Errorf("%w: mean %.2f", ErrImplausibleSample, mean)
	}

	varTol := sigmaBound * math.Sqrt((uniformMu4-uniformVariance*uniformVariance)/n)
	if math.Abs(variance-uniformVariance) > varTol {
		return fmt.Errorf("%w: variance %.2f", ErrImplausibleSample, variance)
	}

	if len(sample) >= minChiSample {
		chi := chiSquare(sample)
		// 255 degrees of freedom: mean 255, sd sqrt(510)
		if chi > 255+sigmaBound*math.Sqrt(510) {
			return fmt.Errorf("%w: chi-square %.1f", ErrImplausibleSample, chi)
		}
	}
	return nil
}

// maxRunLength is the shortest run of identical bytes rejected for a sample
// of n bytes. It grows by one each time n grows 256-fold.
func maxRunLength(n int) int {
	return int(math.Floor((math.Log2(float64(n))+runFalsePositiveBits)/8)) + 2
}

func moments(sample []byte) (mean, variance float64) {
	var sum float64
	for _, b := range sample {
		sum += float64(b)
	}
	mean = sum / float64(len(sample))
	var sq float64
	for _, b := range sample {
		d := float64(b) - mean
		sq += d * d
	}
	variance = sq / float64(len(sample))
	return mean, variance
}

func chiSquare(sample []byte) float64 {
	var counts [256]int
	for _, b := range sample {
		counts[b]++
	}
	expected := float64(len(sample)) / 256
	var chi float64
	for _, c := range counts {
		d := float64(c) - expected
		chi += d * d / expected
	}
	return chi
}

func longestRun(sample []byte) int {
	longest, current := 0, 0
	for i, b := range sample {
		if i > 0 && b == sample[i-1] {
			current++
		} else {
			current = 1
		}
		if current > longest {
			longest = current
		}
	}
	return longest
}
