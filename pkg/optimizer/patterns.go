// Package optimizer analyzes workload patterns over rolling resource
// samples, rebalances load across workers and produces prioritized
// optimization recommendations.
package optimizer

import (
	"math"
	"time"

	"github.com/tiktrue/platform/pkg/errdefs"
)

// Sample is one point of the rolling resource window
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Connections   int       `json:"connections"`
	Load          float64   `json:"load"`
}

// Pattern classifies a workload
type Pattern string

const (
	PatternSteady   Pattern = "steady"
	PatternGrowing  Pattern = "growing"
	PatternDeclining Pattern = "declining"
	PatternBursty   Pattern = "bursty"
	PatternPeriodic Pattern = "periodic"
)

// Analysis is the outcome of a workload-pattern analysis
type Analysis struct {
	Pattern     Pattern   `json:"pattern"`
	Confidence  float64   `json:"confidence"`
	Mean        float64   `json:"mean"`
	Max         float64   `json:"max"`
	Variance    float64   `json:"variance"`
	CV          float64   `json:"cv"`
	Trend       string    `json:"trend"`
	Correlation float64   `json:"correlation"`
	PeakHours   []int     `json:"peak_hours"`
	Samples     int       `json:"samples"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

// minSamples is the smallest window an analysis accepts
const minSamples = 10

// AnalyzeWorkload computes the statistical profile of a sample window.
// Fewer than ten samples is a resource error: the statistics would be
// noise.
func AnalyzeWorkload(samples []Sample) (*Analysis, error) {
	if len(samples) < minSamples {
		return nil, errdefs.Wrapf(errdefs.ErrResource,
			"workload analysis needs at least %d samples, have %d", minSamples, len(samples))
	}

	loads := make([]float64, len(samples))
	for i, s := range samples {
		loads[i] = s.Load
	}

	mean := meanOf(loads)
	maxLoad := maxOf(loads)
	variance := varianceOf(loads, mean)
	cv := 0.0
	if mean != 0 {
		cv = math.Sqrt(variance) / mean
	}

	correlation := indexCorrelation(loads)
	trend := "stable"
	switch {
	case correlation > 0.3:
		trend = "increasing"
	case correlation < -0.3:
		trend = "decreasing"
	}

	pattern, confidence := classify(loads, mean, cv)

	return &Analysis{
		Pattern:     pattern,
		Confidence:  confidence,
		Mean:        mean,
		Max:         maxLoad,
		Variance:    variance,
		CV:          cv,
		Trend:       trend,
		Correlation: correlation,
		PeakHours:   peakHours(samples, mean),
		Samples:     len(samples),
		AnalyzedAt:  time.Now().UTC(),
	}, nil
}

// classify picks the workload pattern: half-window growth first, then
// dispersion.
func classify(loads []float64, mean, cv float64) (Pattern, float64) {
	half := len(loads) / 2
	firstMean := meanOf(loads[:half])
	secondMean := meanOf(loads[half:])

	if firstMean != 0 {
		growth := (secondMean - firstMean) / firstMean
		if growth > 0.2 {
			return PatternGrowing, 0.8
		}
		if growth < -0.2 {
			return PatternDeclining, 0.8
		}
	} else if secondMean > 0 {
		return PatternGrowing, 0.8
	}

	switch {
	case cv < 0.2:
		return PatternSteady, 0.9
	case cv > 0.8:
		return PatternBursty, 0.7
	default:
		return PatternPeriodic, 0.6
	}
}

// peakHours returns the hours whose mean load exceeds 1.2x the overall
// mean.
func peakHours(samples []Sample, overallMean float64) []int {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, s := range samples {
		h := s.Timestamp.Hour()
		sums[h] += s.Load
		counts[h]++
	}

	var peaks []int
	for h := 0; h < 24; h++ {
		if counts[h] == 0 {
			continue
		}
		if sums[h]/float64(counts[h]) > 1.2*overallMean {
			peaks = append(peaks, h)
		}
	}
	return peaks
}

// indexCorrelation is the Pearson correlation between sample index and
// load, used as a cheap trend detector.
func indexCorrelation(loads []float64) float64 {
	n := float64(len(loads))
	meanX := (n - 1) / 2
	meanY := meanOf(loads)

	var cov, varX, varY float64
	for i, y := range loads {
		dx := float64(i) - meanX
		dy := y - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func maxOf(values []float64) float64 {
	max := math.Inf(-1)
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

func varianceOf(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}
