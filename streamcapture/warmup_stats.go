package streamcapture

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation as a fraction of mean FPS.
	// Example: 30 FPS mean → stable if stddev < 4.5 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a fraction of expected interval.
	// Example: 30 FPS (33ms interval) → stable if jitter < 6.6ms
	jitterStabilityThreshold = 0.20

	// minStabilityFrames is the fewest frames that say anything about stability
	minStabilityFrames = 3
)

// WarmupStats contains FPS statistics measured over the first frames of a
// stream.
type WarmupStats struct {
	FramesReceived int           // Number of frames measured
	Duration       time.Duration // Span between the first and last PTS
	FPSMean        float64       // Mean FPS over the span
	FPSStdDev      float64       // Standard deviation of instantaneous FPS
	FPSMin         float64       // Minimum instantaneous FPS
	FPSMax         float64       // Maximum instantaneous FPS
	IsStable       bool          // stddev < 15% of mean AND jitter < 20% of interval
	JitterMean     float64       // Mean deviation from the expected interval (seconds)
	JitterStdDev   float64       // Standard deviation of jitter (seconds)
	JitterMax      float64       // Maximum jitter observed (seconds)
}

// CalculateFPSStats calculates FPS statistics from frame presentation
// timestamps in microseconds (Frame.PTS).
//
// This function:
//  1. Calculates mean FPS over the PTS span
//  2. Calculates instantaneous FPS for each frame interval
//  3. Finds min/max instantaneous FPS
//  4. Calculates standard deviation of instantaneous FPS
//  5. Calculates jitter statistics (inter-frame interval variance)
//  6. Determines stability (stddev < 15% of mean AND jitter < 20%)
//
// Stream time is used rather than arrival time so decoder buffering does
// not show up as jitter. Intervals that are not positive (unknown or
// repeated PTS) are skipped.
func CalculateFPSStats(pts []int64) *WarmupStats {
	n := len(pts)
	stats := &WarmupStats{FramesReceived: n}
	if n < 2 {
		return stats
	}

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := pts[i] - pts[i-1]; d > 0 {
			intervals = append(intervals, float64(d)/1e6)
		}
	}
	if len(intervals) == 0 {
		return stats
	}

	var span float64
	for _, iv := range intervals {
		span += iv
	}
	stats.Duration = time.Duration(span * float64(time.Second))
	stats.FPSMean = float64(len(intervals)) / span

	// Instantaneous FPS, min/max
	stats.FPSMin = math.Inf(1)
	var sumSquares float64
	for _, iv := range intervals {
		fps := 1.0 / iv
		if fps < stats.FPSMin {
			stats.FPSMin = fps
		}
		if fps > stats.FPSMax {
			stats.FPSMax = fps
		}
		diff := fps - stats.FPSMean
		sumSquares += diff * diff
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(intervals)))

	// Jitter = deviation from expected inter-frame interval
	expectedInterval := 1.0 / stats.FPSMean
	var jitterSum float64
	jitters := make([]float64, len(intervals))
	for i, iv := range intervals {
		j := math.Abs(iv - expectedInterval)
		jitters[i] = j
		jitterSum += j
		if j > stats.JitterMax {
			stats.JitterMax = j
		}
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - stats.JitterMean
		jitterSumSquares += diff * diff
	}
	stats.JitterStdDev = math.Sqrt(jitterSumSquares / float64(len(jitters)))

	fpsStable := stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold
	jitterStable := stats.JitterMean < expectedInterval*jitterStabilityThreshold
	stats.IsStable = n >= minStabilityFrames && fpsStable && jitterStable

	return stats
}

// CalculateOptimalInferenceRate caps an inference rate at what the stream
// actually delivers.
//
// Logic:
//   - If stream FPS >= maxRate: return maxRate
//   - If stream FPS < maxRate: return 90% of stream FPS (safety margin)
func CalculateOptimalInferenceRate(stats *WarmupStats, maxRate float64) float64 {
	if stats == nil || stats.FPSMean <= 0 {
		return maxRate
	}
	if stats.FPSMean < maxRate {
		return stats.FPSMean * 0.9
	}
	return maxRate
}
