package risk

import (
	"fmt"
	"math"
)

// MousePoint is one sampled cursor position. T is milliseconds since an
// arbitrary client epoch; only differences matter.
type MousePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t"`
}

// Telemetry is the behavioral payload collected on the waiting page.
type Telemetry struct {
	MouseMoves []MousePoint `json:"mouseMoves"`
	Clicks     []MousePoint `json:"clicks"`
	KeyTimes   []int64      `json:"keyTimes"`
}

// Thresholds for the behavioral sub-signals.
const (
	straightAngleRad     = 0.05
	straightFraction     = 0.8
	minAnglesForStraight = 3

	speedVarianceFloor = 0.001

	rageClickIntervalMs = 100
	rageClickRadiusPx   = 5

	keyVarianceFloorMs2 = 100
	keyMeanFloorMs      = 20
)

// AnalyzeBehavior scores mouse and keyboard telemetry. Sub-signals combine
// additively and clamp to 100. Pure: same input, same output.
func AnalyzeBehavior(t Telemetry) Analysis {
	a := Analysis{Details: map[string]string{}}

	if len(t.MouseMoves) == 0 {
		// A waiting page held open shows at least some movement.
		a.add(25, "no_mouse_events")
	} else {
		if frac, n := straightPathFraction(t.MouseMoves); n >= minAnglesForStraight && frac > straightFraction {
			a.add(30, "straight_mouse_path")
			a.Details["straight_fraction"] = fmt.Sprintf("%.2f", frac)
		}
		if variance, avg := speedStats(t.MouseMoves); avg > 0 && variance < speedVarianceFloor {
			a.add(25, "uniform_mouse_speed")
			a.Details["speed_variance"] = fmt.Sprintf("%.6f", variance)
		}
	}

	if hasRageClick(t.Clicks) {
		a.add(20, "rage_click")
	}

	if intervals := keyIntervals(t.KeyTimes); len(intervals) >= 2 {
		mean, variance := meanVariance(intervals)
		if mean < keyMeanFloorMs {
			a.add(30, "impossible_typing_speed")
			a.Details["key_interval_mean_ms"] = fmt.Sprintf("%.1f", mean)
		} else if variance < keyVarianceFloorMs2 {
			a.add(20, "uniform_typing")
			a.Details["key_interval_variance"] = fmt.Sprintf("%.1f", variance)
		}
	}

	a.Score = clamp(a.Score, 0, 100)
	return a
}

// straightPathFraction returns the fraction of consecutive turning angles
// below the straightness threshold, and how many angles were measured.
func straightPathFraction(moves []MousePoint) (float64, int) {
	if len(moves) < 3 {
		return 0, 0
	}
	total, straight := 0, 0
	for i := 2; i < len(moves); i++ {
		ax := moves[i-1].X - moves[i-2].X
		ay := moves[i-1].Y - moves[i-2].Y
		bx := moves[i].X - moves[i-1].X
		by := moves[i].Y - moves[i-1].Y
		if (ax == 0 && ay == 0) || (bx == 0 && by == 0) {
			continue
		}
		angle := math.Atan2(ax*by-ay*bx, ax*bx+ay*by)
		total++
		if math.Abs(angle) < straightAngleRad {
			straight++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(straight) / float64(total), total
}

// speedStats returns the variance and mean of per-segment speeds (px/ms).
func speedStats(moves []MousePoint) (variance, mean float64) {
	var speeds []float64
	for i := 1; i < len(moves); i++ {
		dt := float64(moves[i].T - moves[i-1].T)
		if dt <= 0 {
			continue
		}
		dx := moves[i].X - moves[i-1].X
		dy := moves[i].Y - moves[i-1].Y
		speeds = append(speeds, math.Hypot(dx, dy)/dt)
	}
	if len(speeds) == 0 {
		return 0, 0
	}
	mean, variance = meanVariance(speeds)
	return variance, mean
}

func hasRageClick(clicks []MousePoint) bool {
	for i := 1; i < len(clicks); i++ {
		dt := clicks[i].T - clicks[i-1].T
		if dt < 0 || dt >= rageClickIntervalMs {
			continue
		}
		if math.Hypot(clicks[i].X-clicks[i-1].X, clicks[i].Y-clicks[i-1].Y) <= rageClickRadiusPx {
			return true
		}
	}
	return false
}

func keyIntervals(times []int64) []float64 {
	if len(times) < 2 {
		return nil
	}
	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		if d := times[i] - times[i-1]; d >= 0 {
			intervals = append(intervals, float64(d))
		}
	}
	return intervals
}

func meanVariance(vals []float64) (mean, variance float64) {
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return mean, variance
}
