// Package strategy holds the default decision collaborators: an SMA cross
// scorer tilted by sentiment and fundamentals, and a z-score drift detector.
package strategy

import (
	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

var (
	_ domain.Scorer        = (*SMACrossScorer)(nil)
	_ domain.DriftDetector = (*ZScoreDrift)(nil)
)

func closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// sma is the mean of the last period values. The caller guarantees
// len(values) >= period.
func sma(values []float64, period int) float64 {
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// returns yields simple period returns, skipping non-positive prices.
func returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 {
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}
