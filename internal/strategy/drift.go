package strategy

import (
	"log/slog"
	"math"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

// ZScoreDrift flags the latest return when it sits more than Threshold
// standard deviations from the mean of the preceding returns.
type ZScoreDrift struct {
	Threshold  float64
	MinSamples int
}

// NewZScoreDrift creates a detector with a 3 sigma threshold over at least
// 20 returns.
func NewZScoreDrift() *ZScoreDrift {
	return &ZScoreDrift{Threshold: 3, MinSamples: 20}
}

// CheckDrift never fails; too little history reports no drift.
func (d *ZScoreDrift) CheckDrift(instrument string, f domain.Features) domain.DriftResult {
	rets := returns(closes(f.Bars))
	if len(rets) < d.MinSamples+1 {
		return domain.DriftResult{}
	}

	history, latest := rets[:len(rets)-1], rets[len(rets)-1]
	var mean float64
	for _, r := range history {
		mean += r
	}
	mean /= float64(len(history))

	var variance float64
	for _, r := range history {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(history)-1))
	if std == 0 {
		if latest == mean {
			return domain.DriftResult{}
		}
		// Any move off a perfectly flat history is drift.
		return domain.DriftResult{Detected: true, Score: math.Inf(1)}
	}

	z := math.Abs(latest-mean) / std
	if z > d.Threshold {
		slog.Debug("drift z-score", slog.String("instrument", instrument), slog.Float64("z", z))
		return domain.DriftResult{Detected: true, Score: z}
	}
	return domain.DriftResult{Score: z}
}
