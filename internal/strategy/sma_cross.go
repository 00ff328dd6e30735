package strategy

import (
	"math"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

const (
	baseConfidence  = 0.5
	maxSpreadBonus  = 0.3
	spreadWeight    = 5.0
	crossBonus      = 0.15
	sentimentWeight = 0.1
	qualityWeight   = 0.05
)

// SMACrossScorer scores the spread between a short and a long simple
// moving average of closes. A fresh cross on the latest bar adds
// confidence; sentiment and fundamentals tilt it toward or against the
// signal direction. Stateless and deterministic.
type SMACrossScorer struct {
	shortPeriod int
	longPeriod  int
}

// NewSMACrossScorer creates a scorer.
func NewSMACrossScorer(shortPeriod, longPeriod int) *SMACrossScorer {
	if shortPeriod <= 0 || shortPeriod >= longPeriod {
		panic("SMACrossScorer: shortPeriod must be positive and less than longPeriod")
	}
	return &SMACrossScorer{shortPeriod: shortPeriod, longPeriod: longPeriod}
}

// Score returns a neutral prediction (no direction, zero confidence) when
// there are too few bars or the averages coincide.
func (s *SMACrossScorer) Score(f domain.Features) domain.Prediction {
	prices := closes(f.Bars)
	if len(prices) < s.longPeriod+1 {
		return domain.Prediction{}
	}

	currShort, currLong := sma(prices, s.shortPeriod), sma(prices, s.longPeriod)
	prev := prices[:len(prices)-1]
	prevShort, prevLong := sma(prev, s.shortPeriod), sma(prev, s.longPeriod)

	if currLong <= 0 || currShort == currLong {
		return domain.Prediction{}
	}

	spread := (currShort - currLong) / currLong
	direction, sign := domain.SideBuy, 1.0
	if spread < 0 {
		direction, sign = domain.SideSell, -1.0
	}

	confidence := baseConfidence + math.Min(math.Abs(spread)*spreadWeight, maxSpreadBonus)

	// Golden or dead cross on the latest bar.
	if (sign > 0 && prevShort <= prevLong) || (sign < 0 && prevShort >= prevLong) {
		confidence += crossBonus
	}

	confidence += sentimentWeight * f.Sentiment * sign
	confidence += qualityWeight * Quality(f.Fundamentals) * sign

	return domain.Prediction{
		Direction:      direction,
		Confidence:     math.Min(math.Max(confidence, 0), 1),
		ExpectedReturn: spread,
	}
}

// Quality condenses fundamentals into [-1, 1]. Unknown keys are ignored
// and an empty map is neutral.
func Quality(fundamentals map[string]float64) float64 {
	var score float64
	var n int
	if roe, ok := fundamentals["roe"]; ok {
		score += clampUnit(roe / 0.15) // 15% ROE is a full point.
		n++
	}
	if margin, ok := fundamentals["profit_margin"]; ok {
		score += clampUnit(margin / 0.2)
		n++
	}
	if de, ok := fundamentals["debt_to_equity"]; ok {
		score += clampUnit(1 - de) // Above 2x leverage is a full penalty.
		n++
	}
	if n == 0 {
		return 0
	}
	return score / float64(n)
}

func clampUnit(v float64) float64 {
	return math.Min(math.Max(v, -1), 1)
}
