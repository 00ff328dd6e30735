package domain

import (
	"fmt"
	"time"
)

// Bar is one OHLCV period of a price series.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Features is the scoring input assembled during Fetch.
// Missing fundamentals or sentiment are neutral (empty map, zero).
type Features struct {
	Instrument   string
	Bars         []Bar
	Fundamentals map[string]float64
	Sentiment    float64 // [-1, 1]
}

// LastClose returns the most recent close, or 0 without bars.
func (f Features) LastClose() float64 {
	if len(f.Bars) == 0 {
		return 0
	}
	return f.Bars[len(f.Bars)-1].Close
}

// Prediction is the scorer output.
type Prediction struct {
	Direction      string  // SideBuy or SideSell
	Confidence     float64 // [0, 1]
	ExpectedReturn float64
}

// DriftResult is the drift detector output.
type DriftResult struct {
	Detected bool
	Score    float64
}

// ValidateBars is the data quality gate for a price series.
// An empty series is always a DataQualityError.
func ValidateBars(instrument string, bars []Bar, minBars int) error {
	if len(bars) == 0 {
		return &DataQualityError{Instrument: instrument, Check: "non_empty"}
	}
	if len(bars) < minBars {
		return &DataQualityError{Instrument: instrument, Check: fmt.Sprintf("min_bars(%d<%d)", len(bars), minBars)}
	}
	for i, b := range bars {
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			return &DataQualityError{Instrument: instrument, Check: fmt.Sprintf("positive_prices(bar %d)", i)}
		}
		if b.High < b.Low {
			return &DataQualityError{Instrument: instrument, Check: fmt.Sprintf("high_low_consistency(bar %d)", i)}
		}
		if b.Close < b.Low || b.Close > b.High {
			return &DataQualityError{Instrument: instrument, Check: fmt.Sprintf("ohlc_consistency(bar %d)", i)}
		}
	}
	return nil
}
