package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func makeBars(n int) []Bar {
	bars := make([]Bar, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = Bar{Time: start.AddDate(0, 0, i), Open: 100, High: 102, Low: 98, Close: 101, Volume: 5000}
	}
	return bars
}

func TestValidateBars(t *testing.T) {
	t.Run("empty series is fatal", func(t *testing.T) {
		err := ValidateBars("AAPL", nil, 0)
		var dq *DataQualityError
		if !errors.As(err, &dq) {
			t.Fatalf("Expected DataQualityError, got %v", err)
		}
		if dq.Check != "non_empty" {
			t.Errorf("Expected non_empty check, got %s", dq.Check)
		}
	})

	t.Run("too few bars", func(t *testing.T) {
		err := ValidateBars("AAPL", makeBars(3), 10)
		if err == nil || !strings.Contains(err.Error(), "min_bars") {
			t.Errorf("Expected min_bars failure, got %v", err)
		}
	})

	t.Run("non positive price", func(t *testing.T) {
		bars := makeBars(5)
		bars[2].Low = 0
		if err := ValidateBars("AAPL", bars, 1); err == nil || !strings.Contains(err.Error(), "positive_prices") {
			t.Errorf("Expected positive_prices failure, got %v", err)
		}
	})

	t.Run("high below low", func(t *testing.T) {
		bars := makeBars(5)
		bars[1].High = 97
		if err := ValidateBars("AAPL", bars, 1); err == nil || !strings.Contains(err.Error(), "high_low") {
			t.Errorf("Expected high_low_consistency failure, got %v", err)
		}
	})

	t.Run("close outside range", func(t *testing.T) {
		bars := makeBars(5)
		bars[4].Close = 110
		if err := ValidateBars("AAPL", bars, 1); err == nil || !strings.Contains(err.Error(), "ohlc") {
			t.Errorf("Expected ohlc_consistency failure, got %v", err)
		}
	})

	t.Run("valid series", func(t *testing.T) {
		if err := ValidateBars("AAPL", makeBars(30), 20); err != nil {
			t.Errorf("Expected valid series, got %v", err)
		}
	})
}

func TestPosition_MarketValue(t *testing.T) {
	p := Position{
		InstrumentID: "AAPL",
		Quantity:     decimal.NewFromInt(10),
		EntryPrice:   decimal.NewFromInt(150),
	}
	if !p.MarketValue().Equal(decimal.NewFromInt(1500)) {
		t.Errorf("Expected 1500 at entry, got %s", p.MarketValue())
	}
	if !p.UnrealizedPnL().IsZero() {
		t.Errorf("Expected zero PnL without mark, got %s", p.UnrealizedPnL())
	}

	p.MarkPrice = decimal.NewFromInt(160)
	if !p.MarketValue().Equal(decimal.NewFromInt(1600)) {
		t.Errorf("Expected 1600 at mark, got %s", p.MarketValue())
	}
	if !p.UnrealizedPnL().Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected PnL 100, got %s", p.UnrealizedPnL())
	}
}
