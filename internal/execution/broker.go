// Package execution holds the broker adapters and the idempotency ledger
// they share.
package execution

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
)

// NewBroker selects the adapter for the configured execution mode.
// alert_only runs the paper adapter so account views stay available.
func NewBroker(cfg *infra.Config, ledger *Ledger) (domain.Broker, error) {
	capital := decimal.NewFromFloat(cfg.Execution.PaperCapital)
	switch cfg.Execution.Mode {
	case infra.ModeAlertOnly, infra.ModePaper:
		delay := time.Duration(cfg.Execution.FillDelayMS) * time.Millisecond
		return NewPaperBroker(capital, delay, ledger), nil
	case infra.ModeAlpaca:
		return NewAlpacaBroker(AlpacaConfig{
			BaseURL:        cfg.Execution.Alpaca.BaseURL,
			Key:            cfg.Execution.Alpaca.Key,
			Secret:         cfg.Execution.Alpaca.Secret,
			InitialCapital: capital,
		}, ledger), nil
	default:
		return nil, &domain.ConfigError{
			Field: "execution.mode",
			Err:   fmt.Errorf("no broker adapter for mode %q", cfg.Execution.Mode),
		}
	}
}
