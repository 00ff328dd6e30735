package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
)

// AlpacaConfig configures the live REST adapter.
type AlpacaConfig struct {
	BaseURL        string
	Key            string
	Secret         string
	InitialCapital decimal.Decimal
	Timeout        time.Duration
}

// AlpacaBroker places orders through an Alpaca-style REST API. The
// idempotency key travels as client_order_id.
type AlpacaBroker struct {
	cfg        AlpacaConfig
	httpClient *http.Client
	ledger     *Ledger
	connected  atomic.Bool
}

type alpacaAccount struct {
	Cash           string `json:"cash"`
	PortfolioValue string `json:"portfolio_value"`
}

type alpacaOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type alpacaOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
}

// NewAlpacaBroker creates a live adapter.
func NewAlpacaBroker(cfg AlpacaConfig, ledger *Ledger) *AlpacaBroker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if ledger == nil {
		ledger = NewLedger(nil)
	}
	return &AlpacaBroker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		ledger:     ledger,
	}
}

func (a *AlpacaBroker) Name() string { return "alpaca" }

// Connect verifies credentials by reading the account.
func (a *AlpacaBroker) Connect(ctx context.Context) error {
	if _, err := a.GetAccountSummary(ctx); err != nil {
		return fmt.Errorf("alpaca connect: %w", err)
	}
	a.connected.Store(true)
	slog.Info("alpaca broker connected", slog.String("base_url", a.cfg.BaseURL))
	return nil
}

func (a *AlpacaBroker) Disconnect(_ context.Context) error {
	a.connected.Store(false)
	a.httpClient.CloseIdleConnections()
	slog.Info("alpaca broker disconnected")
	return nil
}

func (a *AlpacaBroker) IsConnected() bool { return a.connected.Load() }

func (a *AlpacaBroker) GetAccountSummary(ctx context.Context) (domain.AccountSnapshot, error) {
	var acct alpacaAccount
	if err := a.do(ctx, http.MethodGet, "/v2/account", nil, &acct); err != nil {
		return domain.AccountSnapshot{}, err
	}
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}
	return domain.AccountSnapshot{
		Cash:           parseDecimal(acct.Cash),
		PortfolioValue: parseDecimal(acct.PortfolioValue),
		InitialCapital: a.cfg.InitialCapital,
		OpenPositions:  len(positions),
	}, nil
}

func (a *AlpacaBroker) GetPositions(ctx context.Context) (map[string]domain.Position, error) {
	var raw []alpacaPosition
	if err := a.do(ctx, http.MethodGet, "/v2/positions", nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Position, len(raw))
	for _, p := range raw {
		out[p.Symbol] = domain.Position{
			InstrumentID: p.Symbol,
			Quantity:     parseDecimal(p.Qty),
			EntryPrice:   parseDecimal(p.AvgEntryPrice),
			MarkPrice:    parseDecimal(p.CurrentPrice),
		}
	}
	return out, nil
}

// PlaceOrder submits the order unless its key is already in the ledger.
func (a *AlpacaBroker) PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := order.Validate(); err != nil {
		return order, err
	}

	unlock := a.ledger.Lock(order.IdempotencyKey)
	defer unlock()

	if prior, ok, err := a.ledger.Lookup(ctx, order.IdempotencyKey); err != nil {
		return order, err
	} else if ok {
		slog.Info("alpaca order duplicate suppressed", slog.String("key", order.IdempotencyKey))
		prior.Duplicate = true
		return prior, nil
	}

	req := alpacaOrderRequest{
		Symbol:        order.InstrumentID,
		Qty:           order.Quantity.String(),
		Side:          order.Side,
		Type:          order.Type,
		TimeInForce:   "gtc",
		ClientOrderID: order.IdempotencyKey,
	}
	if order.LimitPrice.IsPositive() {
		req.LimitPrice = order.LimitPrice.String()
	}

	var resp alpacaOrder
	if err := a.do(ctx, http.MethodPost, "/v2/orders", req, &resp); err != nil {
		return order, err
	}

	order.ID = resp.ID
	order.Status = mapAlpacaStatus(resp.Status)
	order.FillPrice = parseDecimal(resp.FilledAvgPrice)
	order.CreatedAt = time.Now()
	if err := a.ledger.Record(ctx, a.Name(), order); err != nil {
		slog.Error("alpaca order ledger write failed", slog.String("order_id", order.ID), slog.Any("error", err))
	}

	slog.Info("alpaca order submitted",
		slog.String("order_id", order.ID),
		slog.String("instrument", order.InstrumentID),
		slog.String("status", order.Status),
	)
	return order, nil
}

func (a *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	return a.do(ctx, http.MethodDelete, "/v2/orders/"+orderID, nil, nil)
}

// do sends one request. 4xx responses become ValidationError; transport
// failures and 5xx become retriable ConnectivityError.
func (a *AlpacaBroker) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", a.cfg.Key)
	req.Header.Set("APCA-API-SECRET-KEY", a.cfg.Secret)
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	op := method + " " + path
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return domain.NewConnectivityError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewConnectivityError(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return fmt.Errorf("%s: %w", op, domain.ErrOrderNotFound)
	case resp.StatusCode >= 500:
		return domain.NewConnectivityError(op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data)))
	case resp.StatusCode >= 400:
		return domain.NewValidationError("order", fmt.Sprintf("%s rejected with %d: %s", op, resp.StatusCode, truncate(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func mapAlpacaStatus(s string) string {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "expired":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	case "new", "accepted", "partially_filled", "pending_new":
		return domain.OrderStatusSubmitted
	default:
		return domain.OrderStatusPending
	}
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}
