package execution

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra/storage"
)

func limitOrder(side string, qty, price int64, key string) domain.Order {
	return domain.Order{
		InstrumentID:   "AAPL",
		Side:           side,
		Type:           domain.OrderTypeLimit,
		Quantity:       decimal.NewFromInt(qty),
		LimitPrice:     decimal.NewFromInt(price),
		IdempotencyKey: key,
	}
}

func TestPaperBroker_Buy(t *testing.T) {
	paper := NewPaperBroker(decimal.NewFromInt(100000), 0, nil)

	order, err := paper.PlaceOrder(context.Background(), limitOrder(domain.SideBuy, 10, 150, "k1"))
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if order.Status != domain.OrderStatusFilled || order.ID == "" {
		t.Errorf("Expected filled order with id, got %+v", order)
	}

	acct, _ := paper.GetAccountSummary(context.Background())
	if !acct.Cash.Equal(decimal.NewFromInt(98500)) {
		t.Errorf("Expected cash 98500, got %s", acct.Cash)
	}
	if !acct.PortfolioValue.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("Expected portfolio 100000, got %s", acct.PortfolioValue)
	}
	if acct.OpenPositions != 1 {
		t.Errorf("Expected 1 open position, got %d", acct.OpenPositions)
	}

	fills := paper.GetFills()
	if len(fills) != 1 {
		t.Fatalf("Expected 1 fill, got %d", len(fills))
	}
	if fills[0].Side != domain.SideBuy {
		t.Errorf("Expected buy, got %s", fills[0].Side)
	}
}

func TestPaperBroker_Idempotency(t *testing.T) {
	paper := NewPaperBroker(decimal.NewFromInt(100000), 0, nil)
	ctx := context.Background()

	first, err := paper.PlaceOrder(ctx, limitOrder(domain.SideBuy, 10, 150, "k1"))
	if err != nil {
		t.Fatalf("first PlaceOrder failed: %v", err)
	}
	second, err := paper.PlaceOrder(ctx, limitOrder(domain.SideBuy, 10, 150, "k1"))
	if err != nil {
		t.Fatalf("second PlaceOrder failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("Expected same order id %s, got %s", first.ID, second.ID)
	}
	if !second.Duplicate || first.Duplicate {
		t.Errorf("Expected only the repeat flagged duplicate, got %v / %v", first.Duplicate, second.Duplicate)
	}
	acct, _ := paper.GetAccountSummary(ctx)
	if !acct.Cash.Equal(decimal.NewFromInt(98500)) {
		t.Errorf("Expected cash debited once to 98500, got %s", acct.Cash)
	}
	if len(paper.GetFills()) != 1 {
		t.Errorf("Expected a single fill, got %d", len(paper.GetFills()))
	}
}

func TestPaperBroker_ConcurrentDuplicates(t *testing.T) {
	paper := NewPaperBroker(decimal.NewFromInt(100000), 0, nil)

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := paper.PlaceOrder(context.Background(), limitOrder(domain.SideBuy, 1, 100, "same"))
			if err == nil {
				ids <- o.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("Expected one order id across redeliveries, got %v", seen)
	}
	if len(paper.GetFills()) != 1 {
		t.Errorf("Expected one fill, got %d", len(paper.GetFills()))
	}
}

func TestPaperBroker_Sell(t *testing.T) {
	paper := NewPaperBroker(decimal.NewFromInt(100000), 0, nil)
	ctx := context.Background()

	paper.PlaceOrder(ctx, limitOrder(domain.SideBuy, 10, 150, "buy-1"))
	if _, err := paper.PlaceOrder(ctx, limitOrder(domain.SideSell, 10, 160, "sell-1")); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	acct, _ := paper.GetAccountSummary(ctx)
	if !acct.Cash.Equal(decimal.NewFromInt(100100)) {
		t.Errorf("Expected cash 100100, got %s", acct.Cash)
	}
	if !acct.RealizedPnLToday.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected realized P&L 100, got %s", acct.RealizedPnLToday)
	}
	positions, _ := paper.GetPositions(ctx)
	if len(positions) != 0 {
		t.Errorf("Expected flat book, got %v", positions)
	}
}

func TestPaperBroker_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		order domain.Order
	}{
		{"oversell", limitOrder(domain.SideSell, 1, 100, "s")},
		{"overbuy", limitOrder(domain.SideBuy, 1000, 150, "b")},
		{"bad side", limitOrder("hold", 1, 100, "h")},
		{"missing key", limitOrder(domain.SideBuy, 1, 100, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paper := NewPaperBroker(decimal.NewFromInt(100000), 0, nil)
			_, err := paper.PlaceOrder(context.Background(), tt.order)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if domain.IsRetriable(err) {
				t.Error("validation failures must not be retriable")
			}
			acct, _ := paper.GetAccountSummary(context.Background())
			if !acct.Cash.Equal(decimal.NewFromInt(100000)) {
				t.Errorf("Expected untouched cash, got %s", acct.Cash)
			}
		})
	}
}

func TestPaperBroker_MarketOrderUsesMark(t *testing.T) {
	paper := NewPaperBroker(decimal.NewFromInt(10000), 0, nil)
	paper.UpdatePrice("MSFT", decimal.NewFromInt(400))

	order, err := paper.PlaceOrder(context.Background(), domain.Order{
		InstrumentID:   "MSFT",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeMarket,
		Quantity:       decimal.NewFromInt(2),
		IdempotencyKey: "m1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if !order.FillPrice.Equal(decimal.NewFromInt(400)) {
		t.Errorf("Expected fill at mark 400, got %s", order.FillPrice)
	}

	paper.UpdatePrice("MSFT", decimal.NewFromInt(450))
	acct, _ := paper.GetAccountSummary(context.Background())
	if !acct.PortfolioValue.Equal(decimal.NewFromInt(10100)) {
		t.Errorf("Expected portfolio 9200 + 900 = 10100, got %s", acct.PortfolioValue)
	}
}

func TestPaperBroker_LedgerSurvivesRestart(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	first, err := NewPaperBroker(decimal.NewFromInt(100000), 0, NewLedger(store)).
		PlaceOrder(ctx, limitOrder(domain.SideBuy, 10, 150, "AAPL:1700000000"))
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	restarted := NewPaperBroker(decimal.NewFromInt(100000), 0, NewLedger(store))
	again, err := restarted.PlaceOrder(ctx, limitOrder(domain.SideBuy, 10, 150, "AAPL:1700000000"))
	if err != nil {
		t.Fatalf("PlaceOrder after restart failed: %v", err)
	}
	if again.ID != first.ID || !again.Duplicate {
		t.Errorf("Expected duplicate of %s, got %+v", first.ID, again)
	}
	if !again.Quantity.Equal(decimal.NewFromInt(10)) || !again.FillPrice.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Expected stored quantity and fill price, got %s @ %s", again.Quantity, again.FillPrice)
	}
	if len(restarted.GetFills()) != 0 {
		t.Error("duplicate must not execute on the restarted broker")
	}
}

func TestPaperBroker_ImplementsInterface(t *testing.T) {
	var _ domain.Broker = (*PaperBroker)(nil)
	var _ domain.Broker = (*AlpacaBroker)(nil)
}
