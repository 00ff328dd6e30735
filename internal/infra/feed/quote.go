// Package feed streams live quotes over a websocket and pushes each trade
// price to a callback, used to mark the paper book.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
)

const (
	maxRetries     = 10
	maxSubscribed  = 50
	pingInterval   = 30 * time.Second
	readTimeout    = 60 * time.Second
	handshakeLimit = 10 * time.Second
)

type quoteMessage struct {
	Type   string  `json:"type"` // quote
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   int64   `json:"ts"` // Unix millis
}

// Quote is the last price seen for a symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// Worker keeps one websocket subscription alive, reconnecting with
// exponential backoff.
type Worker struct {
	url     string
	symbols []string
	onQuote func(symbol string, price decimal.Decimal)
	backoff func(retry int) time.Duration

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	quotes    map[string]Quote
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewWorker creates a quote feed worker. At most 50 symbols are subscribed.
func NewWorker(url string, symbols []string, onQuote func(symbol string, price decimal.Decimal)) *Worker {
	if len(symbols) > maxSubscribed {
		slog.Warn("quote feed subscription truncated", slog.Int("requested", len(symbols)), slog.Int("limit", maxSubscribed))
		symbols = symbols[:maxSubscribed]
	}
	return &Worker{
		url:     url,
		symbols: symbols,
		onQuote: onQuote,
		backoff: infra.CalculateBackoff,
		quotes:  make(map[string]Quote),
	}
}

// Connect starts the connection loop in the background.
func (w *Worker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// Run connects and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.Connect(ctx)
	<-ctx.Done()
	w.Disconnect()
	return nil
}

func (w *Worker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("quote feed connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := w.backoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
			if err := infra.Sleep(ctx, delay); err != nil {
				return
			}
			continue
		}

		retryCount = 0
		pingDone := make(chan struct{})
		go w.pingLoop(ctx, pingDone)
		w.readLoop(ctx)
		close(pingDone)
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeLimit}
	header := make(http.Header)
	header.Set("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	slog.Info("quote feed connected", slog.Int("subs", len(w.symbols)))
	return nil
}

func (w *Worker) subscribe() error {
	msg := map[string]any{"action": "subscribe", "symbols": w.symbols}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.threadSafeWrite(websocket.TextMessage, b)
}

func (w *Worker) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return fmt.Errorf("no conn")
	}
	return w.conn.WriteMessage(msgType, data)
}

func (w *Worker) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				slog.Debug("quote feed ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("quote feed read failed", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

func (w *Worker) handleMessage(msg []byte) {
	var q quoteMessage
	if json.Unmarshal(msg, &q) != nil || q.Type != "quote" || q.Price <= 0 {
		return
	}

	symbol := strings.ToUpper(q.Symbol)
	price := decimal.NewFromFloat(q.Price)
	ts := time.Now()
	if q.Time > 0 {
		ts = time.UnixMilli(q.Time)
	}

	w.mu.Lock()
	w.quotes[symbol] = Quote{Symbol: symbol, Price: price, Time: ts}
	w.mu.Unlock()

	if w.onQuote != nil {
		w.onQuote(symbol, price)
	}
}

// LastQuote returns the most recent quote of symbol.
func (w *Worker) LastQuote(symbol string) (Quote, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	q, ok := w.quotes[symbol]
	return q, ok
}

// IsConnected reports whether a connection is currently open.
func (w *Worker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *Worker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Disconnect stops the loop and closes the connection.
func (w *Worker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
