package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recorder struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{prices: map[string]decimal.Decimal{}, got: make(chan struct{}, 16)}
}

func (r *recorder) onQuote(symbol string, price decimal.Decimal) {
	r.mu.Lock()
	r.prices[symbol] = price
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for quote %d", i+1)
		}
	}
}

func TestWorker_SubscribesAndForwardsQuotes(t *testing.T) {
	subscribed := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			Action  string   `json:"action"`
			Symbols []string `json:"symbols"`
		}
		if err := conn.ReadJSON(&sub); err != nil || sub.Action != "subscribe" {
			return
		}
		subscribed <- sub.Symbols

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","symbol":"aapl","price":187.25,"ts":1717423200000}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","symbol":"MSFT","price":0}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","symbol":"MSFT","price":412.5}`))

		// Hold the connection until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	w := NewWorker(wsURL(srv), []string{"AAPL", "MSFT"}, rec.onQuote)
	w.Connect(context.Background())
	defer w.Disconnect()

	select {
	case syms := <-subscribed:
		if len(syms) != 2 || syms[0] != "AAPL" {
			t.Errorf("Unexpected subscription %v", syms)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	rec.wait(t, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.prices["AAPL"].Equal(decimal.RequireFromString("187.25")) {
		t.Errorf("Expected AAPL 187.25, got %s", rec.prices["AAPL"])
	}
	if !rec.prices["MSFT"].Equal(decimal.RequireFromString("412.5")) {
		t.Errorf("Expected MSFT 412.5, got %s", rec.prices["MSFT"])
	}

	q, ok := w.LastQuote("AAPL")
	if !ok || q.Time.UnixMilli() != 1717423200000 {
		t.Errorf("Expected stored AAPL quote with exchange time, got %+v", q)
	}
	if !w.IsConnected() {
		t.Error("Expected connected")
	}
}

func TestWorker_Reconnects(t *testing.T) {
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&conns, 1)
		conn.ReadMessage() // subscribe
		if n == 1 {
			return // Drop the first session.
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","symbol":"AAPL","price":190}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	w := NewWorker(wsURL(srv), []string{"AAPL"}, rec.onQuote)
	w.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	w.Connect(context.Background())
	defer w.Disconnect()

	rec.wait(t, 1)
	if atomic.LoadInt32(&conns) < 2 {
		t.Errorf("Expected a reconnect, got %d connections", conns)
	}
}

func TestWorker_DisconnectStopsLoop(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler()) // Dial always fails.
	defer srv.Close()

	w := NewWorker(wsURL(srv), []string{"AAPL"}, nil)
	w.backoff = func(int) time.Duration { return 5 * time.Millisecond }
	w.Connect(context.Background())
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	if w.IsConnected() {
		t.Error("Expected disconnected")
	}
}

func TestNewWorker_TruncatesSubscriptions(t *testing.T) {
	symbols := make([]string, 60)
	for i := range symbols {
		symbols[i] = "S"
	}
	if w := NewWorker("ws://localhost", symbols, nil); len(w.symbols) != maxSubscribed {
		t.Errorf("Expected %d symbols, got %d", maxSubscribed, len(w.symbols))
	}
}
