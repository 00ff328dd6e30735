package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Mark is the latest traded price of an instrument.
type Mark struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PriceSink receives every accepted mark, normally the paper broker.
type PriceSink interface {
	UpdatePrice(instrumentID string, price decimal.Decimal)
}

// MarkService keeps the latest mark per instrument and forwards marks to
// the sinks. Quotes arrive on a buffered channel so the feed never blocks
// on valuation.
type MarkService struct {
	mu      sync.RWMutex
	marks   map[string]*Mark
	sinks   []PriceSink
	updates chan Mark
	now     func() time.Time
}

// NewMarkService creates a MarkService forwarding to sinks.
func NewMarkService(sinks ...PriceSink) *MarkService {
	return &MarkService{
		marks:   make(map[string]*Mark),
		sinks:   sinks,
		updates: make(chan Mark, 1000), // Absorbs bursts at the open.
		now:     time.Now,
	}
}

// OnQuote enqueues a quote. It matches the feed callback signature and
// drops the quote when the buffer is full.
func (s *MarkService) OnQuote(instrumentID string, price decimal.Decimal) {
	select {
	case s.updates <- Mark{InstrumentID: instrumentID, Price: price, UpdatedAt: s.now()}:
	default:
		slog.Warn("mark buffer full, dropping quote", slog.String("instrument", instrumentID))
	}
}

// Run applies queued quotes until ctx is done.
func (s *MarkService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.updates:
			s.Apply(m)
		}
	}
}

// Apply records m and forwards it. Non-positive prices are ignored.
func (s *MarkService) Apply(m Mark) {
	if !m.Price.IsPositive() {
		return
	}
	s.mu.Lock()
	cur, ok := s.marks[m.InstrumentID]
	if ok && m.UpdatedAt.Before(cur.UpdatedAt) {
		s.mu.Unlock()
		return
	}
	mark := m
	s.marks[m.InstrumentID] = &mark
	s.mu.Unlock()

	for _, sink := range s.sinks {
		sink.UpdatePrice(m.InstrumentID, m.Price)
	}
}

// Get returns the mark of one instrument.
func (s *MarkService) Get(instrumentID string) (Mark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.marks[instrumentID]
	if !ok {
		return Mark{}, false
	}
	return *m, true
}

// All returns every mark sorted by instrument.
func (s *MarkService) All() []Mark {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Mark, 0, len(s.marks))
	for _, m := range s.marks {
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InstrumentID < result[j].InstrumentID
	})
	return result
}
