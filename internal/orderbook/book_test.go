package orderbook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/calendar"
	"papertrade/internal/gate"
)

type memStore struct {
	mu        sync.Mutex
	positions map[string]Position
}

func newMemStore() *memStore {
	return &memStore{positions: map[string]Position{}}
}

func (s *memStore) Save(_ context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (s *memStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Position
	for _, p := range s.positions {
		for _, st := range statuses {
			if p.Status == st {
				cp := p
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testAxis() calendar.TimeAxis {
	return calendar.BuildAxis(time.Date(2026, time.August, 28, 0, 0, 0, 0, time.UTC), 30)
}

func acceptedDecision() gate.Decision {
	return gate.Decision{FinalTrade: true, EvidenceDiversity: 2}
}

func testMeta() RunMetadata {
	return RunMetadata{Model: "gpt-5", PromptVersion: "v1.0.0", RunID: "run-1"}
}

func createOpen(t *testing.T, book *Book) *Position {
	t.Helper()
	p, err := book.Create(context.Background(), "ev-1", "ACME",
		time.Date(2026, time.August, 28, 0, 0, 0, 0, time.UTC), testAxis(),
		acceptedDecision(), testMeta(),
		decimal.RequireFromString("0.15"), decimal.RequireFromString("0.08"))
	require.NoError(t, err)
	p, err = book.Open(context.Background(), p.ID, price("100"), p.Axis.EntryDate)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, p.Status)
	return p
}

func TestCreate_RejectsDeclinedDecision(t *testing.T) {
	book := NewBook(newMemStore())
	_, err := book.Create(context.Background(), "ev-1", "ACME",
		time.Date(2026, time.August, 28, 0, 0, 0, 0, time.UTC), testAxis(),
		gate.Decision{FinalTrade: false, Reason: gate.ReasonBelowThreshold}, testMeta(),
		decimal.Zero, decimal.Zero)
	assert.Error(t, err)
}

func TestCreate_RejectsIncompleteMetadata(t *testing.T) {
	book := NewBook(newMemStore())
	meta := testMeta()
	meta.PromptVersion = ""
	_, err := book.Create(context.Background(), "ev-1", "ACME",
		time.Date(2026, time.August, 28, 0, 0, 0, 0, time.UTC), testAxis(),
		acceptedDecision(), meta, decimal.Zero, decimal.Zero)
	assert.Error(t, err)
}

func TestCreate_RejectsAxisEventDayMismatch(t *testing.T) {
	book := NewBook(newMemStore())
	_, err := book.Create(context.Background(), "ev-1", "ACME",
		time.Date(2026, time.August, 27, 0, 0, 0, 0, time.UTC), testAxis(),
		acceptedDecision(), testMeta(), decimal.Zero, decimal.Zero)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authoritative event date")
}

func TestOpen_NilPriceStaysPending(t *testing.T) {
	book := NewBook(newMemStore())
	p, err := book.Create(context.Background(), "ev-1", "ACME",
		time.Date(2026, time.August, 28, 0, 0, 0, 0, time.UTC), testAxis(),
		acceptedDecision(), testMeta(), decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	got, err := book.Open(context.Background(), p.ID, nil, p.Axis.EntryDate)
	assert.ErrorIs(t, err, ErrMissingPrice)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.EntryPrice)
}

func TestOpen_TwiceIsInvalidTransition(t *testing.T) {
	book := NewBook(newMemStore())
	p := createOpen(t, book)

	_, err := book.Open(context.Background(), p.ID, price("101"), p.Axis.EntryDate)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusOpen, ite.From)
	assert.Equal(t, StatusOpen, ite.To)
}

func TestEvaluateExit_TargetBeatsStopAndHold(t *testing.T) {
	book := NewBook(newMemStore())
	p := createOpen(t, book)

	// Past max hold AND above target: target reason wins.
	got, err := book.EvaluateExit(context.Background(), p.ID, price("116"), p.Axis.ExitDate)
	require.NoError(t, err)
	assert.Equal(t, StatusExited, got.Status)
	assert.Equal(t, ExitReasonTarget, got.ExitReason)

	ret, ok := got.ReturnPct()
	require.True(t, ok)
	assert.Equal(t, "0.16", ret.String())
}

func TestEvaluateExit_StopLoss(t *testing.T) {
	book := NewBook(newMemStore())
	p := createOpen(t, book)

	got, err := book.EvaluateExit(context.Background(), p.ID, price("92"), p.Axis.EntryDate.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, StatusExited, got.Status)
	assert.Equal(t, ExitReasonStop, got.ExitReason)
}

func TestEvaluateExit_BeforeAnyTriggerIsNoOp(t *testing.T) {
	book := NewBook(newMemStore())
	p := createOpen(t, book)

	got, err := book.EvaluateExit(context.Background(), p.ID, price("104"), p.Axis.EntryDate.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
}

func TestEvaluateExit_MaxHoldingWithoutPriceParks(t *testing.T) {
	book := NewBook(newMemStore())
	p := createOpen(t, book)

	got, err := book.EvaluateExit(context.Background(), p.ID, nil, p.Axis.ExitDate)
	require.NoError(t, err)
	assert.Equal(t, StatusExitPendingNoPrice, got.Status)
	assert.Nil(t, got.ExitPrice)

	// Next day a price shows up: finalize as max holding exit.
	got, err = book.EvaluateExit(context.Background(), p.ID, price("103"), p.Axis.ExitDate.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, StatusExited, got.Status)
	assert.Equal(t, ExitReasonMaxHolding, got.ExitReason)
}

func TestEvaluateExit_IdempotentOnceExited(t *testing.T) {
	book := NewBook(newMemStore())
	p := createOpen(t, book)

	got, err := book.EvaluateExit(context.Background(), p.ID, price("116"), p.Axis.EntryDate.AddDate(0, 0, 5))
	require.NoError(t, err)
	require.Equal(t, StatusExited, got.Status)
	exitPrice := got.ExitPrice.String()

	again, err := book.EvaluateExit(context.Background(), p.ID, price("50"), p.Axis.ExitDate)
	require.NoError(t, err)
	assert.Equal(t, StatusExited, again.Status)
	assert.Equal(t, exitPrice, again.ExitPrice.String())
	assert.Equal(t, ExitReasonTarget, again.ExitReason)
}

func TestEvaluateExit_PendingPositionRejected(t *testing.T) {
	book := NewBook(newMemStore())
	p, err := book.Create(context.Background(), "ev-1", "ACME",
		time.Date(2026, time.August, 28, 0, 0, 0, 0, time.UTC), testAxis(),
		acceptedDecision(), testMeta(), decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	_, err = book.EvaluateExit(context.Background(), p.ID, price("100"), p.Axis.ExitDate)
	var ite *InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestOpenPositionsIncludesParked(t *testing.T) {
	book := NewBook(newMemStore())
	p := createOpen(t, book)
	_, err := book.EvaluateExit(context.Background(), p.ID, nil, p.Axis.ExitDate)
	require.NoError(t, err)

	open, err := book.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, StatusExitPendingNoPrice, open[0].Status)
}
