package orderbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/calendar"
	"papertrade/internal/gate"
	"papertrade/internal/logger"
)

// ErrMissingPrice is returned when an open is attempted without a real
// entry price. The position stays PENDING.
var ErrMissingPrice = errors.New("orderbook: no price available")

// ErrNotFound is returned by stores for unknown position ids.
var ErrNotFound = errors.New("orderbook: position not found")

// Store persists positions. Implementations must return ErrNotFound for
// unknown ids.
type Store interface {
	Save(ctx context.Context, p *Position) error
	Get(ctx context.Context, id string) (*Position, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Position, error)
}

// Book is the single writer for position state. All lifecycle transitions
// go through it under one lock, so concurrent evaluation pipelines can
// never interleave half-applied transitions.
type Book struct {
	mu    sync.Mutex
	store Store
}

func NewBook(store Store) *Book {
	return &Book{store: store}
}

// Create records a PENDING position for an accepted trade decision. It
// rejects declined decisions, incomplete attribution metadata, and any time
// axis whose event day disagrees with the authoritative eventDate.
func (b *Book) Create(ctx context.Context, eventID, symbol string, eventDate time.Time, axis calendar.TimeAxis, decision gate.Decision, meta RunMetadata, targetPct, stopPct decimal.Decimal) (*Position, error) {
	if !decision.FinalTrade {
		return nil, fmt.Errorf("orderbook: refusing to create position for declined decision (reason=%s)", decision.Reason)
	}
	if !meta.Complete() {
		return nil, fmt.Errorf("orderbook: incomplete run metadata %+v", meta)
	}
	if err := axis.Validate(); err != nil {
		return nil, fmt.Errorf("orderbook: invalid time axis: %w", err)
	}
	want := time.Date(eventDate.Year(), eventDate.Month(), eventDate.Day(), 0, 0, 0, 0, time.UTC)
	if !axis.TDay.Equal(want) {
		return nil, fmt.Errorf("orderbook: axis event day %s does not match authoritative event date %s",
			axis.TDay.Format(time.DateOnly), want.Format(time.DateOnly))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	p := &Position{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Symbol:    symbol,
		Axis:      axis,
		Status:    StatusPending,
		Decision:  decision,
		Meta:      meta,
		TargetPct: targetPct,
		StopPct:   stopPct,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.Save(ctx, p); err != nil {
		return nil, err
	}
	logger.Infof("position created id=%s event=%s symbol=%s entry=%s exit=%s",
		p.ID, eventID, symbol, axis.EntryDate.Format(time.DateOnly), axis.ExitDate.Format(time.DateOnly))
	return p, nil
}

// Open fills a PENDING position at entryPrice. A nil price fails closed:
// the position stays PENDING and ErrMissingPrice is returned so the caller
// can retry on the next run.
func (b *Book) Open(ctx context.Context, id string, entryPrice *decimal.Decimal, asOf time.Time) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(p.Status, StatusOpen) {
		return nil, &InvalidTransitionError{PositionID: id, From: p.Status, To: StatusOpen}
	}
	if entryPrice == nil || entryPrice.LessThanOrEqual(decimal.Zero) {
		logger.Warnf("position %s: entry price unavailable on %s, staying pending", id, asOf.Format(time.DateOnly))
		return p, ErrMissingPrice
	}

	price := *entryPrice
	opened := asOf.UTC()
	p.Status = StatusOpen
	p.EntryPrice = &price
	p.OpenedAt = &opened
	p.UpdatedAt = time.Now().UTC()
	if err := b.store.Save(ctx, p); err != nil {
		return nil, err
	}
	logger.Infof("position opened id=%s symbol=%s price=%s", id, p.Symbol, price.String())
	return p, nil
}

// EvaluateExit applies the exit rules to one position for the trading day
// asOf with close price closePrice (nil when the feed has no close).
// Rule priority is fixed: profit target, then stop loss, then max holding.
// A due exit with no price parks the position in EXIT_PENDING_NO_PRICE; the
// next call with a real price finalizes it. Calls on an EXITED position are
// idempotent no-ops.
func (b *Book) EvaluateExit(ctx context.Context, id string, closePrice *decimal.Decimal, asOf time.Time) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusExited:
		return p, nil
	case StatusPending:
		return nil, &InvalidTransitionError{PositionID: id, From: p.Status, To: StatusExited}
	}

	day := asOf.UTC()
	maxHoldDue := !day.Before(p.Axis.ExitDate)

	if closePrice == nil {
		if p.Status == StatusExitPendingNoPrice {
			return p, nil
		}
		if !maxHoldDue {
			return p, nil
		}
		p.Status = StatusExitPendingNoPrice
		p.UpdatedAt = time.Now().UTC()
		if err := b.store.Save(ctx, p); err != nil {
			return nil, err
		}
		logger.Warnf("position %s: exit due on %s but no close price, parked", id, day.Format(time.DateOnly))
		return p, nil
	}

	price := *closePrice
	reason := ""
	switch {
	case p.hitTarget(price):
		reason = ExitReasonTarget
	case p.hitStop(price):
		reason = ExitReasonStop
	case maxHoldDue || p.Status == StatusExitPendingNoPrice:
		reason = ExitReasonMaxHolding
	default:
		return p, nil
	}

	return b.exitLocked(ctx, p, price, reason, day)
}

func (p *Position) hitTarget(price decimal.Decimal) bool {
	if p.EntryPrice == nil || p.TargetPct.IsZero() {
		return false
	}
	return price.GreaterThanOrEqual(p.EntryPrice.Mul(decimal.NewFromInt(1).Add(p.TargetPct)))
}

func (p *Position) hitStop(price decimal.Decimal) bool {
	if p.EntryPrice == nil || p.StopPct.IsZero() {
		return false
	}
	return price.LessThanOrEqual(p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(p.StopPct)))
}

func (b *Book) exitLocked(ctx context.Context, p *Position, price decimal.Decimal, reason string, day time.Time) (*Position, error) {
	if !transitionAllowed(p.Status, StatusExited) {
		return nil, &InvalidTransitionError{PositionID: p.ID, From: p.Status, To: StatusExited}
	}
	p.Status = StatusExited
	p.ExitPrice = &price
	p.ExitReason = reason
	p.ExitedAt = &day
	p.UpdatedAt = time.Now().UTC()
	if err := b.store.Save(ctx, p); err != nil {
		return nil, err
	}
	ret, _ := p.ReturnPct()
	logger.Infof("position exited id=%s symbol=%s reason=%s price=%s return=%s",
		p.ID, p.Symbol, reason, price.String(), ret.StringFixed(4))
	return p, nil
}

// Get returns one position by id.
func (b *Book) Get(ctx context.Context, id string) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Get(ctx, id)
}

// OpenPositions lists positions that still need exit evaluation.
func (b *Book) OpenPositions(ctx context.Context) ([]*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.ListByStatus(ctx, StatusOpen, StatusExitPendingNoPrice)
}

// PendingPositions lists positions waiting for an entry fill.
func (b *Book) PendingPositions(ctx context.Context) ([]*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.ListByStatus(ctx, StatusPending)
}

// ExitedPositions lists completed trades for performance submission.
func (b *Book) ExitedPositions(ctx context.Context) ([]*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.ListByStatus(ctx, StatusExited)
}
