// Package orderbook manages the paper position lifecycle. The state machine
// is fail-closed: a position never reaches OPEN without a real entry price,
// and a due exit with no close available parks in EXIT_PENDING_NO_PRICE
// instead of fabricating a fill.
package orderbook

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/calendar"
	"papertrade/internal/gate"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusOpen               Status = "OPEN"
	StatusExitPendingNoPrice Status = "EXIT_PENDING_NO_PRICE"
	StatusExited             Status = "EXITED"
)

// Exit reasons recorded when a position closes.
const (
	ExitReasonTarget     = "target_hit"
	ExitReasonStop       = "stop_hit"
	ExitReasonMaxHolding = "max_holding"
)

// RunMetadata ties a position back to the exact run that produced it. All
// three fields are mandatory before a position may open; a fill that cannot
// be attributed to a model, prompt version and run is worthless as evidence.
type RunMetadata struct {
	Model         string `json:"model"`
	PromptVersion string `json:"prompt_version"`
	RunID         string `json:"run_id"`
}

// Complete reports whether every attribution field is set.
func (m RunMetadata) Complete() bool {
	return m.Model != "" && m.PromptVersion != "" && m.RunID != ""
}

// Position is one long paper trade anchored to an event day.
type Position struct {
	ID       string            `json:"id"`
	EventID  string            `json:"event_id"`
	Symbol   string            `json:"symbol"`
	Axis     calendar.TimeAxis `json:"axis"`
	Status   Status            `json:"status"`
	Decision gate.Decision     `json:"decision"`
	Meta     RunMetadata       `json:"meta"`

	// Exit rule parameters, fractions of entry price (0.15 = +15%).
	TargetPct decimal.Decimal `json:"target_pct"`
	StopPct   decimal.Decimal `json:"stop_pct"`

	// Prices are pointers so "unknown" is representable and can never be
	// confused with zero.
	EntryPrice *decimal.Decimal `json:"entry_price,omitempty"`
	ExitPrice  *decimal.Decimal `json:"exit_price,omitempty"`

	ExitReason string     `json:"exit_reason,omitempty"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ReturnPct is (exit-entry)/entry, available only on exited positions.
func (p *Position) ReturnPct() (decimal.Decimal, bool) {
	if p.Status != StatusExited || p.EntryPrice == nil || p.ExitPrice == nil || p.EntryPrice.IsZero() {
		return decimal.Zero, false
	}
	return p.ExitPrice.Sub(*p.EntryPrice).Div(*p.EntryPrice), true
}

// InvalidTransitionError is returned for any lifecycle move outside
// PENDING -> OPEN -> (EXIT_PENDING_NO_PRICE) -> EXITED.
type InvalidTransitionError struct {
	PositionID string
	From       Status
	To         Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("position %s: invalid transition %s -> %s", e.PositionID, e.From, e.To)
}

// transitionAllowed encodes the legal lifecycle edges.
func transitionAllowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusOpen
	case StatusOpen:
		return to == StatusExited || to == StatusExitPendingNoPrice
	case StatusExitPendingNoPrice:
		return to == StatusExited
	default:
		return false
	}
}
