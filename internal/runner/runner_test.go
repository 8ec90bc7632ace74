package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/artifact"
	"papertrade/internal/calendar"
	"papertrade/internal/freeze"
	"papertrade/internal/orderbook"
	"papertrade/internal/prompt"
	"papertrade/internal/provider"
	"papertrade/internal/store"
)

// --- fakes ---

type memPositions struct {
	mu        sync.Mutex
	positions map[string]orderbook.Position
}

func newMemPositions() *memPositions {
	return &memPositions{positions: map[string]orderbook.Position{}}
}

func (s *memPositions) Save(_ context.Context, p *orderbook.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	return nil
}

func (s *memPositions) Get(_ context.Context, id string) (*orderbook.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, orderbook.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (s *memPositions) ListByStatus(_ context.Context, statuses ...orderbook.Status) ([]*orderbook.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*orderbook.Position
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

type memManifests struct {
	manifests map[string]*freeze.Manifest
}

func (s *memManifests) SaveManifest(_ context.Context, m *freeze.Manifest) error {
	cp := *m
	s.manifests[m.ManifestHash] = &cp
	return nil
}

func (s *memManifests) GetManifest(_ context.Context, hash string) (*freeze.Manifest, error) {
	m, ok := s.manifests[hash]
	if !ok {
		return nil, freeze.ErrNoActiveManifest
	}
	cp := *m
	return &cp, nil
}

func (s *memManifests) ActiveManifest(_ context.Context) (*freeze.Manifest, error) {
	for _, m := range s.manifests {
		if m.Frozen && m.SupersededBy == "" {
			cp := *m
			return &cp, nil
		}
	}
	return nil, freeze.ErrNoActiveManifest
}

type fixedResolver struct{ hash string }

func (r *fixedResolver) PromptHash(_, _ string) (string, error) { return r.hash, nil }

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*store.RunRecord
}

func newMemRuns() *memRuns { return &memRuns{runs: map[string]*store.RunRecord{}} }

func (s *memRuns) SaveRun(_ context.Context, r *store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

func (s *memRuns) InvalidateRun(_ context.Context, runID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}
	r.Valid = false
	r.InvalidReason = reason
	return nil
}

type staticEvents struct{ events []Event }

func (s *staticEvents) EventsForDay(_ context.Context, _ time.Time) ([]Event, error) {
	return s.events, nil
}

type failingEvents struct{}

func (failingEvents) EventsForDay(context.Context, time.Time) ([]Event, error) {
	return nil, fmt.Errorf("feed unreachable")
}

type staticTemplates struct{ tpl prompt.Template }

func (s *staticTemplates) Template(_, _ string) (prompt.Template, bool) { return s.tpl, true }

type scriptedClient struct {
	mu        sync.Mutex
	calls     atomic.Int32
	responses map[string]string
}

func (c *scriptedClient) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return &provider.Response{RawText: c.responses[req.EventID]}, nil
}

type priceTable struct {
	mu     sync.Mutex
	closes map[string]string // symbol|date -> close
}

func (p *priceTable) ClosePrice(_ context.Context, symbol string, day time.Time) (decimal.Decimal, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.closes[symbol+"|"+day.Format(time.DateOnly)]
	if !ok {
		return decimal.Zero, false, nil
	}
	return decimal.RequireFromString(raw), true, nil
}

// --- fixture ---

const tradeJSON = `{"score":0.82,"trade_candidate":true,
 "evidence_snippets":[
  {"quote":"revenue grew 32%","speaker_role":"CFO","section":"prepared"},
  {"quote":"raising guidance","speaker_role":"CEO","section":"qa"}],
 "key_flags":{"guidance_raised":true}}`

const lowScoreJSON = `{"score":0.40,"trade_candidate":true,
 "evidence_snippets":[
  {"quote":"revenue grew 32%","speaker_role":"CFO","section":"prepared"},
  {"quote":"raising guidance","speaker_role":"CEO","section":"qa"}],
 "key_flags":{}}`

type fixture struct {
	runner    *Runner
	runs      *memRuns
	client    *scriptedClient
	prices    *priceTable
	book      *orderbook.Book
	positions *memPositions
	manifest  *freeze.Manifest
	runtime   *freeze.Manifest
	artifacts string
}

func newFixture(t *testing.T, responses map[string]string, events []Event) *fixture {
	t.Helper()
	manifests := &memManifests{manifests: map[string]*freeze.Manifest{}}
	policy := freeze.NewPolicy(manifests, &fixedResolver{hash: "ph-1"})

	base := &freeze.Manifest{
		ModelIDs:         map[string]string{freeze.StageScore: "gpt-5"},
		PromptID:         "batch_score",
		PromptVersion:    "v1.0.0",
		ScoreThreshold:   0.70,
		EvidenceMinCount: 2,
		BlockOnFlags:     []string{"margin_concern"},
		TargetPct:        decimal.RequireFromString("0.15"),
		StopPct:          decimal.RequireFromString("0.08"),
		MaxHoldingDays:   30,
	}
	frozen, err := policy.Freeze(context.Background(), base)
	require.NoError(t, err)

	artifactDir := t.TempDir()
	ledger, err := artifact.NewLedger(artifactDir)
	require.NoError(t, err)

	positions := newMemPositions()
	book := orderbook.NewBook(positions)
	runs := newMemRuns()
	client := &scriptedClient{responses: responses}
	prices := &priceTable{closes: map[string]string{}}

	runtime := *frozen
	f := &fixture{
		runs: runs, client: client, prices: prices,
		book: book, positions: positions, manifest: frozen, runtime: &runtime,
		artifacts: artifactDir,
	}
	f.runner = &Runner{
		Policy:    policy,
		Templates: &staticTemplates{tpl: prompt.Template{ID: "batch_score", Version: "v1.0.0", System: "sys", User: "score {symbol} {transcript}"}},
		Client:    client,
		Prices:    prices,
		Book:      book,
		Runs:      runs,
		Ledger:    ledger,
		Events:    &staticEvents{events: events},
		Runtime:   func() *freeze.Manifest { return f.runtime },
	}
	return f
}

var runDay = time.Date(2026, time.August, 28, 0, 0, 0, 0, time.UTC)

func TestRunDaily_TradeCreatesPendingPosition(t *testing.T) {
	f := newFixture(t,
		map[string]string{"ev-1": tradeJSON},
		[]Event{{ID: "ev-1", Symbol: "ACME", Date: runDay, Transcript: "call text"}})

	record, err := f.runner.RunDaily(context.Background(), runDay)
	require.NoError(t, err)
	assert.True(t, record.Valid)

	pending, err := f.book.PendingPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ev-1", pending[0].EventID)
	assert.Equal(t, record.RunID, pending[0].Meta.RunID)
	assert.Equal(t, "gpt-5", pending[0].Meta.Model)
	assert.Contains(t, string(record.Summary), `"trades":1`)
}

func TestRunDaily_ParseFailureYieldsNoTrade(t *testing.T) {
	f := newFixture(t,
		map[string]string{"ev-1": "the model rambled with no json"},
		[]Event{{ID: "ev-1", Symbol: "ACME", Date: runDay, Transcript: "call text"}})

	record, err := f.runner.RunDaily(context.Background(), runDay)
	require.NoError(t, err)
	assert.Contains(t, string(record.Summary), `"parse_failures":1`)
	assert.Contains(t, string(record.Summary), `"no_trades":1`)

	pending, _ := f.book.PendingPositions(context.Background())
	assert.Empty(t, pending)
}

func TestRunDaily_DriftHaltsBeforeModelCalls(t *testing.T) {
	f := newFixture(t,
		map[string]string{"ev-1": tradeJSON},
		[]Event{{ID: "ev-1", Symbol: "ACME", Date: runDay, Transcript: "call text"}})

	drifted := *f.manifest
	drifted.ScoreThreshold = 0.60
	f.runtime = &drifted

	record, err := f.runner.RunDaily(context.Background(), runDay)
	var drift *freeze.DriftError
	require.ErrorAs(t, err, &drift)
	assert.False(t, record.Valid)
	assert.Contains(t, record.InvalidReason, "score_threshold")
	assert.Equal(t, int32(0), f.client.calls.Load())

	stored := f.runs.runs[record.RunID]
	assert.False(t, stored.Valid)
}

func TestRunDaily_EventFeedFailureInvalidatesRun(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.runner.Events = failingEvents{}

	record, err := f.runner.RunDaily(context.Background(), runDay)
	require.Error(t, err)
	require.NotNil(t, record)
	assert.False(t, record.Valid)
	assert.Contains(t, record.InvalidReason, "feed unreachable")

	stored := f.runs.runs[record.RunID]
	assert.False(t, stored.Valid)
	assert.Contains(t, stored.InvalidReason, "feed unreachable")

	// The artifact directory carries the invalidation marker too.
	_, err = os.Stat(filepath.Join(f.artifacts, record.RunID, "INVALID"))
	assert.NoError(t, err)
}

func TestRunDaily_DisagreeingSamplesAbstain(t *testing.T) {
	f := newFixture(t,
		map[string]string{"ev-1": tradeJSON, "ev-1_s2": lowScoreJSON},
		[]Event{{ID: "ev-1", Symbol: "ACME", Date: runDay, Transcript: "call text"}})
	f.runner.Samples = 2

	record, err := f.runner.RunDaily(context.Background(), runDay)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.client.calls.Load())
	assert.Contains(t, string(record.Summary), `"no_trades":1`)

	pending, err := f.book.PendingPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunDaily_AgreeingSamplesTrade(t *testing.T) {
	f := newFixture(t,
		map[string]string{"ev-1": tradeJSON, "ev-1_s2": tradeJSON},
		[]Event{{ID: "ev-1", Symbol: "ACME", Date: runDay, Transcript: "call text"}})
	f.runner.Samples = 2

	record, err := f.runner.RunDaily(context.Background(), runDay)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.client.calls.Load())
	assert.Contains(t, string(record.Summary), `"trades":1`)
}

func TestRunDaily_ExitsSettleBeforeNewEntries(t *testing.T) {
	f := newFixture(t,
		map[string]string{"ev-2": tradeJSON},
		[]Event{{ID: "ev-2", Symbol: "BETA", Date: runDay, Transcript: "call text"}})

	// Seed an open ACME position whose profit target is hit today.
	entry := decimal.RequireFromString("100")
	opened := runDay.AddDate(0, 0, -10)
	seeded := &orderbook.Position{
		ID:         "pos-old",
		EventID:    "ev-old",
		Symbol:     "ACME",
		Axis:       calendar.BuildAxis(opened, 30),
		Status:     orderbook.StatusOpen,
		Meta:       orderbook.RunMetadata{Model: "gpt-5", PromptVersion: "v1.0.0", RunID: "run-0"},
		TargetPct:  decimal.RequireFromString("0.15"),
		StopPct:    decimal.RequireFromString("0.08"),
		EntryPrice: &entry,
		CreatedAt:  opened,
		UpdatedAt:  opened,
	}
	require.NoError(t, f.positions.Save(context.Background(), seeded))
	f.prices.closes["ACME|"+runDay.Format(time.DateOnly)] = "118.00"

	record, err := f.runner.RunDaily(context.Background(), runDay)
	require.NoError(t, err)

	settled, err := f.book.Get(context.Background(), "pos-old")
	require.NoError(t, err)
	assert.Equal(t, orderbook.StatusExited, settled.Status)
	assert.Equal(t, orderbook.ExitReasonTarget, settled.ExitReason)
	assert.Contains(t, string(record.Summary), `"exits_settled":1`)
	assert.Contains(t, string(record.Summary), `"trades":1`)
}

func TestRunDaily_PendingFillWaitsForPrice(t *testing.T) {
	f := newFixture(t, map[string]string{"ev-1": tradeJSON},
		[]Event{{ID: "ev-1", Symbol: "ACME", Date: runDay, Transcript: "call text"}})

	// Day 1: position created pending.
	_, err := f.runner.RunDaily(context.Background(), runDay)
	require.NoError(t, err)

	// Day 2 (entry date) with no close available: still pending.
	f.runner.Events = &staticEvents{}
	entryDay := calendar.NextTradingDay(runDay)
	record, err := f.runner.RunDaily(context.Background(), entryDay)
	require.NoError(t, err)
	assert.Contains(t, string(record.Summary), `"still_pending":1`)

	// Day 3 with a close: fills.
	nextDay := calendar.NextTradingDay(entryDay)
	f.prices.closes["ACME|"+nextDay.Format(time.DateOnly)] = "55.25"
	record, err = f.runner.RunDaily(context.Background(), nextDay)
	require.NoError(t, err)
	assert.Contains(t, string(record.Summary), `"opened":1`)

	open, err := f.book.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "55.25", open[0].EntryPrice.String())
}
