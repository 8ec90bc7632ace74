// Package runner executes the daily pipeline: validate the frozen
// configuration, settle the existing book (exits strictly before new
// entries), score the day's events, and gate them into positions. Every
// step leaves artifacts; a run that fails validation is recorded, marked
// invalid and halted before any model call.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"papertrade/internal/artifact"
	"papertrade/internal/calendar"
	"papertrade/internal/freeze"
	"papertrade/internal/gate"
	"papertrade/internal/llmjson"
	"papertrade/internal/logger"
	"papertrade/internal/orderbook"
	"papertrade/internal/perf"
	"papertrade/internal/pricefeed"
	"papertrade/internal/prompt"
	"papertrade/internal/provider"
	"papertrade/internal/signal"
	"papertrade/internal/store"
)

// Event is one scoring opportunity: an earnings call transcript anchored to
// its event day.
type Event struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Date       time.Time `json:"date"`
	Transcript string    `json:"transcript"`
}

// EventSource yields the events to score for a given day.
type EventSource interface {
	EventsForDay(ctx context.Context, day time.Time) ([]Event, error)
}

// RunStore persists run records.
type RunStore interface {
	SaveRun(ctx context.Context, r *store.RunRecord) error
	InvalidateRun(ctx context.Context, runID, reason string) error
}

// TemplateSource resolves the frozen prompt template.
type TemplateSource interface {
	Template(id, version string) (prompt.Template, bool)
}

// Summary is the per-run accounting written to the run record and the
// artifact directory.
type Summary struct {
	RunID         string   `json:"run_id"`
	Day           string   `json:"day"`
	ManifestHash  string   `json:"manifest_hash"`
	Events        int      `json:"events"`
	Trades        int      `json:"trades"`
	NoTrades      int      `json:"no_trades"`
	ParseFailures int      `json:"parse_failures"`
	EventErrors   []string `json:"event_errors,omitempty"`
	ExitsSettled  int      `json:"exits_settled"`
	ExitsParked   int      `json:"exits_parked"`
	Opened        int      `json:"opened"`
	StillPending  int      `json:"still_pending"`
}

// Runner owns one day's pipeline execution.
type Runner struct {
	Policy      *freeze.Policy
	Templates   TemplateSource
	Client      provider.Client
	Prices      pricefeed.Source
	Book        *orderbook.Book
	Runs        RunStore
	Ledger      *artifact.Ledger
	Events      EventSource
	Perf        perf.Submitter // optional
	Runtime     func() *freeze.Manifest
	Parallelism int
	Temperature float64

	// Samples is the number of independent evaluations per event. Above 1,
	// disagreeing evaluations abstain instead of voting.
	Samples int
}

// RunDaily runs the full pipeline for one day and returns the run record.
func (r *Runner) RunDaily(ctx context.Context, day time.Time) (*store.RunRecord, error) {
	runID := uuid.NewString()
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	manifest, err := r.Policy.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("runner: no frozen configuration: %w", err)
	}

	record := &store.RunRecord{
		RunID:        runID,
		RunDate:      day.Format(time.DateOnly),
		ManifestHash: manifest.ManifestHash,
		Valid:        true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.Runs.SaveRun(ctx, record); err != nil {
		return nil, err
	}
	runDir, err := r.Ledger.BeginRun(runID, manifest)
	if err != nil {
		return nil, err
	}

	// Drift check comes before any model call or book mutation. A drifted
	// configuration invalidates the run and halts it.
	if err := r.Policy.ValidateRuntime(ctx, r.Runtime()); err != nil {
		var drift *freeze.DriftError
		if errors.As(err, &drift) {
			r.abortRun(ctx, runDir, record, drift.Error())
			return record, drift
		}
		r.abortRun(ctx, runDir, record, fmt.Sprintf("runtime validation failed: %v", err))
		return record, err
	}

	summary := &Summary{RunID: runID, Day: record.RunDate, ManifestHash: manifest.ManifestHash}

	// Exits settle before any new entry so capital state is current and a
	// symbol exiting today can never be double-held by today's signal.
	r.settleExits(ctx, day, summary)
	r.fillPending(ctx, day, summary)
	if err := r.scoreEvents(ctx, runDir, manifest, day, summary); err != nil {
		r.abortRun(ctx, runDir, record, err.Error())
		return record, err
	}

	if err := runDir.WriteSummary(summary); err != nil {
		logger.Errorf("run %s: summary artifact failed: %v", runID, err)
	}
	raw, err := json.Marshal(summary)
	if err == nil {
		record.Summary = raw
		if err := r.Runs.SaveRun(ctx, record); err != nil {
			logger.Errorf("run %s: record update failed: %v", runID, err)
		}
	}

	r.submitPerformance(ctx, runID, manifest.ManifestHash)
	logger.Infof("run %s complete: events=%d trades=%d no_trades=%d exits=%d",
		runID, summary.Events, summary.Trades, summary.NoTrades, summary.ExitsSettled)
	return record, nil
}

// abortRun marks an interrupted run invalid everywhere it is recorded: the
// persisted run record and the artifact directory. An aborted run never
// reaches the performance submission.
func (r *Runner) abortRun(ctx context.Context, runDir *artifact.RunDir, record *store.RunRecord, reason string) {
	logger.Errorf("run %s halted: %s", record.RunID, reason)
	if err := runDir.MarkInvalid(reason); err != nil {
		logger.Errorf("run %s: invalid marker failed: %v", record.RunID, err)
	}
	if err := r.Runs.InvalidateRun(ctx, record.RunID, reason); err != nil {
		logger.Errorf("run %s: invalidation record failed: %v", record.RunID, err)
	}
	record.Valid = false
	record.InvalidReason = reason
}

func (r *Runner) settleExits(ctx context.Context, day time.Time, summary *Summary) {
	positions, err := r.Book.OpenPositions(ctx)
	if err != nil {
		logger.Errorf("listing open positions: %v", err)
		return
	}
	for _, p := range positions {
		price := r.lookupPrice(ctx, p.Symbol, day)
		updated, err := r.Book.EvaluateExit(ctx, p.ID, price, day)
		if err != nil {
			logger.Errorf("exit evaluation for %s: %v", p.ID, err)
			continue
		}
		switch updated.Status {
		case orderbook.StatusExited:
			summary.ExitsSettled++
		case orderbook.StatusExitPendingNoPrice:
			summary.ExitsParked++
		}
	}
}

func (r *Runner) fillPending(ctx context.Context, day time.Time, summary *Summary) {
	positions, err := r.Book.PendingPositions(ctx)
	if err != nil {
		logger.Errorf("listing pending positions: %v", err)
		return
	}
	for _, p := range positions {
		if day.Before(p.Axis.EntryDate) {
			summary.StillPending++
			continue
		}
		price := r.lookupPrice(ctx, p.Symbol, day)
		_, err := r.Book.Open(ctx, p.ID, price, day)
		switch {
		case err == nil:
			summary.Opened++
		case errors.Is(err, orderbook.ErrMissingPrice):
			summary.StillPending++
		default:
			logger.Errorf("opening position %s: %v", p.ID, err)
		}
	}
}

func (r *Runner) scoreEvents(ctx context.Context, runDir *artifact.RunDir, manifest *freeze.Manifest, day time.Time, summary *Summary) error {
	events, err := r.Events.EventsForDay(ctx, day)
	if err != nil {
		return fmt.Errorf("runner: fetching events: %w", err)
	}
	summary.Events = len(events)
	if len(events) == 0 {
		return nil
	}

	tpl, ok := r.Templates.Template(manifest.PromptID, manifest.PromptVersion)
	if !ok {
		return fmt.Errorf("runner: frozen prompt %s@%s not in registry", manifest.PromptID, manifest.PromptVersion)
	}
	thresholds := manifest.Thresholds()
	model := manifest.ModelIDs[freeze.StageScore]

	samples := r.Samples
	if samples < 1 {
		samples = 1
	}

	type scored struct {
		event       Event
		decision    gate.Decision
		parse       llmjson.Result
		parseFailed bool
		err         error
	}
	results := make([]scored, len(events))

	g, gctx := errgroup.WithContext(ctx)
	limit := r.Parallelism
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, event := range events {
		g.Go(func() error {
			decisions := make([]gate.Decision, 0, samples)
			var out signal.ScoreOutput
			var parse llmjson.Result
			parseFailed := false
			for s := 0; s < samples; s++ {
				callID := event.ID
				if s > 0 {
					callID = fmt.Sprintf("%s_s%d", event.ID, s+1)
				}
				req := provider.Request{
					EventID:       callID,
					Model:         model,
					PromptID:      manifest.PromptID,
					PromptVersion: manifest.PromptVersion,
					PromptHash:    manifest.PromptHash,
					SystemPrompt:  tpl.System,
					UserPrompt: tpl.Render(map[string]string{
						"symbol":     event.Symbol,
						"event_date": event.Date.Format(time.DateOnly),
						"transcript": event.Transcript,
					}),
					Temperature: r.Temperature,
					JSONMode:    true,
				}
				_ = runDir.WriteLLMRequest(callID, req)

				resp, err := r.Client.Complete(gctx, req)
				if err != nil {
					results[i] = scored{event: event, err: err}
					return nil
				}
				_ = runDir.WriteLLMResponse(callID, resp)

				sampleOut, sampleParse := llmjson.Parse(resp.RawText)
				if !sampleParse.Success {
					parseFailed = true
				}
				if s == 0 {
					out, parse = sampleOut, sampleParse
				}
				decisions = append(decisions, gate.Evaluate(sampleOut, thresholds))
			}

			// Disagreeing independent evaluations abstain, never vote.
			decision := gate.ResolveIndependent(decisions)
			_ = runDir.WriteSignal(event.ID, out, parse, decision)

			results[i] = scored{event: event, decision: decision, parse: parse, parseFailed: parseFailed}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Position creation is sequential through the single-writer book.
	for _, res := range results {
		if res.err != nil {
			summary.EventErrors = append(summary.EventErrors, fmt.Sprintf("%s: %v", res.event.ID, res.err))
			logger.Errorf("event %s scoring failed: %v", res.event.ID, res.err)
			continue
		}
		if res.parseFailed {
			summary.ParseFailures++
		}
		if !res.decision.FinalTrade {
			summary.NoTrades++
			continue
		}
		axis := calendar.BuildAxis(res.event.Date, manifest.MaxHoldingDays)
		p, err := r.Book.Create(ctx, res.event.ID, res.event.Symbol, res.event.Date, axis, res.decision,
			orderbook.RunMetadata{Model: model, PromptVersion: manifest.PromptVersion, RunID: summary.RunID},
			manifest.TargetPct, manifest.StopPct)
		if err != nil {
			summary.EventErrors = append(summary.EventErrors, fmt.Sprintf("%s: %v", res.event.ID, err))
			logger.Errorf("creating position for %s: %v", res.event.ID, err)
			continue
		}
		_ = runDir.WritePosition(p)
		summary.Trades++
	}
	return nil
}

func (r *Runner) submitPerformance(ctx context.Context, runID, manifestHash string) {
	if r.Perf == nil {
		return
	}
	exited, err := r.Book.ExitedPositions(ctx)
	if err != nil {
		logger.Errorf("listing exited positions: %v", err)
		return
	}
	sub := perf.BuildSubmission(runID, manifestHash, exited)
	if len(sub.Trades) == 0 {
		return
	}
	if _, err := r.Perf.Submit(ctx, sub); err != nil {
		logger.Errorf("performance submission failed: %v", err)
	}
}

func (r *Runner) lookupPrice(ctx context.Context, symbol string, day time.Time) *decimal.Decimal {
	price, ok, err := r.Prices.ClosePrice(ctx, symbol, day)
	if err != nil {
		logger.Warnf("price lookup %s/%s: %v", symbol, day.Format(time.DateOnly), err)
		return nil
	}
	if !ok {
		return nil
	}
	return &price
}
