package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/artifact"
	"papertrade/internal/config"
	"papertrade/internal/consistency"
	"papertrade/internal/freeze"
	"papertrade/internal/gate"
	"papertrade/internal/goldenset"
	"papertrade/internal/llmjson"
	"papertrade/internal/perf"
	"papertrade/internal/prompt"
	"papertrade/internal/provider"
)

// runtimeManifest projects live configuration into a manifest for drift
// checks. The prompt hash is left empty; validation recomputes it from the
// registry so an edited template file never slips through.
func runtimeManifest(cfg *config.Config) func() *freeze.Manifest {
	return func() *freeze.Manifest {
		target, _ := decimal.NewFromString(cfg.Trade.TargetPct)
		stop, _ := decimal.NewFromString(cfg.Trade.StopPct)
		return &freeze.Manifest{
			ModelIDs:         map[string]string{freeze.StageScore: cfg.Model.Model},
			PromptID:         cfg.Prompts.ID,
			PromptVersion:    cfg.Prompts.Version,
			ScoreThreshold:   cfg.Gate.ScoreThreshold,
			EvidenceMinCount: cfg.Gate.EvidenceMinCount,
			BlockOnFlags:     cfg.Gate.BlockOnFlags,
			TargetPct:        target,
			StopPct:          stop,
			MaxHoldingDays:   cfg.Trade.MaxHoldingDays,
		}
	}
}

func buildLedger(dir string) (*artifact.Ledger, error) {
	ledger, err := artifact.NewLedger(dir)
	if err != nil {
		return nil, fmt.Errorf("opening artifact ledger at %s: %w", dir, err)
	}
	return ledger, nil
}

func buildPerfSubmitter(cfg config.PerformanceConfig) perf.Submitter {
	return perf.NewHTTPSubmitter(cfg.APIURL, cfg.APIKey, time.Duration(cfg.TimeoutSeconds)*time.Second)
}

// buildConsistencyRun wires the K-run protocol over the golden set. It
// scores each golden item K times against the live configuration and
// reports flip rates and score spread; a promotable report is the
// precondition for freezing a new manifest.
func buildConsistencyRun(cfg *config.Config, registry *prompt.Registry, client provider.Client) func(ctx context.Context) (*consistency.Report, error) {
	runtime := runtimeManifest(cfg)
	return func(ctx context.Context) (*consistency.Report, error) {
		entries, err := goldenset.Load(cfg.Consistency.GoldenSetPath)
		if err != nil {
			return nil, fmt.Errorf("loading golden set: %w", err)
		}
		checker, err := consistency.NewChecker(cfg.Consistency.K, cfg.Consistency.MaxScoreStdev, cfg.Consistency.MaxFlipRate)
		if err != nil {
			return nil, err
		}
		checker.Parallelism = cfg.Run.Parallelism

		manifest := runtime()
		tpl, ok := registry.Template(manifest.PromptID, manifest.PromptVersion)
		if !ok {
			return nil, fmt.Errorf("prompt %s@%s not in registry", manifest.PromptID, manifest.PromptVersion)
		}
		thresholds := manifest.Thresholds()
		model := manifest.ModelIDs[freeze.StageScore]

		byID := make(map[string]goldenset.Entry, len(entries))
		itemIDs := make([]string, 0, len(entries))
		for _, e := range entries {
			byID[e.EventID] = e
			itemIDs = append(itemIDs, e.EventID)
		}

		eval := func(ctx context.Context, itemID string) (consistency.Outcome, error) {
			entry := byID[itemID]
			resp, err := client.Complete(ctx, provider.Request{
				EventID:       itemID,
				Model:         model,
				PromptID:      manifest.PromptID,
				PromptVersion: manifest.PromptVersion,
				SystemPrompt:  tpl.System,
				UserPrompt: tpl.Render(map[string]string{
					"symbol":     entry.Symbol,
					"event_date": entry.EventDate,
					"transcript": entry.Transcript,
				}),
				Temperature: cfg.Model.Temperature,
				JSONMode:    true,
			})
			if err != nil {
				return consistency.Outcome{}, err
			}
			out, _ := llmjson.Parse(resp.RawText)
			decision := gate.Evaluate(out, thresholds)
			return consistency.Outcome{Score: out.Score, FinalTrade: decision.FinalTrade}, nil
		}

		return checker.Run(ctx, itemIDs, eval)
	}
}
