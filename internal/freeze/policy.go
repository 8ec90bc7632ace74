package freeze

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"papertrade/internal/logger"
)

// ErrAlreadyFrozen is returned when Freeze is called while an active frozen
// manifest exists. Changing parameters requires an explicit Supersede.
var ErrAlreadyFrozen = errors.New("freeze: an active frozen manifest already exists")

// ErrNoActiveManifest is returned when runtime validation runs before any
// manifest has been frozen.
var ErrNoActiveManifest = errors.New("freeze: no active frozen manifest")

// Store persists manifests. ActiveManifest returns the frozen manifest with
// no superseding successor, or ErrNoActiveManifest.
type Store interface {
	SaveManifest(ctx context.Context, m *Manifest) error
	GetManifest(ctx context.Context, hash string) (*Manifest, error)
	ActiveManifest(ctx context.Context) (*Manifest, error)
}

// PromptResolver recomputes prompt hashes from the actual registered
// template text. The policy never trusts a hash handed in by a caller.
type PromptResolver interface {
	PromptHash(id, version string) (string, error)
}

// Policy is the freeze/validate/supersede state machine over one Store.
type Policy struct {
	store   Store
	prompts PromptResolver
}

func NewPolicy(store Store, prompts PromptResolver) *Policy {
	return &Policy{store: store, prompts: prompts}
}

// Freeze resolves the prompt hash, stamps the manifest hash and persists the
// manifest as the active frozen configuration. Fails if an active frozen
// manifest already exists.
func (p *Policy) Freeze(ctx context.Context, m *Manifest) (*Manifest, error) {
	if _, err := p.store.ActiveManifest(ctx); err == nil {
		return nil, ErrAlreadyFrozen
	} else if !errors.Is(err, ErrNoActiveManifest) {
		return nil, err
	}
	return p.freeze(ctx, m)
}

// Supersede freezes next and links the currently active manifest to it.
// This is the only sanctioned way to change frozen parameters: the old
// manifest stays on record with its supersession chain intact.
func (p *Policy) Supersede(ctx context.Context, next *Manifest) (*Manifest, error) {
	current, err := p.store.ActiveManifest(ctx)
	if err != nil {
		return nil, err
	}
	frozen, err := p.freeze(ctx, next)
	if err != nil {
		return nil, err
	}
	current.SupersededBy = frozen.ManifestHash
	if err := p.store.SaveManifest(ctx, current); err != nil {
		return nil, err
	}
	logger.Infof("manifest %s superseded by %s", short(current.ManifestHash), short(frozen.ManifestHash))
	return frozen, nil
}

func (p *Policy) freeze(ctx context.Context, m *Manifest) (*Manifest, error) {
	if err := m.validateContent(); err != nil {
		return nil, err
	}
	hash, err := p.prompts.PromptHash(m.PromptID, m.PromptVersion)
	if err != nil {
		return nil, fmt.Errorf("freeze: resolving prompt %s@%s: %w", m.PromptID, m.PromptVersion, err)
	}
	m.PromptHash = hash

	manifestHash, err := m.ComputeHash()
	if err != nil {
		return nil, err
	}
	m.ManifestHash = manifestHash
	m.Frozen = true
	m.FrozenAt = time.Now().UTC()
	m.SupersededBy = ""
	if err := p.store.SaveManifest(ctx, m); err != nil {
		return nil, err
	}
	logger.Infof("manifest frozen hash=%s prompt=%s@%s threshold=%.2f", short(m.ManifestHash), m.PromptID, m.PromptVersion, m.ScoreThreshold)
	return m, nil
}

// Active returns the currently active frozen manifest.
func (p *Policy) Active(ctx context.Context) (*Manifest, error) {
	return p.store.ActiveManifest(ctx)
}

// Mismatch is one field where runtime disagrees with the frozen manifest.
type Mismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// DriftError reports configuration drift. It is fatal: the caller must mark
// the run invalid and halt instead of trading on drifted parameters.
type DriftError struct {
	ManifestHash string     `json:"manifest_hash"`
	Mismatches   []Mismatch `json:"mismatches"`
}

func (e *DriftError) Error() string {
	parts := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		parts = append(parts, fmt.Sprintf("%s: expected %q got %q", m.Field, m.Expected, m.Actual))
	}
	return fmt.Sprintf("configuration drift against manifest %s: %s", short(e.ManifestHash), strings.Join(parts, "; "))
}

// ValidateRuntime compares the live runtime parameters against the active
// frozen manifest, field by field and by recomputed content hash. The
// prompt hash is recomputed from the registry at call time, so an edited
// template file is caught even when its version label did not change.
func (p *Policy) ValidateRuntime(ctx context.Context, runtime *Manifest) error {
	active, err := p.store.ActiveManifest(ctx)
	if err != nil {
		return err
	}

	var mismatches []Mismatch
	add := func(field, expected, actual string) {
		if expected != actual {
			mismatches = append(mismatches, Mismatch{Field: field, Expected: expected, Actual: actual})
		}
	}

	add("prompt_id", active.PromptID, runtime.PromptID)
	add("prompt_version", active.PromptVersion, runtime.PromptVersion)

	liveHash, err := p.prompts.PromptHash(runtime.PromptID, runtime.PromptVersion)
	if err != nil {
		return fmt.Errorf("freeze: resolving live prompt %s@%s: %w", runtime.PromptID, runtime.PromptVersion, err)
	}
	add("prompt_hash", active.PromptHash, liveHash)

	for _, stage := range sortedStages(active.ModelIDs, runtime.ModelIDs) {
		add("model_ids."+stage, active.ModelIDs[stage], runtime.ModelIDs[stage])
	}

	add("score_threshold", fmt.Sprintf("%g", active.ScoreThreshold), fmt.Sprintf("%g", runtime.ScoreThreshold))
	add("evidence_min_count", fmt.Sprintf("%d", active.EvidenceMinCount), fmt.Sprintf("%d", runtime.EvidenceMinCount))
	add("block_on_flags", strings.Join(active.BlockOnFlags, ","), strings.Join(runtime.BlockOnFlags, ","))
	add("target_pct", active.TargetPct.String(), runtime.TargetPct.String())
	add("stop_pct", active.StopPct.String(), runtime.StopPct.String())
	add("max_holding_days", fmt.Sprintf("%d", active.MaxHoldingDays), fmt.Sprintf("%d", runtime.MaxHoldingDays))

	// Recompute the full content hash over the runtime parameters as well, so
	// any content field missed by the per-field list still surfaces.
	canonical := *runtime
	canonical.PromptHash = liveHash
	runtimeHash, err := canonical.ComputeHash()
	if err != nil {
		return fmt.Errorf("freeze: hashing runtime parameters: %w", err)
	}
	add("manifest_hash", active.ManifestHash, runtimeHash)

	if len(mismatches) > 0 {
		return &DriftError{ManifestHash: active.ManifestHash, Mismatches: mismatches}
	}
	return nil
}

func sortedStages(a, b map[string]string) []string {
	seen := map[string]bool{}
	for stage := range a {
		seen[stage] = true
	}
	for stage := range b {
		seen[stage] = true
	}
	stages := make([]string, 0, len(seen))
	for stage := range seen {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	return stages
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
