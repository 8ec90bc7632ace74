// Package freeze pins the full decision configuration of a live run behind
// a content-addressed manifest. Once frozen a manifest is immutable; any
// runtime parameter that disagrees with it is configuration drift and the
// run must not proceed.
package freeze

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/gate"
)

// Stage names for the model assignment map.
const (
	StageScore = "score"
)

// Manifest captures every parameter that can change a trade decision. The
// hash covers the content fields only; bookkeeping fields (frozen state,
// supersession chain, timestamps) are excluded so they can evolve without
// changing identity.
type Manifest struct {
	ManifestHash string `json:"manifest_hash"`

	ModelIDs      map[string]string `json:"model_ids"`
	PromptID      string            `json:"prompt_id"`
	PromptVersion string            `json:"prompt_version"`
	PromptHash    string            `json:"prompt_hash"`

	ScoreThreshold   float64  `json:"score_threshold"`
	EvidenceMinCount int      `json:"evidence_min_count"`
	BlockOnFlags     []string `json:"block_on_flags"`

	TargetPct      decimal.Decimal `json:"target_pct"`
	StopPct        decimal.Decimal `json:"stop_pct"`
	MaxHoldingDays int             `json:"max_holding_days"`

	Frozen       bool      `json:"frozen"`
	FrozenAt     time.Time `json:"frozen_at,omitempty"`
	SupersededBy string    `json:"superseded_by,omitempty"`
}

// Thresholds projects the manifest into the gate's parameter struct.
func (m *Manifest) Thresholds() gate.Thresholds {
	return gate.Thresholds{
		ScoreThreshold:   m.ScoreThreshold,
		EvidenceMinCount: m.EvidenceMinCount,
		BlockOnFlags:     append([]string(nil), m.BlockOnFlags...),
	}
}

// ComputeHash hashes the content fields as canonical JSON. Map keys are
// sorted by the encoder, so two manifests with the same content always hash
// the same regardless of construction order.
func (m *Manifest) ComputeHash() (string, error) {
	flags := append([]string(nil), m.BlockOnFlags...)
	if flags == nil {
		flags = []string{}
	}
	content := map[string]any{
		"model_ids":          m.ModelIDs,
		"prompt_id":          m.PromptID,
		"prompt_version":     m.PromptVersion,
		"prompt_hash":        m.PromptHash,
		"score_threshold":    m.ScoreThreshold,
		"evidence_min_count": m.EvidenceMinCount,
		"block_on_flags":     flags,
		"target_pct":         m.TargetPct.String(),
		"stop_pct":           m.StopPct.String(),
		"max_holding_days":   m.MaxHoldingDays,
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (m *Manifest) validateContent() error {
	if len(m.ModelIDs) == 0 {
		return fmt.Errorf("freeze: manifest has no model assignments")
	}
	for stage, id := range m.ModelIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("freeze: empty model id for stage %q", stage)
		}
	}
	if m.PromptID == "" || m.PromptVersion == "" {
		return fmt.Errorf("freeze: manifest missing prompt identity")
	}
	if m.ScoreThreshold < 0 || m.ScoreThreshold > 1 {
		return fmt.Errorf("freeze: score threshold %v outside [0,1]", m.ScoreThreshold)
	}
	if m.EvidenceMinCount < 1 {
		return fmt.Errorf("freeze: evidence min count %d must be >= 1", m.EvidenceMinCount)
	}
	if m.MaxHoldingDays < 1 {
		return fmt.Errorf("freeze: max holding days %d must be >= 1", m.MaxHoldingDays)
	}
	return nil
}
