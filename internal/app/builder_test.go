package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/config"
	"papertrade/internal/freeze"
)

func TestRuntimeManifestProjection(t *testing.T) {
	cfg := &config.Config{
		Prompts: config.PromptsConfig{ID: "batch_score", Version: "v1.0.0"},
		Model:   config.ModelConfig{Model: "gpt-5"},
		Gate: config.GateConfig{
			ScoreThreshold:   0.75,
			EvidenceMinCount: 3,
			BlockOnFlags:     []string{"margin_concern"},
		},
		Trade: config.TradeConfig{TargetPct: "0.15", StopPct: "0.08", MaxHoldingDays: 20},
	}

	m := runtimeManifest(cfg)()
	require.NotNil(t, m)
	assert.Equal(t, "gpt-5", m.ModelIDs[freeze.StageScore])
	assert.Equal(t, "batch_score", m.PromptID)
	assert.Equal(t, "v1.0.0", m.PromptVersion)
	assert.Equal(t, 0.75, m.ScoreThreshold)
	assert.Equal(t, 3, m.EvidenceMinCount)
	assert.Equal(t, "0.15", m.TargetPct.String())
	assert.Equal(t, "0.08", m.StopPct.String())
	assert.Equal(t, 20, m.MaxHoldingDays)
}

func TestRuntimeManifestTracksConfigEdits(t *testing.T) {
	cfg := &config.Config{
		Prompts: config.PromptsConfig{ID: "batch_score", Version: "v1.0.0"},
		Model:   config.ModelConfig{Model: "gpt-5"},
		Gate:    config.GateConfig{ScoreThreshold: 0.70},
		Trade:   config.TradeConfig{TargetPct: "0.15", StopPct: "0.08", MaxHoldingDays: 30},
	}
	runtime := runtimeManifest(cfg)

	before := runtime()
	cfg.Gate.ScoreThreshold = 0.90
	after := runtime()

	// Rebuilt on every call so a live config edit shows up as drift.
	assert.Equal(t, 0.70, before.ScoreThreshold)
	assert.Equal(t, 0.90, after.ScoreThreshold)
}
