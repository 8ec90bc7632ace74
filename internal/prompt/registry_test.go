package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTemplate = `## Metadata
id: batch_score
version: v1.0.0
description: transcript scoring prompt

## System Prompt
You are a disciplined analyst. Return only JSON.

## User Prompt Template
Score the earnings call for {symbol} on {event_date}.

Transcript:
{transcript}
`

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestRegistry(t *testing.T, files map[string]string) *Registry {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeTemplate(t, dir, name, content)
	}
	r, err := NewRegistry(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistry_LoadsTemplate(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"batch_score_v1.0.0.md": sampleTemplate})

	tpl, ok := r.Template("batch_score", "v1.0.0")
	require.True(t, ok)
	assert.Equal(t, "batch_score", tpl.ID)
	assert.Equal(t, "v1.0.0", tpl.Version)
	assert.Contains(t, tpl.System, "disciplined analyst")
	assert.Len(t, tpl.Hash, 64)
}

func TestRegistry_Render(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"batch_score_v1.0.0.md": sampleTemplate})

	tpl, ok := r.Template("batch_score", "v1.0.0")
	require.True(t, ok)

	rendered := tpl.Render(map[string]string{
		"symbol":     "ACME",
		"event_date": "2026-08-28",
		"transcript": "revenue grew 32%",
	})
	assert.Contains(t, rendered, "ACME on 2026-08-28")
	assert.Contains(t, rendered, "revenue grew 32%")
	assert.NotContains(t, rendered, "{symbol}")
}

func TestRegistry_RenderLeavesUnknownPlaceholders(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"batch_score_v1.0.0.md": sampleTemplate})
	tpl, _ := r.Template("batch_score", "v1.0.0")

	rendered := tpl.Render(map[string]string{"symbol": "ACME"})
	assert.Contains(t, rendered, "{transcript}")
}

func TestRegistry_HashChangesWithText(t *testing.T) {
	r1 := newTestRegistry(t, map[string]string{"a.md": sampleTemplate})
	h1, err := r1.PromptHash("batch_score", "v1.0.0")
	require.NoError(t, err)

	edited := sampleTemplate + "\nAlways cite the speaker."
	r2 := newTestRegistry(t, map[string]string{"a.md": edited})
	h2, err := r2.PromptHash("batch_score", "v1.0.0")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestRegistry_UnknownTemplateHash(t *testing.T) {
	r := newTestRegistry(t, map[string]string{"a.md": sampleTemplate})
	_, err := r.PromptHash("batch_score", "v9.9.9")
	assert.Error(t, err)
}

func TestRegistry_SkipsMalformedFiles(t *testing.T) {
	r := newTestRegistry(t, map[string]string{
		"good.md": sampleTemplate,
		"bad.md":  "no sections at all",
	})
	snap := r.Snapshot()
	assert.Len(t, snap.Templates, 1)
}

func TestRegistry_MissingSectionsRejected(t *testing.T) {
	noUser := `## Metadata
id: x
version: v1

## System Prompt
hello
`
	r := newTestRegistry(t, map[string]string{"x.md": noUser})
	_, ok := r.Template("x", "v1")
	assert.False(t, ok)
}
