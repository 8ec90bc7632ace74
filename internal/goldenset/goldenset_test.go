package goldenset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGoldenFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "golden.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeGoldenFile(t, `[
		{"event_id":"ev-1","symbol":"ACME","event_date":"2026-05-01","transcript":"...","expected_trade":true,"expected_score":0.8},
		{"event_id":"ev-2","symbol":"BETA","event_date":"2026-05-02","transcript":"...","expected_trade":false,"expected_score":0.3,
		 "expected_flags":{"margin_concern":true}}
	]`)

	entries, err := Load(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].ExpectedTrade)
	assert.True(t, entries[1].ExpectedFlags["margin_concern"])
}

func TestLoad_RejectsDuplicatesAndBadScores(t *testing.T) {
	_, err := Load(writeGoldenFile(t, `[
		{"event_id":"ev-1","expected_score":0.5},
		{"event_id":"ev-1","expected_score":0.5}
	]`))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Load(writeGoldenFile(t, `[{"event_id":"ev-1","expected_score":1.5}]`))
	assert.ErrorContains(t, err, "outside [0,1]")

	_, err = Load(writeGoldenFile(t, `[{"expected_score":0.5}]`))
	assert.ErrorContains(t, err, "no event_id")
}

func TestEvaluate(t *testing.T) {
	entries := []Entry{
		{EventID: "tp", ExpectedTrade: true, ExpectedScore: 0.80},
		{EventID: "fp", ExpectedTrade: false, ExpectedScore: 0.40},
		{EventID: "fn", ExpectedTrade: true, ExpectedScore: 0.75},
		{EventID: "tn", ExpectedTrade: false, ExpectedScore: 0.20, ExpectedFlags: map[string]bool{"margin_concern": true}},
	}
	predictions := map[string]Prediction{
		"tp": {EventID: "tp", Score: 0.85, FinalTrade: true},
		"fp": {EventID: "fp", Score: 0.72, FinalTrade: true},
		"fn": {EventID: "fn", Score: 0.60, FinalTrade: false},
		"tn": {EventID: "tn", Score: 0.25, FinalTrade: false, Flags: map[string]bool{"margin_concern": true}},
	}

	m := Evaluate(entries, predictions)
	assert.Equal(t, 4, m.Covered)
	assert.Equal(t, 1, m.TruePos)
	assert.Equal(t, 1, m.FalsePos)
	assert.Equal(t, 1, m.FalseNeg)
	assert.Equal(t, 0.5, m.Precision)
	assert.Equal(t, 0.5, m.Recall)
	assert.Equal(t, 0.5, m.F1)
	// MAE over |0.05| + |0.32| + |0.15| + |0.05| = 0.57 / 4.
	assert.InDelta(t, 0.1425, m.ScoreMAE, 1e-9)
	assert.Equal(t, 1.0, m.FlagAccuracy)
}

func TestEvaluate_MissingPredictionCountsAsMiss(t *testing.T) {
	entries := []Entry{
		{EventID: "a", ExpectedTrade: true, ExpectedScore: 0.9},
		{EventID: "b", ExpectedTrade: false, ExpectedScore: 0.1},
	}
	m := Evaluate(entries, map[string]Prediction{})
	assert.Equal(t, 0, m.Covered)
	assert.Equal(t, 1, m.FalseNeg)
	assert.Equal(t, 0.0, m.Recall)
	assert.Equal(t, 0.0, m.ScoreMAE)
}
