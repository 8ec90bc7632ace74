// Package goldenset scores a configuration against a hand-labeled set of
// historical events. The golden set is the regression bed for prompt and
// threshold changes: a candidate that cannot match known-good labels never
// reaches the consistency stage.
package goldenset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"papertrade/internal/logger"
)

// Entry is one labeled historical event.
type Entry struct {
	EventID       string          `json:"event_id"`
	Symbol        string          `json:"symbol"`
	EventDate     string          `json:"event_date"`
	Transcript    string          `json:"transcript"`
	ExpectedTrade bool            `json:"expected_trade"`
	ExpectedScore float64         `json:"expected_score"`
	ExpectedFlags map[string]bool `json:"expected_flags,omitempty"`
}

// Load reads a golden set file (JSON array of entries).
func Load(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("goldenset: reading %s: %w", path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("goldenset: parsing %s: %w", path, err)
	}
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if e.EventID == "" {
			return nil, fmt.Errorf("goldenset: entry %d has no event_id", i)
		}
		if seen[e.EventID] {
			return nil, fmt.Errorf("goldenset: duplicate event_id %s", e.EventID)
		}
		seen[e.EventID] = true
		if e.ExpectedScore < 0 || e.ExpectedScore > 1 {
			return nil, fmt.Errorf("goldenset: entry %s expected_score %v outside [0,1]", e.EventID, e.ExpectedScore)
		}
	}
	logger.Infof("golden set loaded: %d entries from %s", len(entries), path)
	return entries, nil
}

// Prediction is what the pipeline produced for one golden entry.
type Prediction struct {
	EventID    string          `json:"event_id"`
	Score      float64         `json:"score"`
	FinalTrade bool            `json:"final_trade"`
	Flags      map[string]bool `json:"flags,omitempty"`
}

// Metrics summarizes agreement between predictions and labels. Trade/no
// trade is scored as a binary classification with trade as the positive
// class.
type Metrics struct {
	Total        int     `json:"total"`
	Covered      int     `json:"covered"`
	TruePos      int     `json:"true_positives"`
	FalsePos     int     `json:"false_positives"`
	FalseNeg     int     `json:"false_negatives"`
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
	F1           float64 `json:"f1"`
	ScoreMAE     float64 `json:"score_mae"`
	FlagAccuracy float64 `json:"flag_accuracy"`
}

// Evaluate compares predictions against the labeled entries. Entries with
// no prediction count as misses on the classification metrics (a covered
// golden set is part of the bar), but are excluded from score MAE.
func Evaluate(entries []Entry, predictions map[string]Prediction) Metrics {
	m := Metrics{Total: len(entries)}
	var absErrSum float64
	var flagChecks, flagHits int

	for _, entry := range entries {
		pred, ok := predictions[entry.EventID]
		if !ok {
			if entry.ExpectedTrade {
				m.FalseNeg++
			}
			continue
		}
		m.Covered++
		absErrSum += math.Abs(pred.Score - entry.ExpectedScore)

		switch {
		case entry.ExpectedTrade && pred.FinalTrade:
			m.TruePos++
		case !entry.ExpectedTrade && pred.FinalTrade:
			m.FalsePos++
		case entry.ExpectedTrade && !pred.FinalTrade:
			m.FalseNeg++
		}

		for flag, want := range entry.ExpectedFlags {
			flagChecks++
			if pred.Flags[flag] == want {
				flagHits++
			}
		}
	}

	if m.TruePos+m.FalsePos > 0 {
		m.Precision = float64(m.TruePos) / float64(m.TruePos+m.FalsePos)
	}
	if m.TruePos+m.FalseNeg > 0 {
		m.Recall = float64(m.TruePos) / float64(m.TruePos+m.FalseNeg)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	if m.Covered > 0 {
		m.ScoreMAE = absErrSum / float64(m.Covered)
	}
	if flagChecks > 0 {
		m.FlagAccuracy = float64(flagHits) / float64(flagChecks)
	}
	return m
}
