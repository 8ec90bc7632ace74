// Package artifact writes the on-disk audit trail of a run. Every decision
// must be reconstructable offline from the run directory alone: the frozen
// manifest, the exact model request and response per event, the parsed
// signal with its recovery strategy, and the resulting positions.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"papertrade/internal/freeze"
	"papertrade/internal/gate"
	"papertrade/internal/llmjson"
	"papertrade/internal/logger"
	"papertrade/internal/orderbook"
	"papertrade/internal/provider"
	"papertrade/internal/signal"
)

const (
	manifestFile  = "manifest.json"
	summaryFile   = "summary.json"
	invalidMarker = "INVALID"
	llmDir        = "llm"
	signalDir     = "signals"
	positionDir   = "positions"
)

// Ledger manages run directories under one root.
type Ledger struct {
	root string
}

func NewLedger(root string) (*Ledger, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact: ledger root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Ledger{root: root}, nil
}

// RunDir is the artifact directory of one run.
type RunDir struct {
	runID string
	path  string
}

// BeginRun creates the run directory and pins the frozen manifest into it.
func (l *Ledger) BeginRun(runID string, manifest *freeze.Manifest) (*RunDir, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("artifact: run id is empty")
	}
	path := filepath.Join(l.root, runID)
	for _, sub := range []string{llmDir, signalDir, positionDir} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return nil, err
		}
	}
	rd := &RunDir{runID: runID, path: path}
	if err := rd.writeJSON(manifestFile, manifest); err != nil {
		return nil, err
	}
	logger.Infof("artifact run %s started at %s", runID, path)
	return rd, nil
}

// OpenRun returns the directory of an existing run.
func (l *Ledger) OpenRun(runID string) (*RunDir, error) {
	path := filepath.Join(l.root, runID)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: run %s: %w", runID, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact: run %s is not a directory", runID)
	}
	return &RunDir{runID: runID, path: path}, nil
}

func (r *RunDir) Path() string { return r.path }

// WriteLLMRequest records the exact request sent for one event. The API key
// never appears here; the request struct carries no credentials.
func (r *RunDir) WriteLLMRequest(eventID string, req provider.Request) error {
	return r.writeJSON(filepath.Join(llmDir, safeName(eventID)+"_request.json"), req)
}

// WriteLLMResponse records the raw model output for one event.
func (r *RunDir) WriteLLMResponse(eventID string, resp *provider.Response) error {
	return r.writeJSON(filepath.Join(llmDir, safeName(eventID)+"_response.json"), resp)
}

// SignalArtifact pairs the parsed output with how it was recovered and what
// the gate decided.
type SignalArtifact struct {
	EventID       string             `json:"event_id"`
	Output        signal.ScoreOutput `json:"output"`
	ParseStrategy string             `json:"parse_strategy"`
	ParseSuccess  bool               `json:"parse_success"`
	ParseDetail   string             `json:"parse_detail,omitempty"`
	Decision      gate.Decision      `json:"decision"`
	RecordedAt    time.Time          `json:"recorded_at"`
}

func (r *RunDir) WriteSignal(eventID string, out signal.ScoreOutput, parse llmjson.Result, decision gate.Decision) error {
	return r.writeJSON(filepath.Join(signalDir, safeName(eventID)+".json"), SignalArtifact{
		EventID:       eventID,
		Output:        out,
		ParseStrategy: parse.Strategy,
		ParseSuccess:  parse.Success,
		ParseDetail:   parse.Detail,
		Decision:      decision,
		RecordedAt:    time.Now().UTC(),
	})
}

func (r *RunDir) WritePosition(p *orderbook.Position) error {
	return r.writeJSON(filepath.Join(positionDir, safeName(p.ID)+".json"), p)
}

func (r *RunDir) WriteSummary(summary any) error {
	return r.writeJSON(summaryFile, summary)
}

// MarkInvalid drops the invalidation marker. Artifacts are never deleted;
// the marker tells every later reader not to trust the run's outputs.
func (r *RunDir) MarkInvalid(reason string) error {
	payload := fmt.Sprintf("%s\n%s\n", time.Now().UTC().Format(time.RFC3339), reason)
	return os.WriteFile(filepath.Join(r.path, invalidMarker), []byte(payload), 0o644)
}

// Invalid reports whether the run carries the invalidation marker, with the
// recorded reason.
func (r *RunDir) Invalid() (bool, string) {
	raw, err := os.ReadFile(filepath.Join(r.path, invalidMarker))
	if err != nil {
		return false, ""
	}
	lines := strings.SplitN(strings.TrimSpace(string(raw)), "\n", 2)
	reason := ""
	if len(lines) == 2 {
		reason = lines[1]
	}
	return true, reason
}

// Validate checks the structural integrity of a run directory: the manifest
// must be present and parseable, and every recorded signal must have its
// request/response pair.
func (l *Ledger) Validate(runID string) error {
	rd, err := l.OpenRun(runID)
	if err != nil {
		return err
	}
	var manifest freeze.Manifest
	raw, err := os.ReadFile(filepath.Join(rd.path, manifestFile))
	if err != nil {
		return fmt.Errorf("artifact: run %s has no manifest: %w", runID, err)
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("artifact: run %s manifest unreadable: %w", runID, err)
	}

	signals, err := os.ReadDir(filepath.Join(rd.path, signalDir))
	if err != nil {
		return err
	}
	for _, entry := range signals {
		eventID := strings.TrimSuffix(entry.Name(), ".json")
		for _, suffix := range []string{"_request.json", "_response.json"} {
			if _, err := os.Stat(filepath.Join(rd.path, llmDir, eventID+suffix)); err != nil {
				return fmt.Errorf("artifact: run %s signal %s missing %s", runID, eventID, suffix)
			}
		}
	}
	return nil
}

func (r *RunDir) writeJSON(rel string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.path, rel), append(raw, '\n'), 0o644)
}

// safeName keeps event ids usable as file names.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
