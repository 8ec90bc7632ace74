// Package perf submits completed trades to the external performance service
// and relays its metrics verbatim. Nothing in this package computes or
// adjusts a metric: the report the service returns is the report callers
// see, raw payload included.
package perf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/orderbook"
)

// TradeRecord is the per-position payload the service expects.
type TradeRecord struct {
	PositionID string `json:"position_id"`
	EventID    string `json:"event_id"`
	Symbol     string `json:"symbol"`
	EntryDate  string `json:"entry_date"`
	ExitDate   string `json:"exit_date"`
	EntryPrice string `json:"entry_price"`
	ExitPrice  string `json:"exit_price"`
	ExitReason string `json:"exit_reason"`
	ReturnPct  string `json:"return_pct"`
}

// Submission is one performance evaluation request.
type Submission struct {
	ManifestHash string        `json:"manifest_hash"`
	RunID        string        `json:"run_id"`
	Trades       []TradeRecord `json:"trades"`
}

// Report carries the service's metrics untouched. Raw is the full response
// body for audit; the named fields are a convenience projection of it.
type Report struct {
	CAGR        float64         `json:"cagr"`
	Sharpe      float64         `json:"sharpe"`
	WinRate     float64         `json:"win_rate"`
	MaxDrawdown float64         `json:"max_drawdown"`
	TradeCount  int             `json:"trade_count"`
	Raw         json.RawMessage `json:"-"`
}

// Submitter sends completed trades out for metric computation.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (*Report, error)
}

// HTTPSubmitter posts submissions to {base}/v1/performance.
type HTTPSubmitter struct {
	BaseURL string
	APIKey  string
	httpc   *http.Client
}

var _ Submitter = (*HTTPSubmitter)(nil)

func NewHTTPSubmitter(baseURL, apiKey string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSubmitter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, sub Submission) (*Report, error) {
	if len(sub.Trades) == 0 {
		return nil, fmt.Errorf("perf: submission has no trades")
	}
	if sub.ManifestHash == "" {
		return nil, fmt.Errorf("perf: submission missing manifest hash")
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v1/performance", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("perf: status=%d", resp.StatusCode)
	}

	var buf bytes.Buffer
	report := &Report{}
	if err := json.NewDecoder(io.TeeReader(resp.Body, &buf)).Decode(report); err != nil {
		return nil, fmt.Errorf("perf: decoding report: %w", err)
	}
	report.Raw = json.RawMessage(append([]byte(nil), buf.Bytes()...))
	logger.Infof("performance report received: trades=%d sharpe=%.3f win_rate=%.3f", report.TradeCount, report.Sharpe, report.WinRate)
	return report, nil
}

// BuildSubmission converts exited positions into trade records. Positions
// that are not fully exited are skipped; they have no realized return yet.
// Dates are the actual fill and settle days, not the scheduled axis: a
// target hit on day 5, or an entry delayed by a missing close, must be
// reported with the days the money actually moved.
func BuildSubmission(runID, manifestHash string, positions []*orderbook.Position) Submission {
	sub := Submission{ManifestHash: manifestHash, RunID: runID}
	for _, p := range positions {
		ret, ok := p.ReturnPct()
		if !ok || p.OpenedAt == nil || p.ExitedAt == nil {
			continue
		}
		sub.Trades = append(sub.Trades, TradeRecord{
			PositionID: p.ID,
			EventID:    p.EventID,
			Symbol:     p.Symbol,
			EntryDate:  p.OpenedAt.Format(time.DateOnly),
			ExitDate:   p.ExitedAt.Format(time.DateOnly),
			EntryPrice: p.EntryPrice.String(),
			ExitPrice:  p.ExitPrice.String(),
			ExitReason: p.ExitReason,
			ReturnPct:  ret.StringFixed(6),
		})
	}
	return sub
}
