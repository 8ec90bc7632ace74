package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"papertrade/internal/logger"
)

// HTTPEventSource pulls the day's earnings call transcripts from the event
// feed:
//
//	GET {base}/events?date=2026-08-28
//	200 [{"id":"...","symbol":"ACME","date":"2026-08-28","transcript":"..."}]
type HTTPEventSource struct {
	BaseURL string
	APIKey  string
	httpc   *http.Client
}

var _ EventSource = (*HTTPEventSource)(nil)

func NewHTTPEventSource(baseURL, apiKey string, timeout time.Duration) *HTTPEventSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPEventSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPEventSource) EventsForDay(ctx context.Context, day time.Time) ([]Event, error) {
	endpoint := fmt.Sprintf("%s/events?date=%s", s.BaseURL, day.Format(time.DateOnly))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("event feed: status=%d", resp.StatusCode)
	}

	var raw []struct {
		ID         string `json:"id"`
		Symbol     string `json:"symbol"`
		Date       string `json:"date"`
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("event feed: decoding: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for _, e := range raw {
		if e.ID == "" || e.Symbol == "" || strings.TrimSpace(e.Transcript) == "" {
			logger.Warnf("event feed: skipping incomplete event id=%q symbol=%q", e.ID, e.Symbol)
			continue
		}
		date, err := time.Parse(time.DateOnly, e.Date)
		if err != nil {
			logger.Warnf("event feed: skipping event %s with bad date %q", e.ID, e.Date)
			continue
		}
		events = append(events, Event{ID: e.ID, Symbol: strings.ToUpper(e.Symbol), Date: date, Transcript: e.Transcript})
	}
	logger.Infof("event feed returned %d events for %s", len(events), day.Format(time.DateOnly))
	return events, nil
}
