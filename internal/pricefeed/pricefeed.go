// Package pricefeed supplies daily close prices. Absence of a close is a
// normal condition (holiday, stale feed, delisted symbol) and is reported
// as ok=false, never as an error; errors are reserved for transport and
// decoding failures.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/logger"
)

// Source yields the official close for symbol on a trading day.
type Source interface {
	ClosePrice(ctx context.Context, symbol string, day time.Time) (decimal.Decimal, bool, error)
}

// HTTPSource queries a JSON endpoint:
//
//	GET {base}/close?symbol=ACME&date=2026-08-31
//	200 {"symbol":"ACME","date":"2026-08-31","close":"101.25"}
//	404 when no close exists for that day.
type HTTPSource struct {
	BaseURL string
	APIKey  string
	httpc   *http.Client
}

var _ Source = (*HTTPSource)(nil)

func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) ClosePrice(ctx context.Context, symbol string, day time.Time) (decimal.Decimal, bool, error) {
	endpoint := fmt.Sprintf("%s/close?symbol=%s&date=%s",
		s.BaseURL, url.QueryEscape(strings.ToUpper(symbol)), day.Format(time.DateOnly))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, false, err
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return decimal.Zero, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		logger.Debugf("pricefeed: no close for %s on %s", symbol, day.Format(time.DateOnly))
		return decimal.Zero, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, false, fmt.Errorf("pricefeed: status=%d for %s", resp.StatusCode, symbol)
	}

	var payload struct {
		Close *string `json:"close"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, false, fmt.Errorf("pricefeed: decoding close for %s: %w", symbol, err)
	}
	if payload.Close == nil || strings.TrimSpace(*payload.Close) == "" {
		return decimal.Zero, false, nil
	}
	price, err := decimal.NewFromString(*payload.Close)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("pricefeed: bad close %q for %s: %w", *payload.Close, symbol, err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false, fmt.Errorf("pricefeed: non-positive close %s for %s", price, symbol)
	}
	return price, true, nil
}
