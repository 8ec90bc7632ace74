package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func validate(c *Config) error {
	if err := c.Model.validate(); err != nil {
		return err
	}
	if err := c.Gate.validate(); err != nil {
		return err
	}
	if err := c.Trade.validate(); err != nil {
		return err
	}
	if err := c.Consistency.validate(); err != nil {
		return err
	}
	return nil
}

func (m *ModelConfig) validate() error {
	if strings.TrimSpace(m.Model) == "" {
		return fmt.Errorf("model.model is required")
	}
	if m.Temperature < 0 || m.Temperature > 2 {
		return fmt.Errorf("model.temperature %v outside [0,2]", m.Temperature)
	}
	return nil
}

func (g *GateConfig) validate() error {
	if g.ScoreThreshold < 0 || g.ScoreThreshold > 1 {
		return fmt.Errorf("gate.score_threshold %v outside [0,1]", g.ScoreThreshold)
	}
	if g.EvidenceMinCount < 1 {
		return fmt.Errorf("gate.evidence_min_count must be >= 1")
	}
	return nil
}

func (t *TradeConfig) validate() error {
	for key, raw := range map[string]string{
		"trade.target_pct": t.TargetPct,
		"trade.stop_pct":   t.StopPct,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s is not a decimal: %w", key, err)
		}
		if d.LessThanOrEqual(decimal.Zero) || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be in (0,1), got %s", key, raw)
		}
	}
	if t.MaxHoldingDays < 1 {
		return fmt.Errorf("trade.max_holding_days must be >= 1")
	}
	return nil
}

func (c *ConsistencyConfig) validate() error {
	if c.K < 5 {
		return fmt.Errorf("consistency.k must be >= 5")
	}
	if c.MaxFlipRate < 0 || c.MaxFlipRate > 1 {
		return fmt.Errorf("consistency.max_flip_rate %v outside [0,1]", c.MaxFlipRate)
	}
	return nil
}
