package config

import "strings"

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultAppLogPath        = "/data/logs/papertrade.log"
	defaultAppLLMLogPath     = "/data/logs/papertrade-llm.log"
	defaultDBPath            = "/data/db/papertrade.db"
	defaultArtifactDir       = "/data/artifacts"
	defaultPriceCachePath    = "/data/db/price_cache.db"
	defaultPromptsDir        = "prompts"
	defaultPromptID          = "batch_score"
	defaultPromptVersion     = "v1.0.0"
	defaultModelAPIURL       = "https://api.openai.com/v1"
	defaultModelTimeout      = 90
	defaultModelRetries      = 2
	defaultScoreThreshold    = 0.70
	defaultEvidenceMinCount  = 2
	defaultTargetPct         = "0.15"
	defaultStopPct           = "0.08"
	defaultMaxHoldingDays    = 30
	defaultFeedTimeout       = 15
	defaultPerfTimeout       = 30
	defaultRunOffsetHours    = 2
	defaultRunParallelism    = 4
	defaultRunSamples        = 1
	defaultConsistencyK      = 5
	defaultMaxScoreStdev     = 0.05
	defaultMaxFlipRate       = 0.10
	defaultGoldenSetPath     = "configs/golden_set.json"
	defaultBlockOnFlagsEntry = "margin_concern"
)

type keySet map[string]struct{}

func (s keySet) mark(key string) {
	if s == nil {
		return
	}
	s[strings.ToLower(key)] = struct{}{}
}

func (s keySet) isSet(key string) bool {
	if s == nil {
		return false
	}
	_, ok := s[strings.ToLower(key)]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Prompts.applyDefaults(keys)
	c.Model.applyDefaults(keys)
	c.Gate.applyDefaults(keys)
	c.Trade.applyDefaults(keys)
	c.PriceFeed.applyDefaults(keys)
	c.Events.applyDefaults(keys)
	c.Performance.applyDefaults(keys)
	c.Run.applyDefaults(keys)
	c.Consistency.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.llm_log_path", &a.LLMLog, defaultAppLLMLogPath),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.db_path", &s.DBPath, defaultDBPath),
		stringFieldDefault("storage.artifact_dir", &s.ArtifactDir, defaultArtifactDir),
		stringFieldDefault("storage.price_cache_path", &s.PriceCachePath, defaultPriceCachePath),
	)
}

func (p *PromptsConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("prompts.dir", &p.Dir, defaultPromptsDir),
		stringFieldDefault("prompts.id", &p.ID, defaultPromptID),
		stringFieldDefault("prompts.version", &p.Version, defaultPromptVersion),
	)
}

func (m *ModelConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("model.api_url", &m.APIURL, defaultModelAPIURL),
		fieldDefault{
			key:   "model.timeout_seconds",
			need:  func() bool { return m.TimeoutSeconds <= 0 },
			apply: func() { m.TimeoutSeconds = defaultModelTimeout },
		},
		fieldDefault{
			key:   "model.max_retries",
			need:  func() bool { return m.MaxRetries <= 0 },
			apply: func() { m.MaxRetries = defaultModelRetries },
		},
	)
}

func (g *GateConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "gate.score_threshold",
			need:  func() bool { return g.ScoreThreshold <= 0 },
			apply: func() { g.ScoreThreshold = defaultScoreThreshold },
		},
		fieldDefault{
			key:   "gate.evidence_min_count",
			need:  func() bool { return g.EvidenceMinCount <= 0 },
			apply: func() { g.EvidenceMinCount = defaultEvidenceMinCount },
		},
		fieldDefault{
			key:   "gate.block_on_flags",
			need:  func() bool { return len(g.BlockOnFlags) == 0 },
			apply: func() { g.BlockOnFlags = []string{defaultBlockOnFlagsEntry} },
		},
	)
}

func (t *TradeConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trade.target_pct", &t.TargetPct, defaultTargetPct),
		stringFieldDefault("trade.stop_pct", &t.StopPct, defaultStopPct),
		fieldDefault{
			key:   "trade.max_holding_days",
			need:  func() bool { return t.MaxHoldingDays <= 0 },
			apply: func() { t.MaxHoldingDays = defaultMaxHoldingDays },
		},
	)
}

func (p *PriceFeedConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "pricefeed.timeout_seconds",
			need:  func() bool { return p.TimeoutSeconds <= 0 },
			apply: func() { p.TimeoutSeconds = defaultFeedTimeout },
		},
	)
}

func (e *EventsConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "events.timeout_seconds",
			need:  func() bool { return e.TimeoutSeconds <= 0 },
			apply: func() { e.TimeoutSeconds = defaultFeedTimeout },
		},
	)
}

func (p *PerformanceConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "performance.timeout_seconds",
			need:  func() bool { return p.TimeoutSeconds <= 0 },
			apply: func() { p.TimeoutSeconds = defaultPerfTimeout },
		},
	)
}

func (r *RunConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "run.offset_hours",
			need:  func() bool { return r.OffsetHours <= 0 },
			apply: func() { r.OffsetHours = defaultRunOffsetHours },
		},
		fieldDefault{
			key:   "run.parallelism",
			need:  func() bool { return r.Parallelism <= 0 },
			apply: func() { r.Parallelism = defaultRunParallelism },
		},
		fieldDefault{
			key:   "run.samples",
			need:  func() bool { return r.Samples <= 0 },
			apply: func() { r.Samples = defaultRunSamples },
		},
	)
}

func (c *ConsistencyConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "consistency.k",
			need:  func() bool { return c.K <= 0 },
			apply: func() { c.K = defaultConsistencyK },
		},
		fieldDefault{
			key:   "consistency.max_score_stdev",
			need:  func() bool { return c.MaxScoreStdev <= 0 },
			apply: func() { c.MaxScoreStdev = defaultMaxScoreStdev },
		},
		fieldDefault{
			key:   "consistency.max_flip_rate",
			need:  func() bool { return c.MaxFlipRate <= 0 },
			apply: func() { c.MaxFlipRate = defaultMaxFlipRate },
		},
		stringFieldDefault("consistency.golden_set_path", &c.GoldenSetPath, defaultGoldenSetPath),
	)
}
