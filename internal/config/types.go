package config

// Config is the full application configuration. Gate and trade parameters
// configured here are proposals only: live runs always check them against
// the active frozen manifest before acting.
type Config struct {
	App         AppConfig         `toml:"app"`
	Storage     StorageConfig     `toml:"storage"`
	Prompts     PromptsConfig     `toml:"prompts"`
	Model       ModelConfig       `toml:"model"`
	Gate        GateConfig        `toml:"gate"`
	Trade       TradeConfig       `toml:"trade"`
	PriceFeed   PriceFeedConfig   `toml:"pricefeed"`
	Events      EventsConfig      `toml:"events"`
	Performance PerformanceConfig `toml:"performance"`
	Run         RunConfig         `toml:"run"`
	Consistency ConsistencyConfig `toml:"consistency"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	LLMLog   string `toml:"llm_log_path"`
	LLMDump  bool   `toml:"llm_dump_payload"`
}

type StorageConfig struct {
	DBPath         string `toml:"db_path"`
	ArtifactDir    string `toml:"artifact_dir"`
	PriceCachePath string `toml:"price_cache_path"`
}

type PromptsConfig struct {
	Dir     string `toml:"dir"`
	ID      string `toml:"id"`
	Version string `toml:"version"`
}

type ModelConfig struct {
	APIURL         string  `toml:"api_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	MaxRetries     int     `toml:"max_retries"`
}

type GateConfig struct {
	ScoreThreshold   float64  `toml:"score_threshold"`
	EvidenceMinCount int      `toml:"evidence_min_count"`
	BlockOnFlags     []string `toml:"block_on_flags"`
}

type TradeConfig struct {
	TargetPct      string `toml:"target_pct"`
	StopPct        string `toml:"stop_pct"`
	MaxHoldingDays int    `toml:"max_holding_days"`
}

type PriceFeedConfig struct {
	APIURL         string `toml:"api_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type EventsConfig struct {
	FeedURL        string `toml:"feed_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type PerformanceConfig struct {
	Enabled        bool   `toml:"enabled"`
	APIURL         string `toml:"api_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type RunConfig struct {
	OffsetHours    int  `toml:"offset_hours"`
	RunImmediately bool `toml:"run_immediately"`
	Parallelism    int  `toml:"parallelism"`
	Samples        int  `toml:"samples"`
}

type ConsistencyConfig struct {
	K             int     `toml:"k"`
	MaxScoreStdev float64 `toml:"max_score_stdev"`
	MaxFlipRate   float64 `toml:"max_flip_rate"`
	GoldenSetPath string  `toml:"golden_set_path"`
}
