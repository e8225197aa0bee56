// Package config provides configuration management for Engram.
// It loads settings from environment variables with the ENGRAM_ prefix and
// provides sensible defaults for all options. When ENGRAM_CONFIG points at a
// YAML file, values from the file are applied first and environment variables
// override them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Engram memory engine.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Decay         DecayConfig         `yaml:"decay"`
	LongTerm      LongTermConfig      `yaml:"long_term"`
	Graph         GraphConfig         `yaml:"graph"`
	Working       WorkingConfig       `yaml:"working"`
	Meta          MetaConfig          `yaml:"meta"`
	Context       ContextConfig       `yaml:"context"`
	Services      ServicesConfig      `yaml:"services"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Server        ServerConfig        `yaml:"server"`
	Backup        BackupConfig        `yaml:"backup"`
}

// StorageConfig selects and parameterizes the record store backends.
type StorageConfig struct {
	// Engine is the relational/vector backend: sqlite or postgres (default: sqlite).
	Engine string `yaml:"engine"`
	// DataPath is the directory holding the SQLite database (default: ./data).
	DataPath string `yaml:"data_path"`
	// PostgresDSN is the connection string used when Engine is postgres.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DecayConfig parameterizes the decay scoring function.
type DecayConfig struct {
	BaseRate           float64 `yaml:"base_rate"`            // per-hour base decay rate (default: 0.01)
	KAccess            float64 `yaml:"k_access"`             // access-count stability coefficient (default: 0.5)
	KRelation          float64 `yaml:"k_relation"`           // graph-connection resistance coefficient (default: 0.1)
	KChannel           float64 `yaml:"k_channel"`            // channel-diversity boost coefficient (default: 0.3)
	RecencyWindowHours int     `yaml:"recency_window_hours"` // age beyond which the recency boost applies (default: 72)
	RecencyBoost       float64 `yaml:"recency_boost"`        // multiplier for old-but-recently-touched records (default: 1.2)
	MinRetention       float64 `yaml:"min_retention"`        // floor fraction of importance (default: 0.05)
	BatchThreshold     int     `yaml:"batch_threshold"`      // input size above which the batched path is used (default: 64)
}

// LongTermConfig parameterizes the long-term memory tier.
type LongTermConfig struct {
	DupThreshold    float64 `yaml:"dup_threshold"`    // cosine similarity treated as duplicate (default: 0.90)
	DeleteThreshold float64 `yaml:"delete_threshold"` // decayed score below which a record is dead (default: 0.05)
	PreserveReps    int     `yaml:"preserve_reps"`    // repetition count that exempts a record from deletion (default: 3)
	PromoteAuto     float64 `yaml:"promote_auto"`     // importance promoting a summary outright (default: 0.60)
	PromoteLow      float64 `yaml:"promote_low"`      // importance floor for repeated summaries (default: 0.30)
	QueryMargin     int     `yaml:"query_margin"`     // extra neighbors fetched before rescoring (default: 10)
	HotBonus        float64 `yaml:"hot_bonus"`        // additive bonus for meta-flagged records (default: 0.05)
	StalenessHours  int     `yaml:"staleness_hours"`  // age after which accessed records are reassessed (default: 720)
	ReassessAccess  int     `yaml:"reassess_access"`  // access count qualifying a stale record for reassessment (default: 5)
	ReassessBatch   int     `yaml:"reassess_batch"`   // max reassessment calls per sweep (default: 20)
	ReassessWorkers int     `yaml:"reassess_workers"` // concurrent reassessment calls (default: 4)
	SessionTTLDays  int     `yaml:"session_ttl_days"` // archived session expiry, 0 disables the sweep (default: 365)
}

// GraphConfig parameterizes the knowledge graph tier.
type GraphConfig struct {
	MaxDepth       int `yaml:"max_depth"`       // default traversal depth (default: 2)
	MaxEntities    int `yaml:"max_entities"`    // total entity cap per traversal (default: 50)
	MaxPerHop      int `yaml:"max_per_hop"`     // entities admitted per hop (default: 20)
	MaxRelations   int `yaml:"max_relations"`   // total relations returned (default: 100)
	AccelThreshold int `yaml:"accel_threshold"` // entity count above which the bulk path is used (default: 100)
}

// WorkingConfig parameterizes the working-memory ring buffer.
type WorkingConfig struct {
	MaxTurns         int `yaml:"max_turns"`          // buffer capacity is 2*MaxTurns entries (default: 10)
	RecentVerbatim   int `yaml:"recent_verbatim"`    // most recent turns kept verbatim (default: 6)
	CondensedPerTurn int `yaml:"condensed_per_turn"` // char budget for each older turn (default: 120)
}

// MetaConfig parameterizes the access tracker.
type MetaConfig struct {
	MaxEvents        int `yaml:"max_events"`        // bounded access log size (default: 2048)
	HotSize          int `yaml:"hot_size"`          // size of the hot set (default: 20)
	RecomputeSeconds int `yaml:"recompute_seconds"` // snapshot recompute interval (default: 60)
}

// ContextConfig parameterizes the context orchestrator.
type ContextConfig struct {
	BranchTimeoutMs int `yaml:"branch_timeout_ms"` // per-branch timeout (default: 1500)
	GlobalTimeoutMs int `yaml:"global_timeout_ms"` // whole-assembly deadline (default: 4000)
	DefaultWorking  int `yaml:"default_working"`   // default section budgets, chars
	DefaultSession  int `yaml:"default_session"`
	DefaultLongTerm int `yaml:"default_long_term"`
	DefaultGraph    int `yaml:"default_graph"`
	DefaultMeta     int `yaml:"default_meta"`
	DefaultTemporal int `yaml:"default_temporal"`
	DefaultTokens   int `yaml:"default_tokens"` // token budget for long-term selection
}

// ServicesConfig parameterizes the external embedding/summarization clients.
type ServicesConfig struct {
	BaseURL        string  `yaml:"base_url"`         // service base URL (default: http://localhost:11434)
	EmbedModel     string  `yaml:"embed_model"`      // embedding model name (default: nomic-embed-text)
	EmbedDim       int     `yaml:"embed_dim"`        // embedding dimension (default: 768)
	CompleteModel  string  `yaml:"complete_model"`   // summarization model name (default: qwen2.5:7b)
	TimeoutMs      int     `yaml:"timeout_ms"`       // per-request timeout (default: 5000)
	EmbedRate      float64 `yaml:"embed_rate"`       // embedding calls per second (default: 10)
	EmbedBurst     int     `yaml:"embed_burst"`      // rate limiter burst (default: 5)
	MaxRetries     int     `yaml:"max_retries"`      // bounded backoff attempts on the write path (default: 4)
	EmbedCacheSize int     `yaml:"embed_cache_size"` // content-hash embedding cache entries (default: 4096)
}

// ConsolidationConfig parameterizes the periodic sweep.
type ConsolidationConfig struct {
	// Schedule is a cron expression for the consolidation sweep
	// (default: "17 3 * * *", once nightly).
	Schedule string `yaml:"schedule"`
}

// ServerConfig parameterizes the HTTP API.
type ServerConfig struct {
	Host    string  `yaml:"host"`     // listen host (default: 127.0.0.1)
	Port    int     `yaml:"port"`     // listen port (default: 7491)
	Rate    float64 `yaml:"rate"`     // requests per second per server (default: 10)
	Burst   int     `yaml:"burst"`    // rate limiter burst (default: 20)
	APIKey  string  `yaml:"api_key"`  // bearer token; empty disables auth
	Enabled bool    `yaml:"enabled"`  // serve the HTTP API (default: true)
}

// BackupConfig parameterizes SQLite snapshot backups.
type BackupConfig struct {
	Dir      string `yaml:"dir"`      // snapshot directory; empty disables backups
	Schedule string `yaml:"schedule"` // cron expression (default: "41 4 * * *")
	Daily    int    `yaml:"daily"`    // snapshots kept from the last week (default: 7)
	Weekly   int    `yaml:"weekly"`   // snapshots kept from the last month (default: 4)
	Monthly  int    `yaml:"monthly"`  // snapshots kept from the last year (default: 6)
}

// Load builds a Config from defaults, the optional YAML file named by
// ENGRAM_CONFIG, and ENGRAM_-prefixed environment variables, in that order of
// increasing precedence.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("ENGRAM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that would otherwise surface as
// subtle scoring bugs.
func (c *Config) Validate() error {
	if c.LongTerm.DupThreshold <= 0 || c.LongTerm.DupThreshold > 1 {
		return fmt.Errorf("config: dup_threshold must be in (0,1], got %v", c.LongTerm.DupThreshold)
	}
	if c.LongTerm.DeleteThreshold < 0 || c.LongTerm.DeleteThreshold >= 1 {
		return fmt.Errorf("config: delete_threshold must be in [0,1), got %v", c.LongTerm.DeleteThreshold)
	}
	if c.LongTerm.PromoteLow > c.LongTerm.PromoteAuto {
		return fmt.Errorf("config: promote_low (%v) must not exceed promote_auto (%v)",
			c.LongTerm.PromoteLow, c.LongTerm.PromoteAuto)
	}
	if c.Decay.MinRetention < 0 || c.Decay.MinRetention > 1 {
		return fmt.Errorf("config: min_retention must be in [0,1], got %v", c.Decay.MinRetention)
	}
	if c.Working.MaxTurns < 1 {
		return fmt.Errorf("config: working max_turns must be >= 1, got %d", c.Working.MaxTurns)
	}
	return nil
}

// BranchTimeout returns the per-branch fan-out timeout as a duration.
func (c *Config) BranchTimeout() time.Duration {
	return time.Duration(c.Context.BranchTimeoutMs) * time.Millisecond
}

// GlobalTimeout returns the whole-assembly deadline as a duration.
func (c *Config) GlobalTimeout() time.Duration {
	return time.Duration(c.Context.GlobalTimeoutMs) * time.Millisecond
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Decay: DecayConfig{
			BaseRate:           0.01,
			KAccess:            0.5,
			KRelation:          0.1,
			KChannel:           0.3,
			RecencyWindowHours: 72,
			RecencyBoost:       1.2,
			MinRetention:       0.05,
			BatchThreshold:     64,
		},
		LongTerm: LongTermConfig{
			DupThreshold:    0.90,
			DeleteThreshold: 0.05,
			PreserveReps:    3,
			PromoteAuto:     0.60,
			PromoteLow:      0.30,
			QueryMargin:     10,
			HotBonus:        0.05,
			StalenessHours:  720,
			ReassessAccess:  5,
			ReassessBatch:   20,
			ReassessWorkers: 4,
			SessionTTLDays:  365,
		},
		Graph: GraphConfig{
			MaxDepth:       2,
			MaxEntities:    50,
			MaxPerHop:      20,
			MaxRelations:   100,
			AccelThreshold: 100,
		},
		Working: WorkingConfig{
			MaxTurns:         10,
			RecentVerbatim:   6,
			CondensedPerTurn: 120,
		},
		Meta: MetaConfig{
			MaxEvents:        2048,
			HotSize:          20,
			RecomputeSeconds: 60,
		},
		Context: ContextConfig{
			BranchTimeoutMs: 1500,
			GlobalTimeoutMs: 4000,
			DefaultWorking:  2000,
			DefaultSession:  1500,
			DefaultLongTerm: 2500,
			DefaultGraph:    1000,
			DefaultMeta:     500,
			DefaultTemporal: 1500,
			DefaultTokens:   800,
		},
		Services: ServicesConfig{
			BaseURL:        "http://localhost:11434",
			EmbedModel:     "nomic-embed-text",
			EmbedDim:       768,
			CompleteModel:  "qwen2.5:7b",
			TimeoutMs:      5000,
			EmbedRate:      10,
			EmbedBurst:     5,
			MaxRetries:     4,
			EmbedCacheSize: 4096,
		},
		Consolidation: ConsolidationConfig{
			Schedule: "17 3 * * *",
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    7491,
			Rate:    10,
			Burst:   20,
			Enabled: true,
		},
		Backup: BackupConfig{
			Schedule: "41 4 * * *",
			Daily:    7,
			Weekly:   4,
			Monthly:  6,
		},
	}
}

// applyEnv overrides cfg fields from ENGRAM_-prefixed environment variables.
// Only the operationally interesting knobs are exposed through the
// environment; the long tail of scoring coefficients is YAML-only.
func applyEnv(cfg *Config) {
	cfg.Storage.Engine = getEnv("ENGRAM_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("ENGRAM_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("ENGRAM_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Services.BaseURL = getEnv("ENGRAM_SERVICE_URL", cfg.Services.BaseURL)
	cfg.Services.EmbedModel = getEnv("ENGRAM_EMBED_MODEL", cfg.Services.EmbedModel)
	cfg.Services.CompleteModel = getEnv("ENGRAM_COMPLETE_MODEL", cfg.Services.CompleteModel)
	cfg.Services.TimeoutMs = getEnvInt("ENGRAM_SERVICE_TIMEOUT_MS", cfg.Services.TimeoutMs)

	cfg.LongTerm.DupThreshold = getEnvFloat("ENGRAM_DUP_THRESHOLD", cfg.LongTerm.DupThreshold)
	cfg.Working.MaxTurns = getEnvInt("ENGRAM_WORKING_MAX_TURNS", cfg.Working.MaxTurns)
	cfg.Context.BranchTimeoutMs = getEnvInt("ENGRAM_BRANCH_TIMEOUT_MS", cfg.Context.BranchTimeoutMs)
	cfg.Context.GlobalTimeoutMs = getEnvInt("ENGRAM_GLOBAL_TIMEOUT_MS", cfg.Context.GlobalTimeoutMs)
	cfg.Consolidation.Schedule = getEnv("ENGRAM_CONSOLIDATE_SCHEDULE", cfg.Consolidation.Schedule)

	cfg.Server.Host = getEnv("ENGRAM_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("ENGRAM_PORT", cfg.Server.Port)
	cfg.Server.APIKey = getEnv("ENGRAM_API_KEY", cfg.Server.APIKey)
	cfg.Backup.Dir = getEnv("ENGRAM_BACKUP_DIR", cfg.Backup.Dir)
	cfg.Backup.Schedule = getEnv("ENGRAM_BACKUP_SCHEDULE", cfg.Backup.Schedule)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
