// Package config assembles Sibyl's process configuration from
// built-in defaults, an optional YAML file, and environment variable
// overrides. A .env file (github.com/joho/godotenv) is loaded into the
// process environment first (without replacing variables already set),
// so its values override the YAML file like any other environment
// variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the single process-wide configuration object.
type Config struct {
	Env string `yaml:"env"`

	Mongo struct {
		URI string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`

	Embedding struct {
		Dimension int `yaml:"dimension"`
		BatchSize int `yaml:"batch_size"`
	} `yaml:"embedding"`

	Graph struct {
		WriteSemaphoreWidth int `yaml:"write_semaphore_width"`
		QueryTimeout time.Duration `yaml:"query_timeout"`
		VectorTimeout time.Duration `yaml:"vector_timeout"`
	} `yaml:"graph"`

	Lock struct {
		TTL time.Duration `yaml:"ttl"`
		WaitTimeout time.Duration `yaml:"wait_timeout"`
	} `yaml:"lock"`

	Cache struct {
		SearchSize int `yaml:"search_size"`
		SearchTTL time.Duration `yaml:"search_ttl"`
		EntitySize int `yaml:"entity_size"`
		EntityTTL time.Duration `yaml:"entity_ttl"`
		CommunitySize int `yaml:"community_size"`
		CommunityTTL time.Duration `yaml:"community_ttl"`
	} `yaml:"cache"`

	Retrieval struct {
		RRFK int `yaml:"rrf_k"`
		DecayDays float64 `yaml:"decay_days"`
		TraversalDepth int `yaml:"traversal_depth"`
		DocMinSimilarity float64 `yaml:"doc_min_similarity"`
	} `yaml:"retrieval"`

	Agent struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		StaleHeartbeatThreshold time.Duration `yaml:"stale_heartbeat_threshold"`
		LLMTimeout time.Duration `yaml:"llm_timeout"`
	} `yaml:"agent"`

	Worktree struct {
		RepoDir string `yaml:"repo_dir"`
		BaseDir string `yaml:"base_dir"`
	} `yaml:"worktree"`

	JWT struct {
		Secret string `yaml:"-"`
	} `yaml:"-"`
}

// Default returns a Config populated with the platform's documented
// defaults (lock TTL 30s, acquire wait 10s, graph query 10s, etc.).
func Default() *Config {
	c := &Config{Env: "development"}
	c.Mongo.Database = "sibyl"
	c.Embedding.Dimension = 1536
	c.Embedding.BatchSize = 50
	c.Graph.WriteSemaphoreWidth = 20
	c.Graph.QueryTimeout = 10 * time.Second
	c.Graph.VectorTimeout = 15 * time.Second
	c.Lock.TTL = 30 * time.Second
	c.Lock.WaitTimeout = 10 * time.Second
	c.Cache.SearchSize, c.Cache.SearchTTL = 500, 5*time.Minute
	c.Cache.EntitySize, c.Cache.EntityTTL = 2000, 10*time.Minute
	c.Cache.CommunitySize, c.Cache.CommunityTTL = 100, 30*time.Minute
	c.Retrieval.RRFK = 60
	c.Retrieval.DecayDays = 365
	c.Retrieval.TraversalDepth = 2
	c.Retrieval.DocMinSimilarity = 0.5
	c.Agent.HeartbeatInterval = 30 * time.Second
	c.Agent.HealthCheckInterval = 60 * time.Second
	c.Agent.StaleHeartbeatThreshold = 120 * time.Second
	c.Agent.LLMTimeout = 120 * time.Second
	c.Worktree.BaseDir = "/var/lib/sibyl/worktrees"
	c.Worktree.RepoDir = "."
	return c
}

// Load reads optional.env and yaml config files, then applies
// environment variable overrides, returning the merged Config.
func Load(envFile, yamlFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	cfg := Default()

	if yamlFile != "" {
		data, err := os.ReadFile(yamlFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIBYL_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
	if v := os.Getenv("EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("WORKTREE_BASE_DIR"); v != "" {
		cfg.Worktree.BaseDir = v
	}
	if v := os.Getenv("WORKTREE_REPO_DIR"); v != "" {
		cfg.Worktree.RepoDir = v
	}
}
