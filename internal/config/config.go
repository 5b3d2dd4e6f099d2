// Package config loads the JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"dario.cat/mergo"

	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/consolidation"
	"github.com/nidhogg/nuka-mind/internal/embedding"
	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/persona"
	"github.com/nidhogg/nuka-mind/internal/procedural"
	"github.com/nidhogg/nuka-mind/internal/semantic"
	"github.com/nidhogg/nuka-mind/internal/store"
	"github.com/nidhogg/nuka-mind/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Persona   PersonaConfig    `json:"persona"`
	Database  DatabaseConfig   `json:"database"`
	Vector    VectorConfig     `json:"vector"`
	Embedding embedding.Config `json:"embedding"`
	Memory    MemoryConfig     `json:"memory"`
	Sleep     SleepConfig      `json:"sleep"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	CORSOrigins []string `json:"cors_origins"`
	Metrics     bool     `json:"metrics"`
}

// PersonaConfig names the persona initialized at startup. An empty ID
// skips startup initialization.
type PersonaConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type DatabaseConfig struct {
	Relational store.Config `json:"relational"`
	Neo4j      Neo4jConfig  `json:"neo4j"`
	Redis      RedisConfig  `json:"redis"`
}

// Neo4jConfig enables the knowledge-graph projection when URI is set.
type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// RedisConfig switches consolidation locking to Redis when URL is set.
type RedisConfig struct {
	URL     string   `json:"url"`
	LockTTL Duration `json:"lock_ttl"`
}

type VectorConfig struct {
	Backend   string                   `json:"backend"` // "sql" or "qdrant"
	Threshold float64                  `json:"threshold"`
	Qdrant    vectorstore.QdrantConfig `json:"qdrant"`
}

type MemoryConfig struct {
	Episodic      episodic.Config      `json:"episodic"`
	Semantic      semantic.Config      `json:"semantic"`
	Procedural    procedural.Config    `json:"procedural"`
	Consolidation consolidation.Config `json:"consolidation"`
	Consciousness consciousness.Config `json:"consciousness"`
	Persona       persona.Config       `json:"persona"`
}

type SleepConfig struct {
	MaintenanceInterval Duration `json:"maintenance_interval"`
	SchedulerInterval   Duration `json:"scheduler_interval"`
	Scheduler           bool     `json:"scheduler"`
}

// Duration is a time.Duration that reads "90m" style strings or
// nanosecond numbers.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration that runs fully offline on SQLite.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			LogLevel:    "info",
			CORSOrigins: []string{"*"},
			Metrics:     true,
		},
		Persona: PersonaConfig{ID: "default", Name: "Nuka"},
		Database: DatabaseConfig{
			Relational: store.Config{Driver: "sqlite", DSN: "file:nuka-mind.db?_foreign_keys=1"},
			Redis:      RedisConfig{LockTTL: Duration(10 * time.Minute)},
		},
		Vector: VectorConfig{
			Backend:   "sql",
			Threshold: vectorstore.DefaultThreshold,
			Qdrant:    vectorstore.QdrantConfig{Host: "localhost", Port: 6334, Collection: "nuka_memories"},
		},
		Embedding: embedding.DefaultConfig(),
		Memory: MemoryConfig{
			Episodic:      episodic.DefaultConfig(),
			Semantic:      semantic.DefaultConfig(),
			Procedural:    procedural.DefaultConfig(),
			Consolidation: consolidation.DefaultConfig(),
			Consciousness: consciousness.DefaultConfig(),
			Persona:       persona.DefaultConfig(),
		},
		Sleep: SleepConfig{
			MaintenanceInterval: Duration(12 * time.Hour),
			SchedulerInterval:   Duration(time.Hour),
			Scheduler:           true,
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and merges the result over Default. An empty path returns
// the defaults. Zero values in the file do not override defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	file, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := mergo.Merge(&cfg, *file, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Parse substitutes ${VAR} and ${VAR:default} with environment values and
// decodes data.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings main depends on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Relational.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.relational.driver %q must be sqlite or postgres", c.Database.Relational.Driver)
	}
	switch c.Vector.Backend {
	case "sql", "qdrant":
	default:
		return fmt.Errorf("vector.backend %q must be sql or qdrant", c.Vector.Backend)
	}
	if c.Vector.Threshold < 0 || c.Vector.Threshold > 1 {
		return fmt.Errorf("vector.threshold %v out of [0,1]", c.Vector.Threshold)
	}
	return nil
}
