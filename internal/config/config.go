package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/niczy/gitreview/internal/models"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the intake service configuration, read from a TOML file.
type Config struct {
	Server       ServerConfig               `toml:"server"`
	Log          LogConfig                  `toml:"log"`
	Redis        RedisConfig                `toml:"redis"`
	ObjectStore  ObjectStoreConfig          `toml:"objectstore"`
	SMTP         SMTPConfig                 `toml:"smtp"`
	Replication  ReplicationConfig          `toml:"replication"`
	Identity     IdentityConfig             `toml:"identity"`
	Repositories RepositoriesConfig         `toml:"repositories"`
	Categories   []models.ApprovalCategory  `toml:"categories"`
	Projects     map[string]*models.Project `toml:"projects"`
	Accounts     []models.Account           `toml:"accounts"`
}

type ServerConfig struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
	BaseURL       string `toml:"base_url"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// RedisConfig selects the Redis review database. An empty Addr keeps the
// database in process memory.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// ObjectStoreConfig selects the durable change archive behind Redis.
type ObjectStoreConfig struct {
	Kind      string `toml:"kind"` // memory or s3
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// SMTPConfig enables mail notifications when Host is set.
type SMTPConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	From      string `toml:"from"`
	QueueSize int    `toml:"queue_size"`
}

type ReplicationConfig struct {
	Workers   int      `toml:"workers"`
	QueueSize int      `toml:"queue_size"`
	Remotes   []string `toml:"remotes"`
}

// IdentityConfig is the server's own git identity, used to recognize merge
// commits the server created.
type IdentityConfig struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

type RepositoriesConfig struct {
	Root          string `toml:"root"`
	DefaultBranch string `toml:"default_branch"`
}

// Default returns the configuration used for unset keys.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":29419",
			MetricsListen: ":9464",
		},
		Log:         LogConfig{Level: "info"},
		Redis:       RedisConfig{KeyPrefix: "gitreview"},
		ObjectStore: ObjectStoreConfig{Kind: "memory"},
		SMTP:        SMTPConfig{Port: 25, QueueSize: 256},
		Replication: ReplicationConfig{Workers: 4, QueueSize: 1024},
		Identity:    IdentityConfig{Name: "Code Review", Email: "review@localhost"},
		Repositories: RepositoriesConfig{
			DefaultBranch: "master",
		},
		Categories: []models.ApprovalCategory{
			{ID: "CRVW", Name: "Code Review", MinValue: -2, MaxValue: 2, CopyMinScore: true},
			{ID: "VRIF", Name: "Verified", MinValue: -1, MaxValue: 1},
		},
		Projects: map[string]*models.Project{},
	}
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML text on top of the defaults and validates the result.
func Parse(data string) (*Config, error) {
	cfg := Default()
	categories := cfg.Categories
	cfg.Categories = nil
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = categories
	}
	if cfg.Projects == nil {
		cfg.Projects = map[string]*models.Project{}
	}
	for name, p := range cfg.Projects {
		if p == nil {
			p = &models.Project{}
			cfg.Projects[name] = p
		}
		p.Name = name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistency found.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen is empty", ErrInvalidConfig)
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("%w: at least one approval category is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, cat := range c.Categories {
		if cat.ID == "" {
			return fmt.Errorf("%w: approval category without id", ErrInvalidConfig)
		}
		if seen[cat.ID] {
			return fmt.Errorf("%w: duplicate approval category %s", ErrInvalidConfig, cat.ID)
		}
		seen[cat.ID] = true
		if cat.MinValue > cat.MaxValue {
			return fmt.Errorf("%w: category %s has min_value above max_value", ErrInvalidConfig, cat.ID)
		}
	}
	switch c.ObjectStore.Kind {
	case "memory":
	case "s3":
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("%w: objectstore.bucket is required for s3", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown objectstore.kind %q", ErrInvalidConfig, c.ObjectStore.Kind)
	}
	if c.Replication.Workers < 1 {
		return fmt.Errorf("%w: replication.workers must be positive", ErrInvalidConfig)
	}
	if c.Replication.QueueSize < 1 {
		return fmt.Errorf("%w: replication.queue_size must be positive", ErrInvalidConfig)
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("%w: smtp.from is required when smtp.host is set", ErrInvalidConfig)
	}
	if c.Identity.Email == "" {
		return fmt.Errorf("%w: identity.email is empty", ErrInvalidConfig)
	}
	for name, p := range c.Projects {
		for capability := range p.Grants {
			if !models.KnownCapability(capability) {
				return fmt.Errorf("%w: project %s grants unknown capability %q", ErrInvalidConfig, name, capability)
			}
		}
	}
	return nil
}
