// Package config loads and validates the dbporter YAML configuration:
// server/worker settings, named storage backends and connection
// profiles. Profile credentials stay opaque here; they are decrypted
// only at use by the secrets boundary.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for dbporter.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Worker   WorkerConfig             `yaml:"worker"`
	Log      LogConfig                `yaml:"log"`
	Storage  map[string]StorageConfig `yaml:"storage"`
	Profiles []Profile                `yaml:"profiles"`
}

// ServerConfig holds the job-submission API settings.
type ServerConfig struct {
	Listen string `yaml:"listen"` // host:port for the JSON API
}

// WorkerConfig holds task dispatch settings.
type WorkerConfig struct {
	DataDir         string `yaml:"data_dir"`         // task store location
	Workers         int    `yaml:"workers"`          // worker goroutines per process
	BatchSize       int    `yaml:"batch_size"`       // rows per export/import batch
	PipelineBuffers int    `yaml:"pipeline_buffers"` // batches buffered between producer and consumer
	MaxRetries      int    `yaml:"max_retries"`      // automatic retries for transient failures
	RetentionDays   int    `yaml:"retention_days"`   // terminal tasks older than this are prunable
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // console or json
}

// StorageConfig describes one named storage backend.
type StorageConfig struct {
	Type      string `yaml:"type"` // LOCAL, S3 or FTP
	Root      string `yaml:"root"` // base dir (LOCAL) or path prefix (FTP)
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"` // S3 endpoint, e.g. MinIO
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Host      string `yaml:"host"` // FTP
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Passive   bool   `yaml:"passive_mode"`
}

// Profile is a stored connection profile. Credentials holds the
// encrypted secret blob; the plaintext never appears in config.
type Profile struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Engine      string `yaml:"engine"` // postgres, mysql, sqlite, mongodb, elasticsearch
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Credentials string `yaml:"credentials"`
	AuthSource  string `yaml:"auth_source,omitempty"` // MongoDB authSource
}

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes configuration back to a YAML file with restrictive
// permissions (profiles carry credential blobs).
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8380"
	}
	if c.Worker.DataDir == "" {
		c.Worker.DataDir = "~/.dbporter"
	}
	c.Worker.DataDir = expandTilde(c.Worker.DataDir)
	if c.Worker.Workers <= 0 {
		c.Worker.Workers = 2
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 2000
	}
	if c.Worker.PipelineBuffers <= 0 {
		c.Worker.PipelineBuffers = 4
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Worker.RetentionDays <= 0 {
		c.Worker.RetentionDays = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "console"
	}
	for name, sc := range c.Storage {
		sc.Type = strings.ToUpper(sc.Type)
		if sc.Type == "" {
			sc.Type = "LOCAL"
		}
		if sc.Type == "FTP" && sc.Port == 0 {
			sc.Port = 21
		}
		sc.Root = expandTilde(sc.Root)
		c.Storage[name] = sc
	}
}

// Validate checks the configuration for errors that would otherwise
// only surface mid-job.
func (c *Config) Validate() error {
	for name, sc := range c.Storage {
		switch sc.Type {
		case "LOCAL":
			if sc.Root == "" {
				return fmt.Errorf("storage %q: local backend requires root", name)
			}
		case "S3":
			if sc.Bucket == "" {
				return fmt.Errorf("storage %q: s3 backend requires bucket", name)
			}
		case "FTP":
			if sc.Host == "" {
				return fmt.Errorf("storage %q: ftp backend requires host", name)
			}
		default:
			return fmt.Errorf("storage %q: unknown type %q (valid: LOCAL, S3, FTP)", name, sc.Type)
		}
	}

	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile %d: missing id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate profile id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Engine == "" {
			return fmt.Errorf("profile %q: missing engine", p.ID)
		}
	}
	return nil
}

// ProfileByID returns the stored profile with the given id.
func (c *Config) ProfileByID(id string) (*Profile, bool) {
	for i := range c.Profiles {
		if c.Profiles[i].ID == id {
			return &c.Profiles[i], true
		}
	}
	return nil, false
}
