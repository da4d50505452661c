// Package config loads bastion's run configuration.
//
// Values come from three layers, later layers winning: built-in defaults,
// an optional YAML file, and BASTION_* environment variables (optionally
// seeded from a .env file). Command-line flags are applied on top by the
// caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eleven-am/bastion/internal/batch"
	"github.com/eleven-am/bastion/internal/enforcer"
	"github.com/eleven-am/bastion/internal/project"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BASTION_"

// ProjectConfig names one project to enforce in batch mode.
type ProjectConfig struct {
	// ProjectID is the cloud project to enforce.
	ProjectID string `yaml:"project_id"`

	// PolicyFile is the JSON or YAML rule list for the project.
	PolicyFile string `yaml:"policy_file"`

	// Networks restricts enforcement to these networks. Empty means every
	// network in the project.
	Networks []string `yaml:"networks,omitempty"`
}

// Config is the full run configuration.
type Config struct {
	// DryRun simulates enforcement without mutating any project.
	DryRun bool `yaml:"dry_run"`

	// ConcurrentWorkers is the number of projects enforced in parallel.
	ConcurrentWorkers int `yaml:"concurrent_workers"`

	// MaxConcurrentWriters bounds projects in their write phase at once.
	// Zero means unbounded.
	MaxConcurrentWriters int `yaml:"max_concurrent_writers"`

	// AllowEmptyRuleSet permits a policy that deletes every rule.
	AllowEmptyRuleSet bool `yaml:"allow_empty_ruleset"`

	// RetryOnDryRun keeps the convergence loop running in dry-run mode.
	RetryOnDryRun bool `yaml:"retry_on_dry_run"`

	// MaxRetries is the number of reapplications after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	// OperationTimeout bounds a single rule change, e.g. "10m".
	OperationTimeout string `yaml:"operation_timeout"`

	// OperationRetries is how often a timed out rule change is reissued.
	OperationRetries int `yaml:"operation_retries"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// CredentialsFile is a Google credentials JSON file. Application
	// default credentials are used when empty.
	CredentialsFile string `yaml:"credentials_file"`

	// Endpoint overrides the Compute API base URL.
	Endpoint string `yaml:"endpoint"`

	// DatabaseDSN enables result storage. Postgres DSNs and sqlite file
	// paths are accepted.
	DatabaseDSN string `yaml:"database_dsn"`

	// MetricsTextfile is where run metrics are written in Prometheus text
	// format for the node exporter textfile collector.
	MetricsTextfile string `yaml:"metrics_textfile"`

	Projects []ProjectConfig `yaml:"projects"`
}

// Default returns the configuration used before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		ConcurrentWorkers: batch.DefaultConfig().ConcurrentWorkers,
		MaxRetries:        project.DefaultMaxRetries,
		OperationTimeout:  enforcer.DefaultOperationTimeout.String(),
		OperationRetries:  enforcer.DefaultOperationRetries,
		LogLevel:          "info",
	}
}

// LoadDotEnv loads environment files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and BASTION_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}

	boolean("DRY_RUN", &c.DryRun)
	integer("CONCURRENT_WORKERS", &c.ConcurrentWorkers)
	integer("MAX_CONCURRENT_WRITERS", &c.MaxConcurrentWriters)
	boolean("ALLOW_EMPTY_RULESET", &c.AllowEmptyRuleSet)
	boolean("RETRY_ON_DRY_RUN", &c.RetryOnDryRun)
	integer("MAX_RETRIES", &c.MaxRetries)
	str("OPERATION_TIMEOUT", &c.OperationTimeout)
	integer("OPERATION_RETRIES", &c.OperationRetries)
	str("LOG_LEVEL", &c.LogLevel)
	str("CREDENTIALS_FILE", &c.CredentialsFile)
	str("ENDPOINT", &c.Endpoint)
	str("DATABASE_DSN", &c.DatabaseDSN)
	str("METRICS_TEXTFILE", &c.MetricsTextfile)

	return errors.Join(errs...)
}

// Timeout parses OperationTimeout. An empty value yields the default.
func (c *Config) Timeout() (time.Duration, error) {
	if strings.TrimSpace(c.OperationTimeout) == "" {
		return enforcer.DefaultOperationTimeout, nil
	}
	d, err := time.ParseDuration(c.OperationTimeout)
	if err != nil {
		return 0, fmt.Errorf("operation_timeout: %w", err)
	}
	return d, nil
}

// Level parses LogLevel.
func (c *Config) Level() (log.Level, error) {
	if c.LogLevel == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Batch converts the configuration into batch coordinator settings.
func (c *Config) Batch() (batch.Config, error) {
	timeout, err := c.Timeout()
	if err != nil {
		return batch.Config{}, err
	}
	return batch.Config{
		DryRun:            c.DryRun,
		ConcurrentWorkers: c.ConcurrentWorkers,
		AllowEmptyRuleSet: c.AllowEmptyRuleSet,
		RetryOnDryRun:     c.RetryOnDryRun,
		MaxRetries:        c.MaxRetries,
		OperationTimeout:  timeout,
		OperationRetries:  c.OperationRetries,
	}, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxConcurrentWriters < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_writers must not be negative, got %d", c.MaxConcurrentWriters))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if bc, err := c.Batch(); err != nil {
		errs = append(errs, err)
	} else if err := bc.Validate(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if p.ProjectID == "" {
			errs = append(errs, fmt.Errorf("projects[%d].project_id is required", i))
			continue
		}
		if seen[p.ProjectID] {
			errs = append(errs, fmt.Errorf("projects[%d]: duplicate project %s", i, p.ProjectID))
		}
		seen[p.ProjectID] = true
		if p.PolicyFile == "" {
			errs = append(errs, fmt.Errorf("projects[%d].policy_file is required", i))
		}
	}

	return errors.Join(errs...)
}
