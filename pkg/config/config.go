package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/goalflow/pkg/cache"
	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/stores"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// Default file names looked up by FindConfig.
var DefaultConfigFiles = []string{"goalflow.yaml", "goalflow.yml", "goalflow.cue"}

// Config is the engine configuration.
type Config struct {
	// Workspace is the tenant pushes default to.
	Workspace string `yaml:"workspace" json:"workspace" validate:"required"`

	// Store configures the goal state database.
	Store stores.Config `yaml:"store" json:"store"`

	// Rules locates the rule document and Rego policies.
	Rules RulesConfig `yaml:"rules" json:"rules"`

	// Dispatch configures goal execution.
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`

	// Cache configures the goal cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Starlark bounds starlark: push tests.
	Starlark StarlarkConfig `yaml:"starlark" json:"starlark"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// RulesConfig locates the rule document.
type RulesConfig struct {
	// Path is a .yaml, .cue or .hcl rule document.
	Path string `yaml:"path" json:"path" validate:"required"`

	// Policies are .rego files or directories loaded for rego: tests.
	Policies []string `yaml:"policies,omitempty" json:"policies,omitempty"`
}

// DispatchConfig mirrors dispatch.Options.
type DispatchConfig struct {
	Mode goal.Mode `yaml:"mode" json:"mode" validate:"omitempty,oneof=in_process isolated"`

	// RunnerPath is the goal-runner binary used in isolated mode.
	RunnerPath string `yaml:"runner_path,omitempty" json:"runner_path,omitempty" validate:"required_if=Mode isolated"`

	// RunnerArgs are passed to the goal-runner before its own flags.
	RunnerArgs []string `yaml:"runner_args,omitempty" json:"runner_args,omitempty"`

	LogDir             string        `yaml:"log_dir,omitempty" json:"log_dir,omitempty"`
	LogBaseURL         string        `yaml:"log_base_url,omitempty" json:"log_base_url,omitempty" validate:"omitempty,url"`
	TailLines          int           `yaml:"tail_lines,omitempty" json:"tail_lines,omitempty" validate:"gte=0"`
	HooksDir           string        `yaml:"hooks_dir,omitempty" json:"hooks_dir,omitempty"`
	RetryCommand       string        `yaml:"retry_command,omitempty" json:"retry_command,omitempty"`
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval,omitempty" json:"cancel_poll_interval,omitempty"`
	Lease              LeaseConfig   `yaml:"lease" json:"lease"`
}

// LeaseConfig configures the cross-process goal claim.
type LeaseConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	TTL     time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// Cache store kinds.
const (
	CacheStoreFile = "file"
	CacheStoreSFTP = "sftp"
)

// CacheConfig configures the goal cache and its archive store.
type CacheConfig struct {
	// Enabled turns the goal cache on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Store is file or sftp.
	Store string `yaml:"store" json:"store" validate:"omitempty,oneof=file sftp"`

	// Directory is the root of the file store, and the temp dir of archives in transit.
	Directory string `yaml:"directory" json:"directory"`

	// SFTP configures the remote store.
	SFTP *cache.SFTPConfig `yaml:"sftp,omitempty" json:"sftp,omitempty" validate:"required_if=Store sftp"`

	// TarPath is the external tar binary.
	TarPath string `yaml:"tar_path,omitempty" json:"tar_path,omitempty"`

	// TolerateFailure turns archive store errors into warnings.
	TolerateFailure bool `yaml:"tolerate_failure" json:"tolerate_failure"`

	// Retention is the age after which archives are swept. Zero keeps them.
	Retention time.Duration `yaml:"retention,omitempty" json:"retention,omitempty"`
}

// StarlarkConfig bounds starlark: tests.
type StarlarkConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".goalflow")

	return &Config{
		Workspace: "default",
		Store: stores.Config{
			Path: filepath.Join(dataDir, "goalflow.db"),
		},
		Rules: RulesConfig{
			Path: "goalflow.rules.yaml",
		},
		Dispatch: DispatchConfig{
			Mode:               goal.ModeInProcess,
			LogDir:             filepath.Join(dataDir, "logs"),
			TailLines:          20,
			CancelPollInterval: 2 * time.Second,
			Lease: LeaseConfig{
				TTL: 30 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Enabled:   true,
			Store:     CacheStoreFile,
			Directory: filepath.Join(dataDir, "cache"),
			Retention: 14 * 24 * time.Hour,
		},
		Starlark: StarlarkConfig{
			Timeout: 5 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// FindConfig returns the first default config file in dir, or "".
func FindConfig(dir string) string {
	for _, name := range DefaultConfigFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads a YAML or CUE config file over DefaultConfig, resolves relative
// paths against the file's directory and validates the result.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goal.NewConfigurationError("failed to read config file", err).WithOperation("config.load")
	}

	if strings.HasSuffix(path, ".cue") {
		data, err = cueToJSON(path, data)
		if err != nil {
			return nil, err
		}
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to parse %s", path), err).
			WithOperation("config.load")
	}
	if err := NewSchemaRegistry().ValidateAgainstSchema(ctx, SchemaConfig, normalize(raw)); err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("invalid config %s", path), err).
			WithOperation("config.load")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to decode %s", path), err).
			WithOperation("config.load")
	}

	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return goal.NewConfigurationError("invalid configuration", err).WithOperation("config.validate")
	}
	if c.Cache.Store == CacheStoreSFTP {
		if err := c.Cache.SFTP.Validate(); err != nil {
			return goal.NewConfigurationError("invalid sftp cache configuration", err).WithOperation("config.validate")
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return goal.NewConfigurationError("invalid telemetry configuration", err).WithOperation("config.validate")
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p *string) {
		if *p != "" && *p != ":memory:" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&c.Store.Path)
	abs(&c.Rules.Path)
	for i := range c.Rules.Policies {
		abs(&c.Rules.Policies[i])
	}
	abs(&c.Dispatch.LogDir)
	abs(&c.Cache.Directory)
}

// cueToJSON evaluates a CUE file to concrete JSON.
func cueToJSON(path string, data []byte) ([]byte, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to compile %s", path), cueError(err)).
			WithOperation("config.load")
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to evaluate %s", path), cueError(err)).
			WithOperation("config.load")
	}
	return out, nil
}
