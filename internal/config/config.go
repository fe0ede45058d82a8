package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/openpersona/agent-runner/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig                `toml:"general"`
	Execution ExecutionConfig              `toml:"execution"`
	Context   ContextConfig                `toml:"context"`
	Retention RetentionConfig              `toml:"retention"`
	Output    OutputConfig                 `toml:"output"`
	Preflight PreflightConfig              `toml:"preflight"`
	Providers map[string]map[string]string `toml:"providers"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	StateDir     string `toml:"state_dir"`
	PersonasDir  string `toml:"personas_dir"`
	ScheduleFile string `toml:"schedule_file"`
}

// ExecutionConfig holds run execution settings
type ExecutionConfig struct {
	Parallelism int `toml:"parallelism"`
	RunTimeoutS int `toml:"run_timeout_s"`
}

// ContextConfig bounds and filters snapshot assembly
type ContextConfig struct {
	MaxBytes     int64    `toml:"max_bytes"`
	Include      []string `toml:"include"`
	Exclude      []string `toml:"exclude"`
	DiffBase     string   `toml:"diff_base"`
	ContextLines int      `toml:"context_lines"`
}

// RetentionConfig controls age-based pruning of sealed runs
type RetentionConfig struct {
	Enabled bool `toml:"enabled"`
	Days    int  `toml:"days"`
}

// OutputConfig holds sink settings
type OutputConfig struct {
	PrintStdout bool `toml:"print_stdout"`
}

// PreflightConfig controls pre-run provider validation.
// strict: any ERROR aborts the whole run before any persona executes.
// lenient: personas with ERROR are skipped; others run.
type PreflightConfig struct {
	Mode string `toml:"mode"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			StateDir:     ".agent-runner",
			PersonasDir:  "personas",
			ScheduleFile: "schedule.toml",
		},
		Execution: ExecutionConfig{
			Parallelism: 1,
			RunTimeoutS: 30 * 60,
		},
		Context: ContextConfig{
			MaxBytes:     512 * 1024,
			Exclude:      []string{".git", ".agent-runner", "node_modules", "vendor"},
			DiffBase:     "main",
			ContextLines: 3,
		},
		Retention: RetentionConfig{
			Enabled: false,
			Days:    30,
		},
		Output: OutputConfig{
			PrintStdout: true,
		},
		Preflight: PreflightConfig{
			Mode: "strict",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.PersonasDir = ExpandPath(cfg.General.PersonasDir)
	cfg.General.ScheduleFile = ExpandPath(cfg.General.ScheduleFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine would refuse at run time
func (c *Config) Validate() error {
	if c.Execution.Parallelism < 1 {
		return domain.Errorf(domain.KindPolicyInvalid, "execution.parallelism must be >= 1, got %d", c.Execution.Parallelism)
	}
	if c.Retention.Enabled && c.Retention.Days <= 0 {
		return domain.Errorf(domain.KindPolicyInvalid, "retention.days must be > 0, got %d", c.Retention.Days)
	}
	if c.Context.MaxBytes <= 0 {
		return domain.Errorf(domain.KindPolicyInvalid, "context.max_bytes must be > 0, got %d", c.Context.MaxBytes)
	}
	switch c.Preflight.Mode {
	case "strict", "lenient":
	default:
		return domain.Errorf(domain.KindPolicyInvalid, "preflight.mode must be strict or lenient, got %q", c.Preflight.Mode)
	}
	return nil
}

// RunTimeout returns the run-level deadline as a duration
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Execution.RunTimeoutS) * time.Second
}

// RetentionPolicy converts the retention section into the domain policy
func (c *Config) RetentionPolicy() domain.RetentionPolicy {
	return domain.RetentionPolicy{
		Enabled: c.Retention.Enabled,
		MaxAge:  time.Duration(c.Retention.Days) * 24 * time.Hour,
	}
}

// ProviderDefault reads a per-provider default from the [providers.<name>]
// table, e.g. ProviderDefault("jules", "timeout_s")
func (c *Config) ProviderDefault(provider, key string) string {
	if c.Providers == nil {
		return ""
	}
	return c.Providers[provider][key]
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the first existing config file location, or the
// project-local path if none exist yet
func DefaultConfigPath() string {
	local := "agent-runner.toml"
	if _, err := os.Stat(local); err == nil {
		return local
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-runner", "agent-runner.toml")
}
