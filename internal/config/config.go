package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// RunConfig is the full YAML configuration accepted by the composition
// root, covering everything the command line leaves unset. Structurally
// it follows the teacher's AgentConfig: a top-level struct of named
// sections, each validated and defaulted in one pass after Unmarshal.
type RunConfig struct {
	Job       JobConfig       `yaml:"job"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Retry     RetryConfig     `yaml:"retry"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	RetrySync RetrySyncConfig `yaml:"retry_sweep"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// JobConfig selects how jobs are produced: exactly one of Source/
// Destination (single file), SourceDir/DestinationDir (directory
// recursion), or JobListFile (external list) must be set.
type JobConfig struct {
	Source          string   `yaml:"source"`
	Destination     string   `yaml:"destination"`
	SourceDir       string   `yaml:"source_dir"`
	DestinationDir  string   `yaml:"destination_dir"`
	Exclude         []string `yaml:"exclude"`
	JobListFile     string   `yaml:"job_list_file"`
	DryRun          bool     `yaml:"dry_run"`
	DeleteSource    bool     `yaml:"delete_source"`
	OnCompletionCmd string   `yaml:"on_completion_cmd"`
}

// TransferConfig holds the knobs shared by every transport: rate
// limiting and parallelism.
type TransferConfig struct {
	RateLimit        string `yaml:"rate_limit"` // e.g. "10MB", "0" or empty = unlimited
	RateLimitRaw     int64  `yaml:"-"`
	MaxParallelism   int    `yaml:"max_parallelism"`
	KubeconfigPath   string `yaml:"kubeconfig_path"`
	SFTPKeyFile      string `yaml:"sftp_key_file"`
	SFTPPassword     string `yaml:"sftp_password"`
	SFTPTrustAnyHost bool   `yaml:"sftp_trust_any_host"`
}

// RetryConfig controls the worker pool's per-job retry loop.
type RetryConfig struct {
	MaxRetries  int  `yaml:"max_retries"`
	StopOnError bool `yaml:"stop_on_error"`
}

// WatchdogConfig bounds the resource watchdog's memory ceiling.
type WatchdogConfig struct {
	MaxMemory    string `yaml:"max_memory"` // e.g. "512MB"
	MaxMemoryRaw int64  `yaml:"-"`
}

// RecoveryConfig locates the dead-letter store file.
type RecoveryConfig struct {
	Path string `yaml:"path"` // default: defaultRecoveryPath (UTC timestamp + short UUID)
}

// RetrySyncConfig configures the optional cron-driven dead-letter replay.
type RetrySyncConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // standard cron expression
}

// LoggingConfig follows the teacher's LoggingInfo: level plus format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Load reads and validates the YAML configuration file at path,
// applying the same defaulting-after-unmarshal discipline as the
// teacher's LoadAgentConfig/LoadServerConfig.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *RunConfig) validate() error {
	hasSingle := c.Job.Source != "" || c.Job.Destination != ""
	hasDir := c.Job.SourceDir != "" || c.Job.DestinationDir != ""
	hasList := c.Job.JobListFile != ""
	modes := 0
	for _, set := range []bool{hasSingle, hasDir, hasList} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("job: exactly one of (source/destination), (source_dir/destination_dir), job_list_file must be set, got %d", modes)
	}
	if hasSingle && (c.Job.Source == "" || c.Job.Destination == "") {
		return fmt.Errorf("job: both source and destination are required together")
	}
	if hasDir && (c.Job.SourceDir == "" || c.Job.DestinationDir == "") {
		return fmt.Errorf("job: both source_dir and destination_dir are required together")
	}

	if c.Transfer.MaxParallelism <= 0 {
		c.Transfer.MaxParallelism = 1
	}
	if c.Transfer.RateLimit == "" {
		c.Transfer.RateLimit = "0"
	}
	rl, err := ParseByteSize(c.Transfer.RateLimit)
	if err != nil {
		return fmt.Errorf("transfer.rate_limit: %w", err)
	}
	c.Transfer.RateLimitRaw = rl

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}

	if c.Watchdog.MaxMemory == "" {
		c.Watchdog.MaxMemory = "512MB"
	}
	wm, err := ParseByteSize(c.Watchdog.MaxMemory)
	if err != nil {
		return fmt.Errorf("watchdog.max_memory: %w", err)
	}
	if wm <= 0 {
		return fmt.Errorf("watchdog.max_memory must be > 0, got %s", c.Watchdog.MaxMemory)
	}
	c.Watchdog.MaxMemoryRaw = wm

	if c.Recovery.Path == "" {
		c.Recovery.Path = defaultRecoveryPath(time.Now().UTC())
	}

	if c.RetrySync.Enabled && c.RetrySync.Schedule == "" {
		return fmt.Errorf("retry_sweep.schedule is required when retry_sweep.enabled is true")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

// defaultRecoveryPath names the dead-letter store the way spec §6 requires
// ("one file per run, named with a timestamp"): a UTC timestamp plus a
// short UUID suffix so two runs started within the same second never
// collide on the same file.
func defaultRecoveryPath(at time.Time) string {
	return fmt.Sprintf("fastcopy-recovery-%s-%s.jsonl", at.Format("20060102T150405Z"), uuid.NewString()[:8])
}

// byteUnits is ordered longest-suffix-first so "kb" isn't matched as a
// trailing "b" before "kb" gets a chance, matching the teacher's
// ParseByteSize suffix table, generalized from three units (kb/mb/gb)
// to the full b/k/kb/m/mb/g/gb/t/tb set with binary (1024-based)
// multipliers.
var byteUnits = []struct {
	suffix string
	factor float64
}{
	{"tb", 1024 * 1024 * 1024 * 1024},
	{"t", 1024 * 1024 * 1024 * 1024},
	{"gb", 1024 * 1024 * 1024},
	{"g", 1024 * 1024 * 1024},
	{"mb", 1024 * 1024},
	{"m", 1024 * 1024},
	{"kb", 1024},
	{"k", 1024},
	{"b", 1},
}

// ParseByteSize parses a human-readable size such as "10MB" or "1.5GB"
// into a byte count. Units are binary (1024-based) and case-insensitive;
// decimals are accepted; a bare number is interpreted as bytes; negative
// values are rejected.
func ParseByteSize(s string) (int64, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	if trimmed == "" {
		return 0, fmt.Errorf("empty size string")
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(trimmed, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(trimmed, u.suffix))
			if numStr == "" {
				return 0, fmt.Errorf("missing number in size %q", s)
			}
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q in size %q: %w", numStr, s, err)
			}
			if num < 0 {
				return 0, fmt.Errorf("negative size %q not allowed", s)
			}
			return int64(num*u.factor + 0.5), nil
		}
	}

	num, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %q not allowed", s)
	}
	return int64(num + 0.5), nil
}

// FormatDuration is a thin helper kept for config files that want
// human-readable durations echoed back in logs.
func FormatDuration(d time.Duration) string {
	return d.String()
}
