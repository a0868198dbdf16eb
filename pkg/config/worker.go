package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openfroyo/tgworker/pkg/secrets"
	"github.com/openfroyo/tgworker/pkg/telemetry"
	"github.com/openfroyo/tgworker/pkg/terragrunt"
)

// EnvPrefix prefixes environment overrides, e.g. TGWORKER_BASE_DIR.
const EnvPrefix = "TGWORKER"

// Worker is the configuration of one worker process.
type Worker struct {
	// BaseDir holds every task's working directories.
	BaseDir string `mapstructure:"base_dir" validate:"required"`

	TerragruntBinary string `mapstructure:"terragrunt_binary" validate:"required"`

	// DefaultTimeout applies to each CLI verb when a task sets none.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gte=0"`

	// CommandFlags are extra flags per verb, added before a task's own.
	CommandFlags map[string]string `mapstructure:"command_flags"`

	Database       DatabaseConfig          `mapstructure:"database"`
	Files          FileServiceConfig       `mapstructure:"files"`
	SecretManagers []secrets.ManagerConfig `mapstructure:"secret_managers" validate:"dive"`

	// PolicyDir holds .rego policies applied to exported plans. Empty
	// disables the gate.
	PolicyDir string `mapstructure:"policy_dir"`

	Watch WatchConfig `mapstructure:"watch"`

	// Concurrency bounds tasks run at once by run and watch.
	Concurrency int `mapstructure:"concurrency" validate:"min=1"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// DatabaseConfig locates the worker's sqlite database.
type DatabaseConfig struct {
	Path          string        `mapstructure:"path" validate:"required"`
	RecordTimeout time.Duration `mapstructure:"record_timeout"`
}

// FileServiceConfig selects where state and plan exports are uploaded.
type FileServiceConfig struct {
	Kind string   `mapstructure:"kind" validate:"oneof=db s3"`
	S3   S3Config `mapstructure:"s3"`
}

// S3Config is the bucket artifacts go to when Kind is s3.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// WatchConfig configures `tgworker watch`.
type WatchConfig struct {
	// Inbox is scanned for task documents.
	Inbox string `mapstructure:"inbox"`
	// Outbox receives one <name>.response.json per processed document.
	Outbox string `mapstructure:"outbox"`
}

// DefaultWorker returns the configuration used when nothing is set.
func DefaultWorker() *Worker {
	tel := telemetry.DefaultConfig()
	return &Worker{
		BaseDir:          "~/.tgworker",
		TerragruntBinary: "terragrunt",
		DefaultTimeout:   time.Hour,
		Database: DatabaseConfig{
			Path:          "~/.tgworker/tgworker.db",
			RecordTimeout: 5 * time.Second,
		},
		Files: FileServiceConfig{Kind: "db"},
		Watch: WatchConfig{
			Inbox:  "~/.tgworker/inbox",
			Outbox: "~/.tgworker/outbox",
		},
		Concurrency: 2,
		Telemetry:   *tel,
	}
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"base-dir":          "base_dir",
	"terragrunt-binary": "terragrunt_binary",
	"timeout":           "default_timeout",
	"database":          "database.path",
	"policy-dir":        "policy_dir",
	"concurrency":       "concurrency",
	"log-level":         "telemetry.logging.level",
	"log-format":        "telemetry.logging.format",
	"inbox":             "watch.inbox",
	"outbox":            "watch.outbox",
	"metrics-address":   "telemetry.metrics.listen_address",
}

// LoadOptions says where LoadWorker looks.
type LoadOptions struct {
	// ConfigFile is an explicit config path. When empty, tgworker.yaml is
	// searched in the working directory and ~/.tgworker.
	ConfigFile string
	// Flags, when set, override file and environment values for the flags
	// the user changed.
	Flags *pflag.FlagSet
}

// LoadWorker merges defaults, the config file, TGWORKER_* environment
// variables and flags, in increasing precedence. LOG_LEVEL is accepted for
// the log level.
func LoadWorker(opts LoadOptions) (*Worker, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultWorker())
	if err := v.BindEnv("telemetry.logging.level", EnvPrefix+"_TELEMETRY_LOGGING_LEVEL", "LOG_LEVEL"); err != nil {
		return nil, err
	}

	if opts.ConfigFile != "" {
		path, err := homedir.Expand(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tgworker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := homedir.Expand("~/.tgworker"); err == nil {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || opts.ConfigFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	cfg := DefaultWorker()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Worker) {
	v.SetDefault("base_dir", d.BaseDir)
	v.SetDefault("terragrunt_binary", d.TerragruntBinary)
	v.SetDefault("default_timeout", d.DefaultTimeout)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.record_timeout", d.Database.RecordTimeout)
	v.SetDefault("files.kind", d.Files.Kind)
	v.SetDefault("files.s3.bucket", "")
	v.SetDefault("files.s3.prefix", "")
	v.SetDefault("files.s3.region", "")
	v.SetDefault("files.s3.endpoint", "")
	v.SetDefault("files.s3.access_key_id", "")
	v.SetDefault("files.s3.secret_access_key", "")
	v.SetDefault("files.s3.use_path_style", false)
	v.SetDefault("policy_dir", d.PolicyDir)
	v.SetDefault("watch.inbox", d.Watch.Inbox)
	v.SetDefault("watch.outbox", d.Watch.Outbox)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("telemetry.servicename", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
	v.SetDefault("telemetry.logging.level", d.Telemetry.Logging.Level)
	v.SetDefault("telemetry.logging.format", d.Telemetry.Logging.Format)
	v.SetDefault("telemetry.logging.output", d.Telemetry.Logging.Output)
	v.SetDefault("telemetry.tracing.enabled", d.Telemetry.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", d.Telemetry.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", d.Telemetry.Tracing.Endpoint)
	v.SetDefault("telemetry.metrics.enabled", d.Telemetry.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", d.Telemetry.Metrics.ListenAddress)
}

func (w *Worker) expandPaths() error {
	for _, p := range []*string{&w.BaseDir, &w.TerragruntBinary, &w.Database.Path, &w.PolicyDir, &w.Watch.Inbox, &w.Watch.Outbox} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (w *Worker) Validate() error {
	if err := validator.New().Struct(w); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	if w.Files.Kind == "s3" && w.Files.S3.Bucket == "" {
		return errors.New("invalid worker config: files.s3.bucket is required when files.kind is s3")
	}
	if _, err := terragrunt.ParseFlags(w.CommandFlags); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	seen := make(map[string]bool, len(w.SecretManagers))
	for _, m := range w.SecretManagers {
		if seen[m.Name] {
			return fmt.Errorf("invalid worker config: duplicate secret manager %q", m.Name)
		}
		seen[m.Name] = true
	}
	if err := w.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	return nil
}
