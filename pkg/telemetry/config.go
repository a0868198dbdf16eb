package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// Config is the telemetry section of the worker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	// Output is stderr, stdout or a file path.
	Output string `mapstructure:"output"`

	EnableCaller bool `mapstructure:"caller"`
	NoColor      bool `mapstructure:"no_color"`

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string `mapstructure:"time_format"`
}

type TracingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Exporter           string        `mapstructure:"exporter"`
	Endpoint           string        `mapstructure:"endpoint"`
	SamplingRate       float64       `mapstructure:"sampling_rate"`
	MaxExportBatchSize int           `mapstructure:"max_export_batch_size"`
	ExportTimeout      time.Duration `mapstructure:"export_timeout"`
	Insecure           bool          `mapstructure:"insecure"`
}

// MetricsConfig controls the Prometheus registry and the address the
// watch command serves it on.
type MetricsConfig struct {
	Enabled                 bool      `mapstructure:"enabled"`
	ListenAddress           string    `mapstructure:"listen_address"`
	Path                    string    `mapstructure:"path"`
	Namespace               string    `mapstructure:"namespace"`
	DefaultHistogramBuckets []float64 `mapstructure:"buckets"`
}

type EventsConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	BufferSize  int  `mapstructure:"buffer_size"`
	EnableAsync bool `mapstructure:"async"`
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tgworker",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "tgworker",
			// seconds; terragrunt verbs take from seconds to an hour
			DefaultHistogramBuckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("invalid log format %q, want console or json", c.Logging.Format))
	}
	if c.Tracing.Enabled && !slices.Contains(traceExporter, c.Tracing.Exporter) {
		errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %g outside [0, 1]", c.Tracing.SamplingRate))
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics listen address is required"))
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}
