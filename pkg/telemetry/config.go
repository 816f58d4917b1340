package telemetry

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of goalflow.yaml.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" json:"service_version" validate:"required"`

	// Environment is reported as a resource attribute on every span.
	Environment string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`

	// Output is stderr, stdout or a file path that is appended to.
	Output string `yaml:"output" json:"output"`

	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`

	// With sampling on, SamplingInitial messages pass each second and every
	// SamplingThereafter-th message after that.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string `yaml:"time_format" json:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Exporter string `yaml:"exporter" json:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint string            `yaml:"endpoint" json:"endpoint" validate:"required_if=Exporter otlp"`
	Headers  map[string]string `yaml:"headers" json:"headers"`
	Insecure bool              `yaml:"insecure" json:"insecure"`

	SamplingRate       float64       `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size" json:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration `yaml:"export_timeout" json:"export_timeout" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`

	// DefaultHistogramBuckets are the goal duration buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets" json:"default_histogram_buckets"`
}

// EventsConfig configures the event publisher and its sinks.
type EventsConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	BufferSize    int           `yaml:"buffer_size" json:"buffer_size" validate:"required_if=Enabled true,gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size" json:"max_batch_size" validate:"gte=0"`
	EnableAsync   bool          `yaml:"enable_async" json:"enable_async"`

	// MinLevel drops events below this level.
	MinLevel string `yaml:"min_level,omitempty" json:"min_level,omitempty" validate:"omitempty,oneof=info warning error"`

	// Types limits the sinks to these event types. Empty means all.
	Types []string `yaml:"types,omitempty" json:"types,omitempty"`

	// Log writes events to the goalflow log.
	Log bool `yaml:"log" json:"log"`

	// File appends events as JSON lines for external notifiers.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// DefaultConfig logs to stderr, keeps tracing and metrics off and logs
// warning and error events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "goalflow",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "goalflow",
			DefaultHistogramBuckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
			MinLevel:      EventLevelWarning,
			Log:           true,
		},
	}
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
