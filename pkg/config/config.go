// Package config loads orchestrator settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ndrlab/ndr-orchestrator/pkg/prediction"
	"github.com/ndrlab/ndr-orchestrator/pkg/queue"
)

// EnvPrefix prefixes environment overrides of any key, e.g. NDR_SERVER_ADDR.
const EnvPrefix = "NDR"

type BrokerConfig struct {
	// URL selects the backend: redis://, rediss://, sqlite:// or postgres://.
	URL            string        `mapstructure:"url" yaml:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug|info|warn|error
	Format string `mapstructure:"format" yaml:"format"` // json|text
}

type QueueConfig struct {
	UseQueueByDefault bool           `mapstructure:"use_queue_by_default" yaml:"use_queue_by_default"`
	Workers           map[string]int `mapstructure:"workers" yaml:"workers"`
	Retention         time.Duration  `mapstructure:"retention" yaml:"retention"`
	CleanupSchedule   string         `mapstructure:"cleanup_schedule" yaml:"cleanup_schedule"`
	PollInterval      time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type ClassifierConfig struct {
	// Command is the argv prefix; the report, model and output paths are appended.
	Command []string `mapstructure:"command" yaml:"command"`
	Dir     string   `mapstructure:"dir" yaml:"dir"`
}

type CaptureConfig struct {
	// Command is the capture tool argv with {interface}, {dir} and {session}
	// placeholders. Empty disables online prediction.
	Command   []string      `mapstructure:"command" yaml:"command"`
	StopGrace time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
}

type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker" yaml:"broker"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Paths      prediction.Paths `mapstructure:"paths" yaml:"paths"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
}

// Load reads path (optional) and applies environment overrides. REDIS_URL,
// USE_QUEUE_BY_DEFAULT and the per-queue *_WORKERS variables are honoured
// alongside NDR_-prefixed keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("broker.url", EnvPrefix+"_BROKER_URL", "REDIS_URL"); err != nil {
		return nil, err
	}
	for _, def := range queue.DefaultDefinitions() {
		if err := v.BindEnv("queue.workers."+def.Name, def.WorkersEnv); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Queue.UseQueueByDefault = useQueueByDefault(v)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// useQueueByDefault is true unless the file or USE_QUEUE_BY_DEFAULT says
// exactly "false".
func useQueueByDefault(v *viper.Viper) bool {
	if s, ok := os.LookupEnv("USE_QUEUE_BY_DEFAULT"); ok {
		return strings.TrimSpace(s) != "false"
	}
	if v.IsSet("queue.use_queue_by_default") {
		return v.GetBool("queue.use_queue_by_default")
	}
	return true
}

func (c *Config) applyDefaults() {
	if c.Broker.URL == "" {
		c.Broker.URL = "redis://localhost:6379"
	}
	if c.Broker.ConnectTimeout <= 0 {
		c.Broker.ConnectTimeout = queue.DefaultConnectTimeout
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":31057"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Queue.Retention <= 0 {
		c.Queue.Retention = queue.DefaultRetention
	}
	if c.Queue.CleanupSchedule == "" {
		c.Queue.CleanupSchedule = queue.DefaultCleanupSchedule
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = 100 * time.Millisecond
	}
	if c.Paths.Models == "" {
		c.Paths.Models = "data/models"
	}
	if c.Paths.Reports == "" {
		c.Paths.Reports = "data/reports"
	}
	if c.Paths.Predictions == "" {
		c.Paths.Predictions = "data/predictions"
	}
	if c.Paths.Logs == "" {
		c.Paths.Logs = "data/logs"
	}
	if len(c.Classifier.Command) == 0 {
		c.Classifier.Command = []string{"python3", "deep-learning/prediction.py"}
	}
	if c.Capture.StopGrace <= 0 {
		c.Capture.StopGrace = 5 * time.Second
	}
}

// Validate rejects settings the orchestrator cannot start with.
func (c *Config) Validate() error {
	var errs []error
	for name, n := range c.Queue.Workers {
		if _, ok := queueNames()[name]; !ok {
			errs = append(errs, fmt.Errorf("queue.workers: unknown queue %q", name))
			continue
		}
		if n < 0 {
			errs = append(errs, fmt.Errorf("queue.workers.%s: must not be negative", name))
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: want json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// WorkerOverrides returns the configured worker counts, skipping zeros.
func (c *Config) WorkerOverrides() map[string]int {
	out := make(map[string]int, len(c.Queue.Workers))
	for name, n := range c.Queue.Workers {
		if n > 0 {
			out[name] = n
		}
	}
	return out
}

// Render writes the effective configuration as YAML.
func (c *Config) Render(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func queueNames() map[string]struct{} {
	names := make(map[string]struct{})
	for _, def := range queue.DefaultDefinitions() {
		names[def.Name] = struct{}{}
	}
	return names
}
