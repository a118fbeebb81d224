// Package config loads the layered process configuration: built-in defaults,
// a base config file, an optional environment overlay, a .dev.vars dotenv
// file, process environment variables, and command-line flags, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix viper uses when binding environment variables,
// e.g. EDGERUN_DATA_DIR.
const EnvPrefix = "EDGERUN"

// KVNamespace declares one kv_namespaces[] entry.
type KVNamespace struct {
	Binding   string `mapstructure:"binding"`
	Namespace string `mapstructure:"namespace"`
}

// R2Bucket declares one r2_buckets[] entry.
type R2Bucket struct {
	Binding string `mapstructure:"binding"`
	Bucket  string `mapstructure:"bucket"`
}

// D1Database declares one d1_databases[] entry.
type D1Database struct {
	Binding      string `mapstructure:"binding"`
	DatabaseName string `mapstructure:"database_name"`
}

// QueueProducer declares one queues.producers[] entry.
type QueueProducer struct {
	Binding string `mapstructure:"binding"`
	Queue   string `mapstructure:"queue"`
}

// QueueConsumer declares one queues.consumers[] entry.
type QueueConsumer struct {
	Queue            string `mapstructure:"queue"`
	MaxBatchSize     int    `mapstructure:"max_batch_size"`
	MaxBatchTimeout  int    `mapstructure:"max_batch_timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	DeadLetterQueue  string `mapstructure:"dead_letter_queue"`
}

// DurableObjectBinding declares one durable_objects.bindings[] entry.
type DurableObjectBinding struct {
	Binding   string `mapstructure:"binding"`
	ClassName string `mapstructure:"class_name"`
}

// WorkflowBinding declares one workflows[] entry.
type WorkflowBinding struct {
	Binding     string `mapstructure:"binding"`
	Name        string `mapstructure:"name"`
	ClassName   string `mapstructure:"class_name"`
	MaxInstances int   `mapstructure:"max_concurrent_instances"`
}

// CronTrigger declares one triggers.crons[] entry.
type CronTrigger struct {
	Expression string `mapstructure:"cron"`
}

// Queues groups producer/consumer declarations.
type Queues struct {
	Producers []QueueProducer `mapstructure:"producers"`
	Consumers []QueueConsumer `mapstructure:"consumers"`
}

// DurableObjects groups actor namespace declarations.
type DurableObjects struct {
	Bindings []DurableObjectBinding `mapstructure:"bindings"`
}

// Triggers groups cron trigger declarations.
type Triggers struct {
	Crons []CronTrigger `mapstructure:"crons"`
}

// Config is the fully resolved, immutable process configuration.
type Config struct {
	Name          string                 `mapstructure:"name"`
	Main          string                 `mapstructure:"main"`
	DataDir       string                 `mapstructure:"data_dir"`
	LogLevel      string                 `mapstructure:"log_level"`
	LogFormat     string                 `mapstructure:"log_format"`
	HTTPAddr      string                 `mapstructure:"http_addr"`
	KVNamespaces  []KVNamespace          `mapstructure:"kv_namespaces"`
	R2Buckets     []R2Bucket             `mapstructure:"r2_buckets"`
	D1Databases   []D1Database           `mapstructure:"d1_databases"`
	Queues        Queues                 `mapstructure:"queues"`
	DurableObjects DurableObjects        `mapstructure:"durable_objects"`
	Workflows     []WorkflowBinding      `mapstructure:"workflows"`
	Triggers      Triggers               `mapstructure:"triggers"`
	Vars          map[string]string      `mapstructure:"vars"`
	Env           map[string]map[string]interface{} `mapstructure:"env"`

	OTELEnabled       bool    `mapstructure:"otel_enabled"`
	OTELEndpoint      string  `mapstructure:"otel_endpoint"`
	OTELSamplingRatio float64 `mapstructure:"otel_sampling_ratio"`
	Environment       string  `mapstructure:"environment"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("name", "edgerun")
	v.SetDefault("data_dir", ".lopata")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("http_addr", ":8787")
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_sampling_ratio", 1.0)
	v.SetDefault("environment", "development")
}

// Options controls Load.
type Options struct {
	ConfigFile  string
	Environment string // selects an overlay under env.<name>
	Flags       *pflag.FlagSet
}

// Load resolves the layered configuration: defaults, base file, environment
// overlay, .dev.vars, process environment (EDGERUN_*), then flags.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	defaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigName(".edgerun")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	env := opts.Environment
	if env == "" {
		env = v.GetString("environment")
	}
	if overlay, ok := cfg.Env[env]; ok {
		for k, val := range overlay {
			v.Set(k, val)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("decoding environment overlay %q: %w", env, err)
		}
	}

	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}
	if devVars, err := loadDevVars(".dev.vars"); err == nil {
		for k, val := range devVars {
			cfg.Vars[k] = val
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	applyEnvOverrides(v, &cfg)

	if opts.Flags != nil {
		applyFlagOverrides(opts.Flags, &cfg)
	}

	return &cfg, nil
}

// loadDevVars parses a dotenv-format file (KEY=VALUE per line, '#' comments,
// optional surrounding quotes) the way the platform's .dev.vars secrets
// overlay works.
func loadDevVars(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, `"'`)
		out[key] = val
	}
	return out, nil
}

func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if v.IsSet("data_dir") {
		cfg.DataDir = v.GetString("data_dir")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("http_addr") {
		cfg.HTTPAddr = v.GetString("http_addr")
	}
}

func applyFlagOverrides(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("data-dir") {
		if val, err := fs.GetString("data-dir"); err == nil {
			cfg.DataDir = val
		}
	}
	if fs.Changed("log-level") {
		if val, err := fs.GetString("log-level"); err == nil {
			cfg.LogLevel = val
		}
	}
	if fs.Changed("http-addr") {
		if val, err := fs.GetString("http-addr"); err == nil {
			cfg.HTTPAddr = val
		}
	}
}

// ResolvePath joins the configured data directory with a sub-path, creating
// parent directories as needed.
func (c *Config) ResolvePath(parts ...string) (string, error) {
	full := filepath.Join(append([]string{c.DataDir}, parts...)...)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", full, err)
	}
	return full, nil
}
