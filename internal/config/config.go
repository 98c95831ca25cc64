// Package config provides configuration management for eltag using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system reads .eltag.yml (or the file named by --config
// or ELTAG_CONFIG_FILE), applies ELTAG_ prefixed environment overrides such
// as ELTAG_TAGGING_ATTRIBUTE_NAME, loads a .env file when present, and
// validates the result. Each section converts to the options of the
// component it configures.
package config

import (
	stderrors "errors"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/conneroisu/eltag/internal/cache"
	"github.com/conneroisu/eltag/internal/detector"
	"github.com/conneroisu/eltag/internal/errors"
	"github.com/conneroisu/eltag/internal/idgen"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/pipeline"
	"github.com/conneroisu/eltag/internal/types"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ELTAG"
	// EnvConfigFile names a config file to use instead of .eltag.yml.
	EnvConfigFile = "ELTAG_CONFIG_FILE"
	// DefaultName is the config file searched for in the working directory.
	DefaultName = ".eltag"
)

type Config struct {
	Tagging   TaggingConfig   `yaml:"tagging" mapstructure:"tagging"`
	Detection DetectionConfig `yaml:"detection" mapstructure:"detection"`
	Mapping   MappingConfig   `yaml:"mapping" mapstructure:"mapping"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

type TaggingConfig struct {
	AttributeName    string `yaml:"attribute_name" mapstructure:"attribute_name"`
	Format           string `yaml:"format" mapstructure:"format"`
	HashLength       int    `yaml:"hash_length" mapstructure:"hash_length"`
	IncludePosition  bool   `yaml:"include_position" mapstructure:"include_position"`
	Prefix           string `yaml:"prefix" mapstructure:"prefix"`
	Suffix           string `yaml:"suffix" mapstructure:"suffix"`
	PreserveExisting bool   `yaml:"preserve_existing" mapstructure:"preserve_existing"`
}

type DetectionConfig struct {
	DOM        bool `yaml:"dom" mapstructure:"dom"`
	Components bool `yaml:"components" mapstructure:"components"`
	Fragments  bool `yaml:"fragments" mapstructure:"fragments"`
	TextNodes  bool `yaml:"text_nodes" mapstructure:"text_nodes"`
	// KnownHTMLOnly skips lowercase tags that are not standard HTML, such
	// as custom elements.
	KnownHTMLOnly bool     `yaml:"known_html_only" mapstructure:"known_html_only"`
	ExcludeTags   []string `yaml:"exclude_tags" mapstructure:"exclude_tags"`
}

type MappingConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	Format     string `yaml:"format" mapstructure:"format"`
	Backup     bool   `yaml:"backup" mapstructure:"backup"`
	BackupDir  string `yaml:"backup_dir" mapstructure:"backup_dir"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

type CacheConfig struct {
	MaxBytes      int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxEntries    int           `yaml:"max_entries" mapstructure:"max_entries"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

type PipelineConfig struct {
	Include  []string      `yaml:"include" mapstructure:"include"`
	Exclude  []string      `yaml:"exclude" mapstructure:"exclude"`
	Workers  int           `yaml:"workers" mapstructure:"workers"`
	FailFast bool          `yaml:"fail_fast" mapstructure:"fail_fast"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" mapstructure:"host"`
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SetDefaults registers every key with its default so environment
// overrides resolve even when no file sets the key.
func SetDefaults(v *viper.Viper) {
	cc := cache.DefaultConfig()
	defaults := map[string]interface{}{
		"tagging.attribute_name":    types.DefaultAttributeName,
		"tagging.format":            idgen.DefaultFormat,
		"tagging.hash_length":       idgen.DefaultHashLength,
		"tagging.include_position":  true,
		"tagging.prefix":            "",
		"tagging.suffix":            "",
		"tagging.preserve_existing": true,

		"detection.dom":             true,
		"detection.components":      true,
		"detection.fragments":       false,
		"detection.text_nodes":      false,
		"detection.known_html_only": false,
		"detection.exclude_tags":    []string{"script", "style"},

		"mapping.path":        mapping.DefaultPath,
		"mapping.format":      "",
		"mapping.backup":      true,
		"mapping.backup_dir":  "",
		"mapping.max_backups": 5,

		"cache.max_bytes":      cc.MaxBytes,
		"cache.max_entries":    cc.MaxEntries,
		"cache.ttl":            cc.DefaultTTL,
		"cache.sweep_interval": cc.SweepInterval,

		"pipeline.include":   []string{},
		"pipeline.exclude":   pipeline.DefaultExclude,
		"pipeline.workers":   runtime.NumCPU(),
		"pipeline.fail_fast": false,
		"pipeline.debounce":  300 * time.Millisecond,

		"server.host":            "localhost",
		"server.port":            7420,
		"server.allowed_origins": []string{},

		"log.level":  "info",
		"log.format": "text",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Setup points v at the config file and environment. Priority for the file
// is cfgFile, then ELTAG_CONFIG_FILE, then .eltag.yml in the working
// directory. A .env file in the working directory is loaded into the
// process environment first without overriding variables already set. It
// returns the config file used, empty when none was found.
func Setup(v *viper.Viper, cfgFile string) (string, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return "", errors.NewConfigError(errors.ErrCodeConfigInvalid, "load .env: "+err.Error())
	}

	SetDefaults(v)
	explicit := true
	switch {
	case cfgFile != "":
		v.SetConfigFile(cfgFile)
	case os.Getenv(EnvConfigFile) != "":
		v.SetConfigFile(os.Getenv(EnvConfigFile))
	default:
		explicit = false
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(DefaultName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && stderrors.As(err, &notFound) {
			return "", nil
		}
		return "", errors.NewConfigError(errors.ErrCodeConfigInvalid, "read config: "+err.Error())
	}
	return v.ConfigFileUsed(), nil
}

// Load unmarshals and validates the global viper configuration.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals and validates v. Defaults are registered first, so
// values set on v keep precedence.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "decode config: "+err.Error())
	}

	// Comma separated environment values arrive as a single element.
	cfg.Detection.ExcludeTags = splitList(cfg.Detection.ExcludeTags)
	cfg.Pipeline.Include = splitList(cfg.Pipeline.Include)
	cfg.Pipeline.Exclude = splitList(cfg.Pipeline.Exclude)
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = runtime.NumCPU()
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "invalid configuration: "+err.Error())
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// GeneratorConfig returns the identifier generator options.
func (c *Config) GeneratorConfig() idgen.Config {
	return idgen.Config{
		Format:          c.Tagging.Format,
		HashLength:      c.Tagging.HashLength,
		IncludePosition: c.Tagging.IncludePosition,
		Prefix:          c.Tagging.Prefix,
		Suffix:          c.Tagging.Suffix,
	}
}

// DetectorPolicy returns the detection policy.
func (c *Config) DetectorPolicy() detector.Policy {
	return detector.Policy{
		DOM:           c.Detection.DOM,
		Component:     c.Detection.Components,
		Fragment:      c.Detection.Fragments,
		TextNodes:     c.Detection.TextNodes,
		KnownHTMLOnly: c.Detection.KnownHTMLOnly,
		ExcludeTags:   c.Detection.ExcludeTags,
	}
}

// StoreOptions returns the mapping store options.
func (c *Config) StoreOptions() mapping.Options {
	return mapping.Options{
		Path:       c.Mapping.Path,
		Format:     c.Mapping.Format,
		Backup:     c.Mapping.Backup,
		BackupDir:  c.Mapping.BackupDir,
		MaxBackups: c.Mapping.MaxBackups,
		Config: mapping.GenerationConfig{
			AttributeName:   c.Tagging.AttributeName,
			Format:          c.Tagging.Format,
			HashLength:      c.Tagging.HashLength,
			IncludePosition: c.Tagging.IncludePosition,
			Prefix:          c.Tagging.Prefix,
			Suffix:          c.Tagging.Suffix,
		},
	}
}

// CacheConfig returns the cache bounds.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		MaxBytes:      c.Cache.MaxBytes,
		MaxEntries:    c.Cache.MaxEntries,
		DefaultTTL:    c.Cache.TTL,
		SweepInterval: c.Cache.SweepInterval,
	}
}

// PipelineOptions returns the pipeline options.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		PreserveExisting: c.Tagging.PreserveExisting,
		Include:          c.Pipeline.Include,
		Exclude:          c.Pipeline.Exclude,
		Workers:          c.Pipeline.Workers,
		CacheTTL:         c.Cache.TTL,
	}
}

// LoggerConfig returns the logger options. The level has been validated.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Log.Level); err == nil {
		cfg.Level = lvl
	}
	cfg.Format = c.Log.Format
	return cfg
}
