// Package config reads environment descriptions from YAML or JSON-with-comments
// files and turns them into a configured runtime.Environment.
//
// A file describes the loader tree, the bytecode cache and the environment
// switches:
//
//	async: false
//	cache_size: 400
//	autoescape_extensions: [html, xml]
//	loader:
//	  kind: choice
//	  loaders:
//	    - kind: filesystem
//	      paths: [templates]
//	    - kind: sql
//	      driver: sqlite
//	      dsn: templates.db
//	bytecode_cache:
//	  kind: redis
//	  url: redis://localhost:6379/0
//	  ttl: 1h
//
// Documents are decoded into a generic map first and then into Config with
// mapstructure, so YAML and JSON share field names and unknown keys are
// rejected.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Loader kinds understood by the default registry.
const (
	LoaderFileSystem = "filesystem"
	LoaderMap        = "map"
	LoaderPrefix     = "prefix"
	LoaderChoice     = "choice"
	LoaderSQL        = "sql"
	LoaderModule     = "module"
)

// Cache kinds understood by the default registry.
const (
	CacheMemory     = "memory"
	CacheFileSystem = "filesystem"
	CacheRedis      = "redis"
)

// Config describes one environment.
type Config struct {
	Async bool `mapstructure:"async"`
	// AutoReload defaults to true when unset.
	AutoReload *bool `mapstructure:"auto_reload"`
	// CacheSize defaults to runtime.DefaultCacheSize when unset.
	CacheSize *int `mapstructure:"cache_size"`

	Autoescape           bool     `mapstructure:"autoescape"`
	AutoescapeExtensions []string `mapstructure:"autoescape_extensions"`
	StrictUndefined      bool     `mapstructure:"strict_undefined"`
	RelativePaths        bool     `mapstructure:"relative_paths"`
	Sandbox              bool     `mapstructure:"sandbox"`

	TrimBlocks          bool `mapstructure:"trim_blocks"`
	LstripBlocks        bool `mapstructure:"lstrip_blocks"`
	KeepTrailingNewline bool `mapstructure:"keep_trailing_newline"`

	Globals map[string]interface{} `mapstructure:"globals"`

	Loader        LoaderConfig `mapstructure:"loader"`
	BytecodeCache *CacheConfig `mapstructure:"bytecode_cache"`
	Metrics       bool         `mapstructure:"metrics"`

	Log LogConfig `mapstructure:"log"`
}

// LoaderConfig describes one node of the loader tree. Which fields apply
// depends on Kind.
type LoaderConfig struct {
	Kind string `mapstructure:"kind"`

	// filesystem
	Paths       []string `mapstructure:"paths"`
	FollowLinks bool     `mapstructure:"follow_links"`

	// map
	Templates map[string]string `mapstructure:"templates"`

	// prefix
	Prefixes  map[string]LoaderConfig `mapstructure:"prefixes"`
	Delimiter string                  `mapstructure:"delimiter"`

	// choice
	Loaders []LoaderConfig `mapstructure:"loaders"`

	// sql
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	CreateSchema bool   `mapstructure:"create_schema"`

	// module
	Path string `mapstructure:"path"`
}

// CacheConfig describes the bytecode cache backend.
type CacheConfig struct {
	Kind string `mapstructure:"kind"`

	// filesystem
	Dir string `mapstructure:"dir"`

	// redis
	URL    string        `mapstructure:"url"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Source bool   `mapstructure:"source"`
}

// Default returns the configuration used when no file is given: a
// filesystem loader on the current directory and no bytecode cache.
func Default() *Config {
	return &Config{
		Loader: LoaderConfig{Kind: LoaderFileSystem, Paths: []string{"."}},
	}
}

// Load reads path. Files ending in .json or .jsonc may carry comments and
// trailing commas; everything else is parsed as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	format := "yaml"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		format = "json"
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format, "yaml" or "json".
func Parse(data []byte, format string) (*Config, error) {
	raw := map[string]interface{}{}
	switch format {
	case "json":
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	return Decode(raw)
}

// Decode maps a generic document onto Config, starting from Default.
func Decode(raw map[string]interface{}) (*Config, error) {
	cfg := Default()
	if _, ok := raw["loader"]; ok {
		cfg.Loader = LoaderConfig{}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			normalizeKeys,
		),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeKeys turns map[interface{}]interface{} values, which yaml emits
// for non-string keys, into string-keyed maps.
func normalizeKeys(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.Map || from.Key().Kind() == reflect.String {
		return data, nil
	}
	in, ok := data.(map[interface{}]interface{})
	if !ok {
		return data, nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[fmt.Sprint(k)] = v
	}
	return out, nil
}

// Validate checks kinds and the fields each kind requires.
func (c *Config) Validate() error {
	if c.CacheSize != nil && *c.CacheSize < -1 {
		return fmt.Errorf("cache_size must be -1 (unbounded) or larger, got %d", *c.CacheSize)
	}
	if c.Autoescape && len(c.AutoescapeExtensions) > 0 {
		return fmt.Errorf("autoescape and autoescape_extensions are mutually exclusive")
	}
	if err := c.Loader.validate("loader"); err != nil {
		return err
	}
	if c.BytecodeCache != nil {
		if err := c.BytecodeCache.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (l *LoaderConfig) validate(path string) error {
	switch l.Kind {
	case LoaderFileSystem:
		if len(l.Paths) == 0 {
			return fmt.Errorf("%s: filesystem loader needs paths", path)
		}
	case LoaderMap:
	case LoaderPrefix:
		if len(l.Prefixes) == 0 {
			return fmt.Errorf("%s: prefix loader needs prefixes", path)
		}
		for prefix, child := range l.Prefixes {
			if err := child.validate(path + ".prefixes." + prefix); err != nil {
				return err
			}
		}
	case LoaderChoice:
		if len(l.Loaders) == 0 {
			return fmt.Errorf("%s: choice loader needs loaders", path)
		}
		for i := range l.Loaders {
			if err := l.Loaders[i].validate(fmt.Sprintf("%s.loaders[%d]", path, i)); err != nil {
				return err
			}
		}
	case LoaderSQL:
		if l.DSN == "" {
			return fmt.Errorf("%s: sql loader needs a dsn", path)
		}
	case LoaderModule:
		if l.Path == "" {
			return fmt.Errorf("%s: module loader needs a path", path)
		}
	case "":
		return fmt.Errorf("%s: kind is required", path)
	}
	return nil
}

func (c *CacheConfig) validate() error {
	switch c.Kind {
	case CacheFileSystem:
		if c.Dir == "" {
			return fmt.Errorf("bytecode_cache: filesystem cache needs a dir")
		}
	case CacheRedis:
		if c.URL == "" {
			return fmt.Errorf("bytecode_cache: redis cache needs a url")
		}
	case "":
		return fmt.Errorf("bytecode_cache: kind is required")
	}
	if c.TTL < 0 {
		return fmt.Errorf("bytecode_cache: ttl must not be negative")
	}
	return nil
}
