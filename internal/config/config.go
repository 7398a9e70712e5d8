package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "VOIPROUTER_"

type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Role string `yaml:"role"`
}

type DBConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type LookupConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`
}

type RecordingConfig struct {
	// Path is the record_session target; switch variables are expanded
	// by the switch.
	Path string `yaml:"path"`
}

type ESLConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	Events         []string      `yaml:"events"`
}

type ValkeyConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	Channel  string        `yaml:"channel"`
	TTL      time.Duration `yaml:"ttl"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type Config struct {
	ListenAddr  string          `yaml:"listen_addr"`
	DB          DBConfig        `yaml:"db"`
	XMLCurlUser string          `yaml:"xmlcurl_basic_user"`
	XMLCurlPass string          `yaml:"xmlcurl_basic_pass"`
	APIKeys     []APIKey        `yaml:"api_keys"`
	Lookup      LookupConfig    `yaml:"lookup"`
	Recordings  RecordingConfig `yaml:"recordings"`
	ESL         ESLConfig       `yaml:"esl"`
	Valkey      ValkeyConfig    `yaml:"valkey"`
	Log         LogConfig       `yaml:"log"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// Load reads the YAML file at path, applies VOIPROUTER_* environment
// overrides (a .env file in the working directory is honoured) and fills
// in defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}

	if c.DB.MaxConns <= 0 {
		c.DB.MaxConns = 20
	}
	if c.DB.MinConns <= 0 {
		c.DB.MinConns = 5
	}
	if c.DB.MinConns > c.DB.MaxConns {
		c.DB.MinConns = c.DB.MaxConns
	}
	if c.DB.MaxConnLifetime <= 0 {
		c.DB.MaxConnLifetime = 30 * time.Minute
	}
	if c.DB.ConnectTimeout <= 0 {
		c.DB.ConnectTimeout = 10 * time.Second
	}

	if c.Lookup.Timeout <= 0 {
		c.Lookup.Timeout = 2 * time.Second
	}
	if c.Lookup.RetryTimeout <= 0 {
		c.Lookup.RetryTimeout = 500 * time.Millisecond
	}

	if c.ESL.Addr == "" {
		c.ESL.Addr = "127.0.0.1:8021"
	}
	if c.ESL.Password == "" {
		c.ESL.Password = "ClueCon"
	}
	if c.ESL.ConnectTimeout <= 0 {
		c.ESL.ConnectTimeout = 5 * time.Second
	}
	if c.ESL.IdleTimeout <= 0 {
		c.ESL.IdleTimeout = 60 * time.Second
	}
	if c.ESL.BackoffInitial <= 0 {
		c.ESL.BackoffInitial = time.Second
	}
	if c.ESL.BackoffMax <= 0 {
		c.ESL.BackoffMax = 60 * time.Second
	}

	if c.Valkey.Addr == "" {
		c.Valkey.Addr = "localhost:6379"
	}
	if c.Valkey.Key == "" {
		c.Valkey.Key = "voiprouter:registrations"
	}
	if c.Valkey.Channel == "" {
		c.Valkey.Channel = "voiprouter:registrations"
	}
	if c.Valkey.Interval <= 0 {
		c.Valkey.Interval = 2 * time.Second
	}
	if c.Valkey.TTL <= 0 {
		c.Valkey.TTL = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
}

// Validate rejects settings that cannot work at runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q: want json or text", c.Log.Format)
	}
	if c.ESL.BackoffMax < c.ESL.BackoffInitial {
		return fmt.Errorf("esl.backoff_max %s is below esl.backoff_initial %s", c.ESL.BackoffMax, c.ESL.BackoffInitial)
	}
	if (c.XMLCurlUser == "") != (c.XMLCurlPass == "") {
		return errors.New("xmlcurl_basic_user and xmlcurl_basic_pass must be set together")
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LISTEN_ADDR":        &c.ListenAddr,
		"DB_DSN":             &c.DB.DSN,
		"XMLCURL_BASIC_USER": &c.XMLCurlUser,
		"XMLCURL_BASIC_PASS": &c.XMLCurlPass,
		"RECORDING_PATH":     &c.Recordings.Path,
		"ESL_ADDR":           &c.ESL.Addr,
		"ESL_PASSWORD":       &c.ESL.Password,
		"VALKEY_ADDR":        &c.Valkey.Addr,
		"VALKEY_PASSWORD":    &c.Valkey.Password,
		"LOG_LEVEL":          &c.Log.Level,
		"LOG_FORMAT":         &c.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := lookupEnv(name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"LOOKUP_TIMEOUT":      &c.Lookup.Timeout,
		"ESL_CONNECT_TIMEOUT": &c.ESL.ConnectTimeout,
		"ESL_IDLE_TIMEOUT":    &c.ESL.IdleTimeout,
	}
	for name, dst := range durations {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"ESL_ENABLED":    &c.ESL.Enabled,
		"VALKEY_ENABLED": &c.Valkey.Enabled,
	}
	for name, dst := range bools {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
	}

	if v, ok := lookupEnv("VALKEY_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sVALKEY_DB: %w", envPrefix, err)
		}
		c.Valkey.DB = n
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// APIKeyRole returns the role bound to key.
func (c *Config) APIKeyRole(key string) (string, bool) {
	for _, k := range c.APIKeys {
		if k.Key != "" && k.Key == key {
			return k.Role, true
		}
	}
	return "", false
}

// SlogHandler returns a handler with the configured format and level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
