// Package config holds the tunables shared by both processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"greybridge/codec"
)

const (
	EnvApp               = "GREYBRIDGE_APP"
	EnvEtcd              = "GREYBRIDGE_ETCD"
	EnvCodec             = "GREYBRIDGE_CODEC"
	EnvInvocationTimeout = "GREYBRIDGE_INVOCATION_TIMEOUT"
	EnvIdleTimeout       = "GREYBRIDGE_IDLE_TIMEOUT"
)

type Config struct {
	App       string
	Listen    string
	Advertise string
	Codec     string
	Etcd      []string
	DiagAddr  string

	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	InvocationTimeout time.Duration
	IdlePollMin       time.Duration
	IdlePollMax       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	Heartbeat         time.Duration

	Workers           int
	RateLimit         float64
	RateBurst         int
	CompressThreshold int
	RegistryTTL       int64
}

func Default() Config {
	return Config{
		App:               "greybridge-app",
		Listen:            "127.0.0.1:0",
		Codec:             "binary",
		HandshakeTimeout:  10 * time.Second,
		IdleTimeout:       5 * time.Second,
		InvocationTimeout: 30 * time.Second,
		IdlePollMin:       2 * time.Millisecond,
		IdlePollMax:       50 * time.Millisecond,
		BackoffBase:       50 * time.Millisecond,
		BackoffMax:        time.Second,
		Heartbeat:         30 * time.Second,
		Workers:           8,
		RateBurst:         1,
		CompressThreshold: 4 << 10,
		RegistryTTL:       10,
	}
}

type fileConfig struct {
	App               string   `toml:"app"`
	Listen            string   `toml:"listen"`
	Advertise         string   `toml:"advertise"`
	Codec             string   `toml:"codec"`
	Etcd              []string `toml:"etcd"`
	DiagAddr          string   `toml:"diag_addr"`
	HandshakeTimeout  string   `toml:"handshake_timeout"`
	IdleTimeout       string   `toml:"idle_timeout"`
	InvocationTimeout string   `toml:"invocation_timeout"`
	IdlePollMin       string   `toml:"idle_poll_min"`
	IdlePollMax       string   `toml:"idle_poll_max"`
	BackoffBase       string   `toml:"backoff_base"`
	BackoffMax        string   `toml:"backoff_max"`
	Heartbeat         string   `toml:"heartbeat"`
	Workers           int      `toml:"workers"`
	RateLimit         float64  `toml:"rate_limit"`
	RateBurst         int      `toml:"rate_burst"`
	CompressThreshold int      `toml:"compress_threshold"`
	RegistryTTL       int64    `toml:"registry_ttl"`
}

// Load reads a TOML file over the defaults; keys absent from the file keep
// their default. An empty path skips the file. Environment overrides apply
// last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("app") {
		c.App = strings.TrimSpace(raw.App)
	}
	if meta.IsDefined("listen") {
		c.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("advertise") {
		c.Advertise = strings.TrimSpace(raw.Advertise)
	}
	if meta.IsDefined("codec") {
		c.Codec = strings.TrimSpace(raw.Codec)
	}
	if meta.IsDefined("etcd") {
		c.Etcd = normalizeList(raw.Etcd)
	}
	if meta.IsDefined("diag_addr") {
		c.DiagAddr = strings.TrimSpace(raw.DiagAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &c.HandshakeTimeout},
		{"idle_timeout", raw.IdleTimeout, &c.IdleTimeout},
		{"invocation_timeout", raw.InvocationTimeout, &c.InvocationTimeout},
		{"idle_poll_min", raw.IdlePollMin, &c.IdlePollMin},
		{"idle_poll_max", raw.IdlePollMax, &c.IdlePollMax},
		{"backoff_base", raw.BackoffBase, &c.BackoffBase},
		{"backoff_max", raw.BackoffMax, &c.BackoffMax},
		{"heartbeat", raw.Heartbeat, &c.Heartbeat},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("workers") {
		c.Workers = raw.Workers
	}
	if meta.IsDefined("rate_limit") {
		c.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		c.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("compress_threshold") {
		c.CompressThreshold = raw.CompressThreshold
	}
	if meta.IsDefined("registry_ttl") {
		c.RegistryTTL = raw.RegistryTTL
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvApp)); v != "" {
		c.App = v
	}
	if v := strings.TrimSpace(getenv(EnvEtcd)); v != "" {
		c.Etcd = normalizeList(strings.Split(v, ","))
	}
	if v := strings.TrimSpace(getenv(EnvCodec)); v != "" {
		c.Codec = v
	}
	for env, dst := range map[string]*time.Duration{
		EnvInvocationTimeout: &c.InvocationTimeout,
		EnvIdleTimeout:       &c.IdleTimeout,
	} {
		raw := strings.TrimSpace(getenv(env))
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", env, err)
		}
		*dst = d
	}
	return nil
}

// Validate rejects settings the runtime cannot honor.
func (c Config) Validate() error {
	var errs []error
	if c.App == "" {
		errs = append(errs, errors.New("app must not be empty"))
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout":  c.HandshakeTimeout,
		"idle_timeout":       c.IdleTimeout,
		"invocation_timeout": c.InvocationTimeout,
		"idle_poll_min":      c.IdlePollMin,
		"idle_poll_max":      c.IdlePollMax,
		"backoff_base":       c.BackoffBase,
		"backoff_max":        c.BackoffMax,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.IdlePollMax < c.IdlePollMin {
		errs = append(errs, fmt.Errorf("idle_poll_max %s below idle_poll_min %s", c.IdlePollMax, c.IdlePollMin))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff_max %s below backoff_base %s", c.BackoffMax, c.BackoffBase))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, fmt.Errorf("heartbeat must not be negative, got %s", c.Heartbeat))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %g", c.RateLimit))
	}
	if c.CompressThreshold < 0 {
		errs = append(errs, fmt.Errorf("compress_threshold must not be negative, got %d", c.CompressThreshold))
	}
	if c.RegistryTTL < 1 {
		errs = append(errs, fmt.Errorf("registry_ttl must be at least 1, got %d", c.RegistryTTL))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CodecType returns the parsed codec setting. Call Validate first.
func (c Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
