// Package config loads the TOML file shared by proxyd and proxyctl and turns
// it into transport, server and client options.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"proxy-rmi/client"
	"proxy-rmi/codec"
	"proxy-rmi/middleware"
	"proxy-rmi/protocol"
	"proxy-rmi/server"
	"proxy-rmi/transport"
)

// Duration is a time.Duration written as a string ("250ms", "5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Network     string `toml:"network"`
	Address     string `toml:"address"`
	Codec       string `toml:"codec"`
	Compress    bool   `toml:"compress"`
	Verbose     bool   `toml:"verbose"`
	EvalEnabled bool   `toml:"eval_enabled"`

	Limits  Limits  `toml:"limits"`
	Invoke  Invoke  `toml:"invoke"`
	Client  Client  `toml:"client"`
	Metrics Metrics `toml:"metrics"`
}

type Limits struct {
	MaxFrameBytes uint32 `toml:"max_frame_bytes"`
}

// Invoke limits inbound requests. Zero values disable the limit.
type Invoke struct {
	Timeout       Duration `toml:"timeout"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

type Client struct {
	Retries    int      `toml:"retries"`
	RetryDelay Duration `toml:"retry_delay"`
}

// Metrics.Address is where proxyd serves /metrics; empty disables it.
type Metrics struct {
	Address string `toml:"address"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Network: "tcp",
		Address: "127.0.0.1:7420",
		Codec:   "binary",
		Limits:  Limits{MaxFrameBytes: protocol.DefaultMaxBodySize},
		Client: Client{
			Retries:    3,
			RetryDelay: Duration{100 * time.Millisecond},
		},
	}
}

// Load reads the TOML file at path over the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for TOML text.
func Parse(text string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.Network = strings.TrimSpace(c.Network)
	c.Address = strings.TrimSpace(c.Address)
	switch c.Network {
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: unsupported network %q (supported: tcp, unix)", c.Network)
	}
	if c.Address == "" {
		return fmt.Errorf("config: address is required")
	}
	if _, err := codec.ParseType(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Limits.MaxFrameBytes == 0 {
		c.Limits.MaxFrameBytes = protocol.DefaultMaxBodySize
	}
	if c.Invoke.RatePerSecond < 0 || c.Invoke.Burst < 0 {
		return fmt.Errorf("config: invoke rate and burst must not be negative")
	}
	if c.Invoke.RatePerSecond > 0 && c.Invoke.Burst == 0 {
		c.Invoke.Burst = 1
	}
	if c.Client.Retries < 0 {
		return fmt.Errorf("config: client retries must not be negative")
	}
	return nil
}

func (c Config) TransportOptions() transport.Options {
	ct, _ := codec.ParseType(c.Codec)
	return transport.Options{
		Codec:         ct,
		Compress:      c.Compress,
		Verbose:       c.Verbose,
		MaxFrameBytes: c.Limits.MaxFrameBytes,
	}
}

// Middlewares builds the inbound request chain: logging, then the timeout and
// rate limit when configured.
func (c Config) Middlewares() []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware()}
	if c.Invoke.Timeout.Duration > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(c.Invoke.Timeout.Duration))
	}
	if c.Invoke.RatePerSecond > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.Invoke.RatePerSecond, c.Invoke.Burst))
	}
	return mws
}

// ServerOptions leaves Evaluator unset; the caller supplies one.
func (c Config) ServerOptions() server.Options {
	return server.Options{
		Transport:   c.TransportOptions(),
		EvalEnabled: c.EvalEnabled,
	}
}

func (c Config) ClientOptions() client.Options {
	return client.Options{
		Transport:  c.TransportOptions(),
		Middleware: c.Middlewares(),
		Retries:    c.Client.Retries,
		RetryDelay: c.Client.RetryDelay.Duration,
	}
}
