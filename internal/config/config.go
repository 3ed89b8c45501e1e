// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads psrpcd settings from a YAML file with PSRPC_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/psrpc"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "PSRPC_"

// DefaultPaths are tried in order when no path is given.
var DefaultPaths = []string{
	"psrpc.yaml",
	"configs/psrpc.yaml",
}

type Config struct {
	Client  ClientConfig  `yaml:"client" envPrefix:"CLIENT_"`
	Gateway GatewayConfig `yaml:"gateway" envPrefix:"GATEWAY_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

type ClientConfig struct {
	Name              string        `yaml:"name" env:"NAME"`
	Address           string        `yaml:"address" env:"ADDRESS"`
	Host              string        `yaml:"host" env:"HOST"`
	Port              int           `yaml:"port" env:"PORT"`
	Transport         string        `yaml:"transport" env:"TRANSPORT"`
	Topic             string        `yaml:"topic" env:"TOPIC"`
	ReplyTopic        string        `yaml:"replyTopic" env:"REPLY_TOPIC"`
	ReplySubscription string        `yaml:"replySubscription" env:"REPLY_SUBSCRIPTION"`
	NoAck             bool          `yaml:"noAck" env:"NO_ACK"`
	AutoInit          bool          `yaml:"autoInit" env:"AUTO_INIT"`
	RequestTimeout    time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout" env:"HANDSHAKE_TIMEOUT"`
	Streaming         bool          `yaml:"streaming" env:"STREAMING"`
	MaxStreamMessages int           `yaml:"maxStreamMessages" env:"MAX_STREAM_MESSAGES"`
	Serializer        string        `yaml:"serializer" env:"SERIALIZER"`
	IDs               string        `yaml:"ids" env:"IDS"`
	RateLimit         float64       `yaml:"rateLimit" env:"RATE_LIMIT"`
	RateBurst         int           `yaml:"rateBurst" env:"RATE_BURST"`
}

type GatewayConfig struct {
	HTTPAddr       string        `yaml:"httpAddr" env:"HTTP_ADDR"`
	GRPCAddr       string        `yaml:"grpcAddr" env:"GRPC_ADDR"`
	CallTimeout    time.Duration `yaml:"callTimeout" env:"CALL_TIMEOUT"`
	HealthInterval time.Duration `yaml:"healthInterval" env:"HEALTH_INTERVAL"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

const (
	SerializerJSON    = "json"
	SerializerJSONRPC = "jsonrpc"

	IDsSequence = "sequence"
	IDsUUID     = "uuid"
)

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Client: ClientConfig{
			Name:             "psrpcd",
			Host:             "127.0.0.1",
			Port:             4000,
			Topic:            "psrpc.requests",
			ReplyTopic:       "psrpc.replies",
			RequestTimeout:   30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			Serializer:       SerializerJSON,
			IDs:              IDsSequence,
		},
		Gateway: GatewayConfig{
			HTTPAddr:       "127.0.0.1:8080",
			GRPCAddr:       "127.0.0.1:9090",
			CallTimeout:    30 * time.Second,
			HealthInterval: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path, or the first readable DefaultPaths entry when path is
// empty, then applies environment overrides. A missing default file is not
// an error; a missing explicit one is.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := DefaultPaths
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if path != "" {
				return Config{}, fmt.Errorf("read config %s: %w", p, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any PSRPC_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Client.Serializer = strings.ToLower(strings.TrimSpace(c.Client.Serializer))
	if c.Client.Serializer == "" {
		c.Client.Serializer = SerializerJSON
	}
	c.Client.IDs = strings.ToLower(strings.TrimSpace(c.Client.IDs))
	if c.Client.IDs == "" {
		c.Client.IDs = IDsSequence
	}
	c.Client.Transport = strings.ToLower(strings.TrimSpace(c.Client.Transport))
	if c.Client.Name == "" {
		c.Client.Name = "psrpcd"
	}
	if c.Client.RateLimit > 0 && c.Client.RateBurst <= 0 {
		c.Client.RateBurst = 1
	}
	if c.Gateway.HealthInterval <= 0 {
		c.Gateway.HealthInterval = 5 * time.Second
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Client.Serializer {
	case SerializerJSON, SerializerJSONRPC:
	default:
		errs = append(errs, fmt.Errorf("client.serializer: unknown serializer %q", c.Client.Serializer))
	}
	switch c.Client.IDs {
	case IDsSequence, IDsUUID:
	default:
		errs = append(errs, fmt.Errorf("client.ids: unknown generator %q", c.Client.IDs))
	}
	if c.Client.Transport != "" && !psrpc.HasTransport(c.Client.Transport) {
		errs = append(errs, fmt.Errorf("client.transport: unknown transport %q", c.Client.Transport))
	}
	if c.Client.RateLimit < 0 {
		errs = append(errs, errors.New("client.rateLimit must not be negative"))
	}
	if c.Gateway.CallTimeout < 0 {
		errs = append(errs, errors.New("gateway.callTimeout must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// PSRPC converts the client section into a psrpc.ClientConfig.
func (c ClientConfig) PSRPC() psrpc.ClientConfig {
	return psrpc.ClientConfig{
		Address:           c.Address,
		Host:              c.Host,
		Port:              c.Port,
		Transport:         c.Transport,
		Topic:             c.Topic,
		ReplyTopic:        c.ReplyTopic,
		ReplySubscription: c.ReplySubscription,
		NoAck:             c.NoAck,
		AutoInit:          c.AutoInit,
		RequestTimeout:    c.RequestTimeout,
		Streaming:         c.Streaming,
		MaxStreamMessages: c.MaxStreamMessages,
	}
}

// Options builds the client options implied by the client section.
func (c ClientConfig) Options(log *slog.Logger, reg prometheus.Registerer) []psrpc.Option {
	opts := []psrpc.Option{
		psrpc.WithName(c.Name),
		psrpc.WithLogger(log),
		psrpc.WithRegisterer(reg),
	}
	if c.Serializer == SerializerJSONRPC {
		opts = append(opts, psrpc.WithSerializer(psrpc.JSONRPCSerializer{}))
	}
	if c.IDs == IDsUUID {
		opts = append(opts, psrpc.WithIDGenerator(psrpc.UUIDGenerator{}))
	}
	if c.RateLimit > 0 {
		opts = append(opts, psrpc.WithRateLimit(c.RateLimit, c.RateBurst))
	}
	if c.HandshakeTimeout > 0 {
		opts = append(opts, psrpc.WithDialOptions(psrpc.WithHandshakeTimeout(c.HandshakeTimeout)))
	}
	return opts
}

// Logger builds the process logger.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}
