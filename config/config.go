// Package config loads the YAML configuration of a process embedding the
// engine and maps it onto endpoint, server and client options.
//
//	codec: json
//	framing: header
//	default_timeout: 5s
//	max_concurrent_handlers: 64
//	log_level: info
//	server:
//	  listen: ":9090"
//	  advertise: "127.0.0.1:9090"
//	registry:
//	  endpoints: ["127.0.0.1:2379"]
//	client:
//	  balancer: round_robin
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mini-jsonrpc/client"
	"mini-jsonrpc/codec"
	"mini-jsonrpc/endpoint"
	"mini-jsonrpc/loadbalance"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/protocol"
	"mini-jsonrpc/registry"
	"mini-jsonrpc/server"
)

type Config struct {
	Codec                 string        `yaml:"codec"`
	Framing               string        `yaml:"framing,omitempty"`
	DefaultTimeout        time.Duration `yaml:"default_timeout,omitempty"`
	MaxConcurrentHandlers int           `yaml:"max_concurrent_handlers,omitempty"`
	MaxMessageSize        int           `yaml:"max_message_size"`
	KeepAlive             time.Duration `yaml:"keep_alive,omitempty"`
	LogLevel              string        `yaml:"log_level"`

	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Client   ClientConfig   `yaml:"client"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	Advertise       string        `yaml:"advertise,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Weight          int           `yaml:"weight"`
	Version         string        `yaml:"version,omitempty"`
}

// RegistryConfig selects etcd when Endpoints is set, an in-process registry otherwise.
type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints,omitempty"`
	TTL       int64    `yaml:"ttl"` // seconds
}

type ClientConfig struct {
	PoolSize       int           `yaml:"pool_size"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	Balancer       string        `yaml:"balancer"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		Codec:          "json",
		MaxMessageSize: protocol.DefaultMaxMessageSize,
		LogLevel:       "info",
		Server: ServerConfig{
			Listen:          ":9090",
			ShutdownTimeout: 5 * time.Second,
			Weight:          1,
		},
		Registry: RegistryConfig{
			TTL: 10,
		},
		Client: ClientConfig{
			PoolSize:       1,
			RetryBaseDelay: 50 * time.Millisecond,
			Balancer:       "round_robin",
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	ct, err := codec.ParseCodecType(c.Codec)
	if err != nil {
		return err
	}
	if c.Framing != "" {
		f, err := protocol.ParseFraming(c.Framing)
		if err != nil {
			return err
		}
		if ct != codec.CodecTypeJSON && !f.SelfDelimiting() {
			return errors.Errorf("framing %s cannot carry codec %s", f, ct)
		}
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if c.DefaultTimeout < 0 || c.KeepAlive < 0 || c.Server.ShutdownTimeout < 0 || c.Client.RetryBaseDelay < 0 {
		return errors.New("durations must not be negative")
	}
	if c.MaxConcurrentHandlers < 0 {
		return errors.New("max_concurrent_handlers must not be negative")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if c.Client.PoolSize <= 0 {
		return errors.New("client.pool_size must be positive")
	}
	if c.Client.MaxRetries < 0 {
		return errors.New("client.max_retries must not be negative")
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		return err
	}
	return nil
}

// EndpointOptions maps the engine settings onto endpoint options.
func (c *Config) EndpointOptions() ([]endpoint.Option, error) {
	ct, err := codec.ParseCodecType(c.Codec)
	if err != nil {
		return nil, err
	}
	opts := []endpoint.Option{
		endpoint.WithCodec(codec.GetCodec(ct)),
		endpoint.WithDefaultTimeout(c.DefaultTimeout),
		endpoint.WithMaxConcurrentHandlers(c.MaxConcurrentHandlers),
		endpoint.WithMaxMessageSize(c.MaxMessageSize),
		endpoint.WithKeepAlive(c.KeepAlive),
	}
	if c.Framing != "" {
		f, err := protocol.ParseFraming(c.Framing)
		if err != nil {
			return nil, err
		}
		opts = append(opts, endpoint.WithFraming(f))
	}
	return opts, nil
}

// framing returns the framing name endpoints built from c will use.
func (c *Config) framing() string {
	if c.Framing != "" {
		return c.Framing
	}
	if ct, _ := codec.ParseCodecType(c.Codec); ct != codec.CodecTypeJSON {
		return protocol.FramingBinary.String()
	}
	return protocol.FramingStream.String()
}

// Logger builds a production zap logger at the configured level.
func (c *Config) Logger() (logging.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log_level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	l, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logging.NewZap(l), nil
}

// ServerOptions returns the options of a server advertising the configured
// wire format.
func (c *Config) ServerOptions(logger logging.Logger) ([]server.Option, error) {
	eopts, err := c.EndpointOptions()
	if err != nil {
		return nil, err
	}
	ct, _ := codec.ParseCodecType(c.Codec)
	return []server.Option{
		server.WithLogger(logger),
		server.WithEndpointOptions(eopts...),
		server.WithRegistration(c.Registry.TTL, c.Server.Weight, c.Server.Version),
		server.WithWireFormat(ct.String(), c.framing()),
	}, nil
}

// ClientOptions returns the options of a client. The codec and framing come
// from the instances it discovers.
func (c *Config) ClientOptions(logger logging.Logger) []client.Option {
	return []client.Option{
		client.WithLogger(logger),
		client.WithPoolSize(c.Client.PoolSize),
		client.WithRetry(c.Client.MaxRetries, c.Client.RetryBaseDelay),
		client.WithEndpointOptions(
			endpoint.WithDefaultTimeout(c.DefaultTimeout),
			endpoint.WithMaxConcurrentHandlers(c.MaxConcurrentHandlers),
			endpoint.WithMaxMessageSize(c.MaxMessageSize),
			endpoint.WithKeepAlive(c.KeepAlive),
		),
	}
}

func (c *Config) Balancer() (loadbalance.Balancer, error) {
	return loadbalance.New(c.Client.Balancer)
}

// NewRegistry connects to etcd, or returns an in-process registry when no
// endpoints are configured.
func (c *Config) NewRegistry(logger logging.Logger) (registry.Registry, error) {
	if len(c.Registry.Endpoints) == 0 {
		return registry.NewMemoryRegistry(), nil
	}
	reg, err := registry.NewEtcdRegistry(c.Registry.Endpoints, logger)
	if err != nil {
		return nil, err
	}
	return reg, nil
}
