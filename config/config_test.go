package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mini-jsonrpc/logging"
	"mini-jsonrpc/registry"
)

const sample = `
codec: msgpack
framing: header
default_timeout: 2s
max_concurrent_handlers: 8
keep_alive: 30s
log_level: debug
server:
  listen: "127.0.0.1:7000"
  advertise: "10.0.0.1:7000"
  shutdown_timeout: 3s
  weight: 5
registry:
  ttl: 20
client:
  pool_size: 4
  max_retries: 2
  retry_base_delay: 10ms
  balancer: consistent_hash
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Codec != "msgpack" || cfg.Framing != "header" {
		t.Fatalf("unexpected wire format %s/%s", cfg.Codec, cfg.Framing)
	}
	if cfg.DefaultTimeout != 2*time.Second || cfg.KeepAlive != 30*time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.DefaultTimeout, cfg.KeepAlive)
	}
	if cfg.Server.Advertise != "10.0.0.1:7000" || cfg.Server.ShutdownTimeout != 3*time.Second || cfg.Server.Weight != 5 {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Client.PoolSize != 4 || cfg.Client.MaxRetries != 2 || cfg.Client.RetryBaseDelay != 10*time.Millisecond {
		t.Fatalf("unexpected client config %+v", cfg.Client)
	}
	// 未出现的键保留默认值
	if cfg.MaxMessageSize != Default().MaxMessageSize {
		t.Fatalf("expect default max message size, got %d", cfg.MaxMessageSize)
	}
	if cfg.Registry.TTL != 20 {
		t.Fatalf("expect ttl 20, got %d", cfg.Registry.TTL)
	}

	bal, err := cfg.Balancer()
	if err != nil || bal.Name() != "ConsistentHash" {
		t.Fatalf("expect ConsistentHash, got %v (%v)", bal, err)
	}
	if framing := cfg.framing(); framing != "header" {
		t.Fatalf("expect header framing, got %s", framing)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Codec != "json" || cfg.Client.Balancer != "round_robin" {
		t.Fatalf("expect defaults, got %+v", cfg)
	}
	if framing := cfg.framing(); framing != "stream" {
		t.Fatalf("expect stream framing, got %s", framing)
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "codecs: json",
		"unknown codec":   "codec: xml",
		"binary on lines": "codec: msgpack\nframing: newline",
		"bad level":       "log_level: loud",
		"negative":        "default_timeout: -1s",
		"pool size":       "client:\n  pool_size: 0",
		"balancer":        "client:\n  balancer: random",
		"bad duration":    "keep_alive: soon",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expect error for %q", name, doc)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpc.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != "127.0.0.1:7000" {
		t.Fatalf("unexpected listen %q", cfg.Server.Listen)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expect read error, got %v", err)
	}
}

func TestOptions(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	eopts, err := cfg.EndpointOptions()
	if err != nil {
		t.Fatal(err)
	}
	if len(eopts) != 6 {
		t.Fatalf("expect 6 endpoint options, got %d", len(eopts))
	}
	sopts, err := cfg.ServerOptions(logging.Nop())
	if err != nil || len(sopts) != 4 {
		t.Fatalf("expect 4 server options, got %d (%v)", len(sopts), err)
	}
	if copts := cfg.ClientOptions(logging.Nop()); len(copts) != 4 {
		t.Fatalf("expect 4 client options, got %d", len(copts))
	}

	logger, err := cfg.Logger()
	if err != nil || logger == nil {
		t.Fatalf("expect logger, got %v", err)
	}

	reg, err := cfg.NewRegistry(logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	if _, ok := reg.(*registry.MemoryRegistry); !ok {
		t.Fatalf("expect in-process registry without endpoints, got %T", reg)
	}
}
