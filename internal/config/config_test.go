package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filexfer/internal/transport"

	"github.com/spf13/viper"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"bad ip", func(c *Config) { c.Service.Addr.IP = "nope" }, ErrInvalidAddr},
		{"bad port", func(c *Config) { c.Service.Addr.Port = 70000 }, ErrInvalidAddr},
		{"bad transport", func(c *Config) { c.Service.Transport = "tcp" }, ErrInvalidTransport},
		{"no storage", func(c *Config) { c.Storage.Dir = "" }, ErrInvalidStorageDir},
		{"zero chunk", func(c *Config) { c.Storage.ChunkSize = 0 }, ErrInvalidChunkSize},
		{"huge chunk", func(c *Config) { c.Storage.ChunkSize = 70000 }, ErrInvalidChunkSize},
		{"chunk over message payload", func(c *Config) { c.Storage.ChunkSize = transport.MaxPayload + 1 }, ErrInvalidChunkSize},
		{"zero timeout", func(c *Config) { c.Protocol.Timeout = 0 }, ErrInvalidTimeout},
		{"zero retries", func(c *Config) { c.Protocol.MaxRetries = 0 }, ErrInvalidRetries},
		{"negative rate", func(c *Config) { c.Protocol.SendRate = -1 }, ErrInvalidSendRate},
		{"webrtc without firebase", func(c *Config) { c.Service.Transport = TransportWebRTC }, ErrInvalidFirebaseConfig},
		{"webrtc without db url", func(c *Config) {
			c.Service.Transport = TransportWebRTC
			c.Firebase.CredentialsPath = "creds.json"
		}, ErrInvalidFirebaseDatabaseURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestChunkSizeUpToMessagePayload(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Storage.ChunkSize = transport.MaxPayload
	if err := cfg.Validate(); err != nil {
		t.Fatalf("chunk size %d rejected: %v", transport.MaxPayload, err)
	}
}

func TestLoadFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filexfer.toml")
	contents := `
[service.addr]
ip = "0.0.0.0"
port = 7100

[storage]
dir = "/var/lib/filexfer"
chunk_size = 2048

[protocol]
timeout = "250ms"
max_retries = 4
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServiceAddr() != "0.0.0.0:7100" {
		t.Errorf("ServiceAddr = %q", cfg.ServiceAddr())
	}
	if cfg.Storage.Dir != "/var/lib/filexfer" || cfg.Storage.ChunkSize != 2048 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Protocol.Timeout != 250*time.Millisecond || cfg.Protocol.MaxRetries != 4 {
		t.Errorf("protocol = %+v", cfg.Protocol)
	}
	// untouched keys keep their defaults
	if cfg.Protocol.TransferTimeout != 5*time.Minute {
		t.Errorf("TransferTimeout = %v", cfg.Protocol.TransferTimeout)
	}
	if cfg.Service.Transport != TransportUDP {
		t.Errorf("Transport = %q", cfg.Service.Transport)
	}
}
