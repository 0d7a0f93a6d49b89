package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"filexfer/internal/transport"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

const (
	TransportUDP    = "udp"
	TransportWebRTC = "webrtc"
)

var (
	ErrInvalidAddr                = errors.New("service address must have a valid IP and a port between 1 and 65535")
	ErrInvalidTransport           = errors.New("transport must be udp or webrtc")
	ErrInvalidStorageDir          = errors.New("storage directory must be set")
	ErrInvalidChunkSize           = fmt.Errorf("chunk size must be between 1 and %d bytes, the largest chunk payload one message carries", transport.MaxPayload)
	ErrInvalidTimeout             = errors.New("protocol timeouts must be greater than 0")
	ErrInvalidRetries             = errors.New("max retries must be greater than 0")
	ErrInvalidSendRate            = errors.New("send rate must not be negative")
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
)

// Config holds all application configuration
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	WebRTC   WebRTCConfig   `mapstructure:"webrtc"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServiceConfig is the endpoint the service binds to and clients dial.
type ServiceConfig struct {
	Addr      AddrConfig `mapstructure:"addr"`
	Transport string     `mapstructure:"transport"`
}

type AddrConfig struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`
}

// StorageConfig controls the local chunk store
type StorageConfig struct {
	Dir          string `mapstructure:"dir"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	MinFreeBytes uint64 `mapstructure:"min_free_bytes"`
}

// ProtocolConfig holds retry and pacing knobs of the transfer engine
type ProtocolConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	ReceiveTimeout  time.Duration `mapstructure:"receive_timeout"`
	SendRate        float64       `mapstructure:"send_rate"` // chunks per second, 0 = unlimited
}

// WebRTCConfig holds WebRTC-specific configuration
type WebRTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
	Label      string   `mapstructure:"label"`
}

// FirebaseConfig holds Firebase client configuration used for SDP signalling
type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatabaseURL     string `mapstructure:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Addr: AddrConfig{
				IP:   "127.0.0.1",
				Port: 7000,
			},
			Transport: TransportUDP,
		},
		Storage: StorageConfig{
			Dir:       "storage",
			ChunkSize: 4096,
		},
		Protocol: ProtocolConfig{
			Timeout:         time.Second,
			MaxRetries:      10,
			TransferTimeout: 5 * time.Minute,
			ReceiveTimeout:  time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
			Label:      "filexfer",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load overlays the values known to v on top of the defaults and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if net.ParseIP(c.Service.Addr.IP) == nil || c.Service.Addr.Port <= 0 || c.Service.Addr.Port > 65535 {
		return ErrInvalidAddr
	}
	if c.Service.Transport != TransportUDP && c.Service.Transport != TransportWebRTC {
		return ErrInvalidTransport
	}
	if c.Storage.Dir == "" {
		return ErrInvalidStorageDir
	}
	if c.Storage.ChunkSize <= 0 || c.Storage.ChunkSize > transport.MaxPayload {
		return ErrInvalidChunkSize
	}
	if c.Protocol.Timeout <= 0 || c.Protocol.TransferTimeout <= 0 || c.Protocol.ReceiveTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Protocol.MaxRetries <= 0 {
		return ErrInvalidRetries
	}
	if c.Protocol.SendRate < 0 {
		return ErrInvalidSendRate
	}
	if c.Service.Transport == TransportWebRTC {
		if c.Firebase.CredentialsPath == "" {
			return ErrInvalidFirebaseConfig
		}
		if c.Firebase.DatabaseURL == "" {
			return ErrInvalidFirebaseDatabaseURL
		}
	}
	return nil
}

// ServiceAddr returns the host:port the service listens on
func (c *Config) ServiceAddr() string {
	return net.JoinHostPort(c.Service.Addr.IP, strconv.Itoa(c.Service.Addr.Port))
}

// ICEServers converts the configured URLs into pion ICE servers
func (c *Config) ICEServers() []webrtc.ICEServer {
	if len(c.WebRTC.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.WebRTC.ICEServers}}
}
