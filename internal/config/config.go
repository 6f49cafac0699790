package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	AdminAddress        string        `mapstructure:"admin_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	TLS                 TLSConfig     `mapstructure:"tls"`
	Session             SessionConfig `mapstructure:"session"`
	Transport           WSConfig      `mapstructure:"transport"`
}

// TLSConfig holds the optional certificate pair for wss:// listeners.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// SessionConfig bounds pairing state capacity and retention.
type SessionConfig struct {
	MaxPeersPerRoom     int           `mapstructure:"max_peers_per_room"`
	MaxDevicesPerServer int           `mapstructure:"max_devices_per_server"`
	RoomExpiry          time.Duration `mapstructure:"room_expiry"`
	CleanupThreshold    time.Duration `mapstructure:"cleanup_threshold"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	TrustTimeout        time.Duration `mapstructure:"trust_timeout"`
}

// WSConfig tunes the websocket transport.
type WSConfig struct {
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultMaxPeers            = 8
	defaultRoomExpiry          = 24 * time.Hour
	defaultCleanupThreshold    = 24 * time.Hour
	defaultSweepInterval       = time.Minute
	defaultTrustTimeout        = 30 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultMaxMessageSize      = 1 << 20
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with AUDIIO_ and can
// override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIIO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("admin_address", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("session.max_peers_per_room", defaultMaxPeers)
	v.SetDefault("session.max_devices_per_server", defaultMaxPeers)
	v.SetDefault("session.room_expiry", defaultRoomExpiry.String())
	v.SetDefault("session.cleanup_threshold", defaultCleanupThreshold.String())
	v.SetDefault("session.sweep_interval", defaultSweepInterval.String())
	v.SetDefault("session.trust_timeout", defaultTrustTimeout.String())
	v.SetDefault("transport.write_timeout", defaultWriteTimeout.String())
	v.SetDefault("transport.max_message_size", defaultMaxMessageSize)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"session.room_expiry", &cfg.Session.RoomExpiry},
		{"session.cleanup_threshold", &cfg.Session.CleanupThreshold},
		{"session.sweep_interval", &cfg.Session.SweepInterval},
		{"session.trust_timeout", &cfg.Session.TrustTimeout},
		{"transport.write_timeout", &cfg.Transport.WriteTimeout},
	}
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	if err := cfg.TLS.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether a TLS pair was configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

// validate requires the pair to be complete and readable. Broken TLS
// material aborts process start; there is no partial TLS mode.
func (t TLSConfig) validate() error {
	if !t.Enabled() {
		return nil
	}
	if t.CertFile == "" || t.KeyFile == "" {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	for _, f := range []string{t.CertFile, t.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("tls material %s: %w", f, err)
		}
	}
	return nil
}
