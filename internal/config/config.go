package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	// client
	APIURL       string        `mapstructure:"api_url"`
	SignalURL    string        `mapstructure:"signal_url"`
	IdentityFile string        `mapstructure:"identity_file"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RingTimeout  time.Duration `mapstructure:"ring_timeout"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	RecordDir    string        `mapstructure:"record_dir"`

	// relay
	OTPLimit  int           `mapstructure:"otp_limit"`
	OTPWindow time.Duration `mapstructure:"otp_window"`
	OTPTTL    time.Duration `mapstructure:"otp_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("signal_url", "ws://localhost:8080/ws")
	v.SetDefault("identity_file", defaultIdentityFile())
	v.SetDefault("read_limit", 65536)
	v.SetDefault("write_wait", "10s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("record_dir", "")
	v.SetDefault("otp_limit", 3)
	v.SetDefault("otp_window", "10m")
	v.SetDefault("otp_ttl", "5m")
}

func defaultIdentityFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".duet-identity.json"
	}
	return dir + "/duet/identity.json"
}

// Load reads config/config.<CONFIG_ENV>.yaml when present and overlays
// DUET_* environment variables. A missing file is not an error.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("duet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", cfg.PingPeriod, cfg.PongWait)
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("api", cfg.APIURL).Str("signal", cfg.SignalURL).Msg("config")
	return &cfg, nil
}

// Level maps log_level onto zerolog, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
