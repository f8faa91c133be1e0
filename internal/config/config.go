package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var ErrIdentityMissing = errors.New("identity.id is required")

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	Identity  Identity  `mapstructure:"identity"`
	Signaling Signaling `mapstructure:"signaling"`
	ICE       ICE       `mapstructure:"ice"`
	Media     Media     `mapstructure:"media"`
	Call      Call      `mapstructure:"call"`
	Playout   Playout   `mapstructure:"playout"`
}

type Identity struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type Signaling struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	PingPeriod        time.Duration `mapstructure:"ping_period"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

// ICE holds reflection and relay endpoints. An empty TURN server is valid.
type ICE struct {
	STUNServer     string   `mapstructure:"stun_server"`
	FallbackSTUN   []string `mapstructure:"fallback_stun"`
	TURNServer     string   `mapstructure:"turn_server"`
	TURNUsername   string   `mapstructure:"turn_username"`
	TURNCredential string   `mapstructure:"turn_credential"`
}

type Media struct {
	Driver string `mapstructure:"driver"`
}

type Call struct {
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	RedialLimit    int           `mapstructure:"redial_limit"`
	RedialInterval time.Duration `mapstructure:"redial_interval"`
}

type Playout struct {
	AudioAddr string `mapstructure:"audio_addr"`
	VideoAddr string `mapstructure:"video_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("identity.id", "")
	v.SetDefault("identity.name", "")

	v.SetDefault("signaling.url", "ws://localhost:5000/ws")
	v.SetDefault("signaling.token", "")
	v.SetDefault("signaling.read_limit", 32768)
	v.SetDefault("signaling.ping_period", "54s")
	v.SetDefault("signaling.reconnect_attempts", 10)
	v.SetDefault("signaling.reconnect_delay", "2s")
	v.SetDefault("signaling.send_buffer", 32)

	v.SetDefault("ice.stun_server", "stun:stun.l.google.com:19302")
	v.SetDefault("ice.fallback_stun", []string{
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	})
	v.SetDefault("ice.turn_server", "")
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_credential", "")

	v.SetDefault("media.driver", "device")

	v.SetDefault("call.ring_timeout", "60s")
	v.SetDefault("call.redial_limit", 5)
	v.SetDefault("call.redial_interval", "1m")

	v.SetDefault("playout.audio_addr", "")
	v.SetDefault("playout.video_addr", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults.
// CALL_* environment variables override both (CALL_ICE_TURN_SERVER -> ice.turn_server).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("identity", cfg.Identity.ID).
		Str("signaling", cfg.Signaling.URL).
		Str("media", cfg.Media.Driver).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.Identity.ID == "" {
		return ErrIdentityMissing
	}
	if c.Identity.Name == "" {
		c.Identity.Name = c.Identity.ID
	}
	if c.Secret == "" {
		c.Secret = uuid.NewString()
	}
	if c.Signaling.SendBuffer <= 0 {
		c.Signaling.SendBuffer = 32
	}
	switch c.Media.Driver {
	case "device", "synthetic":
	default:
		return fmt.Errorf("unknown media driver %q", c.Media.Driver)
	}
	return nil
}
