package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	Secret         string        `mapstructure:"secret"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	SendQueue      int           `mapstructure:"send_queue"`
	Backpressure   string        `mapstructure:"backpressure"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ShutdownWait   time.Duration `mapstructure:"shutdown_timeout"`

	Auth   AuthConfig   `mapstructure:"auth"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Mirror MirrorConfig `mapstructure:"mirror"`
	Rooms  RoomsConfig  `mapstructure:"rooms"`
	RTC    RTCConfig    `mapstructure:"rtc"`
	SFU    SFUConfig    `mapstructure:"sfu"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// InvitePepper keys the invitation code hashes; empty reuses the JWT secret.
	InvitePepper string        `mapstructure:"invite_pepper"`
	InviteTTL    time.Duration `mapstructure:"invite_ttl"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MirrorConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RoomsConfig struct {
	MaxPublishers      int           `mapstructure:"max_publishers"`
	MaxSessions        int           `mapstructure:"max_sessions"`
	TTL                time.Duration `mapstructure:"ttl"`
	EmptyGrace         time.Duration `mapstructure:"empty_grace"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	JoinRateLimit      int           `mapstructure:"join_rate_limit"`
	JoinRateInterval   time.Duration `mapstructure:"join_rate_interval"`
	MaxEarlyCandidates int           `mapstructure:"max_early_candidates"`
}

type RTCConfig struct {
	ICEServers             []rtc.ICEServer `mapstructure:"ice_servers"`
	UDPPortMin             uint16          `mapstructure:"udp_port_min"`
	UDPPortMax             uint16          `mapstructure:"udp_port_max"`
	NAT1To1IPs             []string        `mapstructure:"nat_1to1_ips"`
	ICEDisconnectedTimeout time.Duration   `mapstructure:"ice_disconnected_timeout"`
	ICEFailedTimeout       time.Duration   `mapstructure:"ice_failed_timeout"`
	ICEKeepAlive           time.Duration   `mapstructure:"ice_keepalive"`
	GatherTimeout          time.Duration   `mapstructure:"gather_timeout"`
}

type SFUConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	DropPolicy  string        `mapstructure:"drop_policy"`
	PLIInterval time.Duration `mapstructure:"pli_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "change-me")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("send_queue", 64)
	v.SetDefault("backpressure", "kick")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.invite_pepper", "")
	v.SetDefault("auth.invite_ttl", "24h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mirror.workers", 4)
	v.SetDefault("mirror.queue_size", 1024)
	v.SetDefault("mirror.timeout", "2s")

	v.SetDefault("rooms.max_publishers", 4)
	v.SetDefault("rooms.max_sessions", 50)
	v.SetDefault("rooms.ttl", "2h")
	v.SetDefault("rooms.empty_grace", "30s")
	v.SetDefault("rooms.sweep_interval", "10s")
	v.SetDefault("rooms.idle_timeout", "90s")
	v.SetDefault("rooms.join_rate_limit", 10)
	v.SetDefault("rooms.join_rate_interval", "1m")
	v.SetDefault("rooms.max_early_candidates", 32)

	v.SetDefault("rtc.ice_servers", []map[string]any{{"urls": []string{"stun:stun.l.google.com:19302"}}})
	v.SetDefault("rtc.udp_port_min", 0)
	v.SetDefault("rtc.udp_port_max", 0)
	v.SetDefault("rtc.nat_1to1_ips", []string{})
	v.SetDefault("rtc.ice_disconnected_timeout", "5s")
	v.SetDefault("rtc.ice_failed_timeout", "15s")
	v.SetDefault("rtc.ice_keepalive", "2s")
	v.SetDefault("rtc.gather_timeout", "10s")

	v.SetDefault("sfu.queue_size", 128)
	v.SetDefault("sfu.drop_policy", "drop_oldest")
	v.SetDefault("sfu.pli_interval", "500ms")
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_DIR overrides the
// directory) on top of the defaults. MEET_ environment variables win over
// both, e.g. MEET_REDIS_ADDR for redis.addr.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	dir := os.Getenv("CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	fileName := filepath.Join(dir, fmt.Sprintf("config.%s.yaml", env))
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("MEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Bool("redis", cfg.Redis.Enabled).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Mode == "release" && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required in release mode"))
	}
	if c.Rooms.MaxPublishers <= 0 || c.Rooms.MaxSessions <= 0 || c.Rooms.TTL <= 0 {
		errs = append(errs, errors.New("rooms limits must be positive"))
	}
	if c.Rooms.SweepInterval <= 0 || c.Rooms.JoinRateInterval <= 0 {
		errs = append(errs, errors.New("rooms.sweep_interval and rooms.join_rate_interval must be positive"))
	}
	if c.PingPeriod >= c.PongWait {
		errs = append(errs, fmt.Errorf("ping_period %v must be shorter than pong_wait %v", c.PingPeriod, c.PongWait))
	}
	// a live socket is refreshed at least once per pong_wait; zero disables the check
	if c.Rooms.IdleTimeout != 0 && c.Rooms.IdleTimeout <= c.PongWait {
		errs = append(errs, fmt.Errorf("rooms.idle_timeout %v must exceed pong_wait %v", c.Rooms.IdleTimeout, c.PongWait))
	}
	if c.RTC.UDPPortMax < c.RTC.UDPPortMin {
		errs = append(errs, errors.New("rtc.udp_port_max below rtc.udp_port_min"))
	}
	switch c.Backpressure {
	case "kick", "drop":
	default:
		errs = append(errs, fmt.Errorf("unknown backpressure policy %q", c.Backpressure))
	}
	return errors.Join(errs...)
}
