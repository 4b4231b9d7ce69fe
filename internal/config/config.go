package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
// Each binary reads the sections it needs.
type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	Relay  RelayConfig
	Signal SignalConfig
	Device DeviceConfig
}

// ServerConfig holds relay HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	RateLimit    int
	RateBurst    int
	// ServeSignaling mounts the LAN signaling relay at /signal.
	ServeSignaling bool
}

// RedisConfig holds Redis connection settings. An empty Addr keeps relay
// state in process memory.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// RelayConfig holds relay room settings.
type RelayConfig struct {
	RoomTTL time.Duration
}

// SignalConfig holds LAN signaling relay settings.
type SignalConfig struct {
	Addr          string
	SweepInterval time.Duration
	RateLimit     int
	RateBurst     int
}

// DeviceConfig holds settings for the device process.
type DeviceConfig struct {
	DataDir          string
	ReplicaID        string
	RelayURL         string
	SignalURL        string
	ICEServers       []string
	CrossTabInterval time.Duration
}

// Load reads configuration from environment variables.
// Defaults are suitable for running everything on one LAN.
func Load() (*Config, error) {
	readTimeout, err := getEnvDuration("DUET_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("DUET_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimit, err := getEnvInt("DUET_RATE_LIMIT", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateBurst, err := getEnvInt("DUET_RATE_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("DUET_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	roomTTL, err := getEnvDuration("DUET_ROOM_TTL", 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sweepInterval, err := getEnvDuration("DUET_SIGNAL_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	signalRateLimit, err := getEnvInt("DUET_SIGNAL_RATE_LIMIT", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	signalRateBurst, err := getEnvInt("DUET_SIGNAL_RATE_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	serveSignaling, err := getEnvBool("DUET_SERVE_SIGNALING", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	crossTabInterval, err := getEnvDuration("DUET_CROSSTAB_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:           getEnv("DUET_SERVER_ADDR", ":8080"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			CORSOrigins:    getEnvList("DUET_CORS_ORIGINS", []string{"*"}),
			RateLimit:      rateLimit,
			RateBurst:      rateBurst,
			ServeSignaling: serveSignaling,
		},
		Redis: RedisConfig{
			Addr:     getEnv("DUET_REDIS_ADDR", ""),
			Password: getEnv("DUET_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Relay: RelayConfig{
			RoomTTL: roomTTL,
		},
		Signal: SignalConfig{
			Addr:          getEnv("DUET_SIGNAL_ADDR", ":8787"),
			SweepInterval: sweepInterval,
			RateLimit:     signalRateLimit,
			RateBurst:     signalRateBurst,
		},
		Device: DeviceConfig{
			DataDir:          getEnv("DUET_DATA_DIR", ".duet"),
			ReplicaID:        getEnv("DUET_REPLICA_ID", ""),
			RelayURL:         getEnv("DUET_RELAY_URL", ""),
			SignalURL:        getEnv("DUET_SIGNAL_URL", ""),
			ICEServers:       getEnvList("DUET_ICE_SERVERS", nil),
			CrossTabInterval: crossTabInterval,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("DUET_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("DUET_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimit < 1 {
		return fmt.Errorf("DUET_RATE_LIMIT must be >= 1, got %d", c.Server.RateLimit)
	}
	if c.Server.RateBurst < 1 {
		return fmt.Errorf("DUET_RATE_BURST must be >= 1, got %d", c.Server.RateBurst)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("DUET_REDIS_DB must be >= 0, got %d", c.Redis.DB)
	}
	if c.Relay.RoomTTL < 0 {
		return fmt.Errorf("DUET_ROOM_TTL must not be negative, got %s", c.Relay.RoomTTL)
	}
	if c.Signal.SweepInterval <= 0 {
		return fmt.Errorf("DUET_SIGNAL_SWEEP_INTERVAL must be positive, got %s", c.Signal.SweepInterval)
	}
	if c.Signal.RateLimit < 1 {
		return fmt.Errorf("DUET_SIGNAL_RATE_LIMIT must be >= 1, got %d", c.Signal.RateLimit)
	}
	if c.Signal.RateBurst < 1 {
		return fmt.Errorf("DUET_SIGNAL_RATE_BURST must be >= 1, got %d", c.Signal.RateBurst)
	}
	if c.Device.CrossTabInterval <= 0 {
		return fmt.Errorf("DUET_CROSSTAB_INTERVAL must be positive, got %s", c.Device.CrossTabInterval)
	}
	if c.Device.DataDir == "" {
		return errors.New("DUET_DATA_DIR must not be empty")
	}
	if err := validateURL("DUET_RELAY_URL", c.Device.RelayURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("DUET_SIGNAL_URL", c.Device.SignalURL, "ws", "wss"); err != nil {
		return err
	}

	if c.Redis.Addr == "" {
		log.Debug().Msg("DUET_REDIS_ADDR unset; relay rooms are kept in memory")
	}

	return nil
}

// validateURL accepts an empty value or an absolute URL with one of schemes.
func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL, got %q", key, strings.Join(schemes, "/"), raw)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
