package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	id "carbonledger/pkg/domain"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	JWTSigningKey   string
	ShutdownTimeout time.Duration
	DevFaucet       bool
}

// Ledger configures the state machine itself.
type Ledger struct {
	OracleInitializer id.Address
	TxTimeout         time.Duration
}

// Database selects the Postgres store. An empty URL keeps state in memory.
type Database struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig selects the Redis wallet book. An empty URL keeps wallets in memory.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka enables streaming committed events to a topic.
type Kafka struct {
	Brokers       []string
	EventsTopic   string
	RelayInterval time.Duration
}

// RateLimit bounds requests per caller per sliding window. Zero disables a class.
type RateLimit struct {
	Writes int
	Reads  int
	Window time.Duration
}

// Events configures in-process event delivery.
type Events struct {
	BufferSize int
}

type Config struct {
	LogLevel  string
	Server    Server
	Ledger    Ledger
	Database  Database
	Redis     RedisConfig
	Kafka     Kafka
	Events    Events
	RateLimit RateLimit
}

const devSigningKey = "dev-secret-key-change-in-production"

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := Config{
		LogLevel: strings.ToLower(getenv("LOG_LEVEL", "info")),
		Server: Server{
			Addr:            getenv("CARBON_ADDR", ":8080"),
			JWTSigningKey:   getenv("JWT_SIGNING_KEY", devSigningKey),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
			DevFaucet:       p.boolean("DEV_FAUCET", false),
		},
		Ledger: Ledger{
			TxTimeout: p.duration("TX_TIMEOUT", 5*time.Second),
		},
		Database: Database{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: p.integer("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns: p.integer("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     p.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:       splitList(os.Getenv("KAFKA_BROKERS")),
			EventsTopic:   getenv("KAFKA_EVENTS_TOPIC", "carbon.ledger.events"),
			RelayInterval: p.duration("KAFKA_RELAY_INTERVAL", 500*time.Millisecond),
		},
		Events: Events{
			BufferSize: p.integer("EVENT_BUFFER", 0),
		},
		RateLimit: RateLimit{
			Writes: p.integer("RATE_LIMIT_WRITES", 60),
			Reads:  p.integer("RATE_LIMIT_READS", 600),
			Window: p.duration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	initializer, err := id.ParseAddress(os.Getenv("ORACLE_INITIALIZER"))
	if err != nil {
		errs = append(errs, fmt.Errorf("ORACLE_INITIALIZER: %w", err))
	}
	cfg.Ledger.OracleInitializer = initializer

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL: unknown level %q", cfg.LogLevel))
	}
	if cfg.Ledger.TxTimeout <= 0 {
		errs = append(errs, errors.New("TX_TIMEOUT: must be positive"))
	}
	if cfg.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW: must be positive"))
	}
	if cfg.Events.BufferSize < 0 {
		errs = append(errs, errors.New("EVENT_BUFFER: cannot be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UsesDevSigningKey reports whether JWT_SIGNING_KEY was left at its default.
func (c Config) UsesDevSigningKey() bool {
	return c.Server.JWTSigningKey == devSigningKey
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every malformed variable so start-up reports them together.
type parser struct {
	errs *[]error
}

func (p parser) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p parser) integer(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p parser) boolean(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}
