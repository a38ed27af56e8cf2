package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const prefix = "USERGATE_"

// Rate limiter modes.
const (
	RateLimitWindow = "window"
	RateLimitBucket = "bucket"
	RateLimitRedis  = "redis"
	RateLimitOff    = "off"
)

// Config holds process configuration loaded from USERGATE_* variables.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string

	// Tokens
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	BcryptCost    int

	// Rate limiting
	RateLimitMode   string
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ReapInterval time.Duration
	MaxBodyBytes int64

	// Comma-separated CIDRs or addresses whose X-Forwarded-For is believed.
	TrustedProxies string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file and then the environment.
func Load(files ...string) *Config {
	_ = godotenv.Load(files...) // a missing .env is fine
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() *Config {
	return &Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		GRPCAddr: getenv("GRPC_ADDR", ":9090"),
		PGDSN:    getenv("PG_DSN", ""),

		AccessSecret:  getenv("ACCESS_SECRET", ""),
		RefreshSecret: getenv("REFRESH_SECRET", ""),
		AccessTTL:     getdur("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:    getdur("REFRESH_TTL", 7*24*time.Hour),
		Issuer:        getenv("ISSUER", "usergate"),
		BcryptCost:    getint("BCRYPT_COST", 10),

		RateLimitMode:   strings.ToLower(getenv("RATE_LIMIT_MODE", RateLimitWindow)),
		RateLimitMax:    getint("RATE_LIMIT_MAX", 10),
		RateLimitWindow: getdur("RATE_LIMIT_WINDOW", 10*time.Second),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getint("REDIS_DB", 0),

		ReapInterval: getdur("REAP_INTERVAL", 10*time.Minute),
		MaxBodyBytes: int64(getint("MAX_BODY_BYTES", 1<<20)),

		TrustedProxies: getenv("TRUSTED_PROXIES", ""),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AccessSecret) == "" {
		errs = append(errs, errors.New(prefix+"ACCESS_SECRET is required"))
	}
	if strings.TrimSpace(c.RefreshSecret) == "" {
		errs = append(errs, errors.New(prefix+"REFRESH_SECRET is required"))
	}
	if c.AccessSecret != "" && c.AccessSecret == c.RefreshSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token ttls must be positive"))
	}
	if c.RefreshTTL > 0 && c.AccessTTL > c.RefreshTTL {
		errs = append(errs, errors.New("access ttl must not exceed refresh ttl"))
	}
	switch c.RateLimitMode {
	case RateLimitWindow, RateLimitBucket, RateLimitRedis, RateLimitOff:
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit mode %q", c.RateLimitMode))
	}
	if c.RateLimitMode != RateLimitOff && (c.RateLimitMax <= 0 || c.RateLimitWindow <= 0) {
		errs = append(errs, errors.New("rate limit max and window must be positive"))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("bcrypt cost %d out of range", c.BcryptCost))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(c.TrustedProxies, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("%sTRUSTED_PROXIES: %w", prefix, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("%sTRUSTED_PROXIES: %w", prefix, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(prefix + key)); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(prefix + key); v != "" {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			logrus.Warnf("invalid int for %s%s: %v, using default %d", prefix, key, err, def)
			return def
		}
		return i
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(prefix + key); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			logrus.Warnf("invalid duration for %s%s: %v, using default %v", prefix, key, err, def)
			return def
		}
		return d
	}
	return def
}
