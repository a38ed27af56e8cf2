package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.AccessTTL != 15*time.Minute || cfg.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected ttl defaults: %v %v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.RateLimitMode != RateLimitWindow || cfg.RateLimitMax != 10 || cfg.RateLimitWindow != 10*time.Second {
		t.Fatalf("unexpected limiter defaults: %+v", cfg)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr %q", cfg.HTTPAddr)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("USERGATE_ACCESS_TTL", "5m")
	t.Setenv("USERGATE_RATE_LIMIT_MODE", "Redis")
	t.Setenv("USERGATE_RATE_LIMIT_MAX", "not-a-number")
	t.Setenv("USERGATE_REDIS_DB", "3")

	cfg := FromEnv()
	if cfg.AccessTTL != 5*time.Minute {
		t.Fatalf("expected 5m, got %v", cfg.AccessTTL)
	}
	if cfg.RateLimitMode != RateLimitRedis {
		t.Fatalf("mode must be lower-cased, got %q", cfg.RateLimitMode)
	}
	if cfg.RateLimitMax != 10 {
		t.Fatalf("invalid int must fall back to default, got %d", cfg.RateLimitMax)
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("expected redis db 3, got %d", cfg.RedisDB)
	}
}

func TestValidate(t *testing.T) {
	cfg := FromEnv()
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("missing secrets must fail validation")
	}
	if !strings.Contains(err.Error(), "ACCESS_SECRET") || !strings.Contains(err.Error(), "REFRESH_SECRET") {
		t.Fatalf("expected both secrets reported, got %v", err)
	}

	cfg.AccessSecret = "a"
	cfg.RefreshSecret = "a"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("expected distinct secret error, got %v", err)
	}

	cfg.RefreshSecret = "b"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.RateLimitMode = "burst"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown mode must fail")
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	t.Setenv("USERGATE_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7 ,, fd00::/8")
	cfg := FromEnv()
	got, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.7/32", "fd00::/8"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("prefix %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	cfg.AccessSecret, cfg.RefreshSecret = "a", "b"
	cfg.TrustedProxies = "10.0.0.0/33"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "TRUSTED_PROXIES") {
		t.Fatalf("expected trusted proxies error, got %v", err)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("USERGATE_ISSUER=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("USERGATE_ISSUER", "")
	os.Unsetenv("USERGATE_ISSUER")

	cfg := Load(path)
	if cfg.Issuer != "from-file" {
		t.Fatalf("expected issuer from .env, got %q", cfg.Issuer)
	}
}
