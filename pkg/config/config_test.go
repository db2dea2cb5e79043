package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := `
server:
  address: 127.0.0.1
  port: 9090
  db_path: /tmp/relay-db
security:
  jwt_secret: file-secret
  token_ttl: 24h
  cors:
    allowed_origins: ["http://localhost:5173"]
gateway:
  read_limit: 16KB
  pong_wait: 30s
  limits:
    - event: sendMessage
      rps: 0.5
      burst: 2
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Fatalf("addr: %s", cfg.Addr())
	}
	if cfg.Security.JWTSecret != "file-secret" {
		t.Fatalf("secret: %q", cfg.Security.JWTSecret)
	}
	if cfg.Security.TokenTTL.Duration() != 24*time.Hour {
		t.Fatalf("ttl: %v", cfg.Security.TokenTTL.Duration())
	}
	if cfg.Gateway.ReadLimit.Int64() != 16*1000 && cfg.Gateway.ReadLimit.Int64() != 16*1024 {
		t.Fatalf("read limit: %d", cfg.Gateway.ReadLimit.Int64())
	}
	if len(cfg.Gateway.Limits) != 1 || cfg.Gateway.Limits[0].Burst != 2 {
		t.Fatalf("limits: %+v", cfg.Gateway.Limits)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "3001")
	t.Setenv("CLIENT_ORIGIN", "http://localhost:5173")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("CHATRELAY_ADMIN_KEYS", "k1, k2")

	cfg := &Config{}
	adminKeys, envUsed := LoadEnvOverrides(cfg)
	if !envUsed {
		t.Fatalf("expected envUsed")
	}
	if cfg.Server.Port != 3001 {
		t.Fatalf("port: %d", cfg.Server.Port)
	}
	if len(cfg.Security.CORS.AllowedOrigins) != 1 || cfg.Security.CORS.AllowedOrigins[0] != "http://localhost:5173" {
		t.Fatalf("origins: %v", cfg.Security.CORS.AllowedOrigins)
	}
	if cfg.Security.JWTSecret != "env-secret" {
		t.Fatalf("secret: %q", cfg.Security.JWTSecret)
	}
	if _, ok := adminKeys["k2"]; !ok {
		t.Fatalf("admin keys: %v", adminKeys)
	}
}

func TestEnvAddrWinsOverPort(t *testing.T) {
	t.Setenv("CHATRELAY_ADDR", "10.0.0.5:7000")
	t.Setenv("PORT", "3001")
	cfg := &Config{}
	if _, used := LoadEnvOverrides(cfg); !used {
		t.Fatalf("expected envUsed")
	}
	if cfg.Server.Address != "10.0.0.5" || cfg.Server.Port != 7000 {
		t.Fatalf("addr precedence: %s:%d", cfg.Server.Address, cfg.Server.Port)
	}
}

func TestPrecedenceEnvOverFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := "server:\n  port: 9090\n  db_path: /tmp/from-file\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PORT", "3001")

	cfg, _, envUsed, err := LoadEffective(p)
	if err != nil {
		t.Fatalf("load effective: %v", err)
	}
	if !envUsed {
		t.Fatalf("expected env contribution")
	}
	cfg.ApplyDefaults()
	if cfg.Server.Port != 3001 {
		t.Fatalf("env should beat file: port %d", cfg.Server.Port)
	}
	if cfg.Server.DBPath != "/tmp/from-file" {
		t.Fatalf("file value lost: %q", cfg.Server.DBPath)
	}
	if cfg.Gateway.SendBuffer != 64 {
		t.Fatalf("default not applied: send_buffer %d", cfg.Gateway.SendBuffer)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	if cfg.Server.Port != 8080 {
		t.Fatalf("port default: %d", cfg.Server.Port)
	}
	if cfg.Security.TokenTTL.Duration() != 7*24*time.Hour {
		t.Fatalf("ttl default: %v", cfg.Security.TokenTTL.Duration())
	}
	if len(cfg.Gateway.Limits) == 0 {
		t.Fatalf("expected default event limits")
	}
	seen := map[string]EventLimit{}
	for _, l := range cfg.Gateway.Limits {
		seen[l.Event] = l
	}
	if seen["toggleReaction"].RPS != 2 || seen["toggleReaction"].Burst != 10 {
		t.Fatalf("toggleReaction default: %+v", seen["toggleReaction"])
	}
	if seen["sendMessage"].RPS != 1 || seen["sendMessage"].Burst != 5 {
		t.Fatalf("sendMessage default: %+v", seen["sendMessage"])
	}
}

func TestRuntimeAccessors(t *testing.T) {
	SetRuntime(&RuntimeConfig{JWTSecret: "s", AdminKeys: map[string]struct{}{"adm": {}}})
	defer SetRuntime(nil)
	if JWTSecret() != "s" {
		t.Fatalf("runtime secret: %q", JWTSecret())
	}
	if !IsAdminKey("adm") || IsAdminKey("other") || IsAdminKey("") {
		t.Fatalf("admin key checks failed")
	}
	keys := AdminKeys()
	keys["mutated"] = struct{}{}
	if IsAdminKey("mutated") {
		t.Fatalf("AdminKeys must return a copy")
	}
}

func TestDescribeSources(t *testing.T) {
	if s := DescribeSources(nil, false, false); s != "defaults" {
		t.Fatalf("got %q", s)
	}
	if s := DescribeSources(map[string]bool{"addr": true}, true, true); s != "flags,config,env" {
		t.Fatalf("got %q", s)
	}
}
