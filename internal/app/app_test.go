package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/config"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

const (
	testSecret   = "app-test-secret"
	testAdminKey = "app-test-admin-key"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.DBPath = filepath.Join(t.TempDir(), "db")
	cfg.Security.JWTSecret = testSecret
	cfg.Security.AdminKeys = []string{testAdminKey}
	cfg.Security.RateLimit.RPS = 200
	cfg.Security.RateLimit.Burst = 400
	cfg.ApplyDefaults()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, "defaults", "test", "none", "unknown")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func get(t *testing.T, srv *httptest.Server, path, bearer string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func TestValidateConfig(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certFile, []byte("cert"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, []byte("key"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	base := func() *config.Config {
		cfg := &config.Config{}
		cfg.Server.DBPath = filepath.Join(dir, "db")
		cfg.Security.JWTSecret = testSecret
		cfg.ApplyDefaults()
		return cfg
	}

	if err := validateConfig(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg := base()
	cfg.Server.DBPath = ""
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for empty db path")
	}

	cfg = base()
	cfg.Server.TLS.CertFile = certFile
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for cert without key")
	}

	cfg = base()
	cfg.Server.TLS.CertFile = certFile
	cfg.Server.TLS.KeyFile = keyFile
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("cert+key pair rejected: %v", err)
	}

	cfg = base()
	cfg.Server.TLS.CertFile = filepath.Join(dir, "missing.crt")
	cfg.Server.TLS.KeyFile = keyFile
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for missing cert file")
	}

	cfg = base()
	cfg.Security.RateLimit.RPS = -1
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for negative rps")
	}
}

func TestValidateConfigRequiresSecretInProduction(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	cfg := &config.Config{}
	cfg.Server.DBPath = filepath.Join(t.TempDir(), "db")
	cfg.ApplyDefaults()
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("expected error for empty secret in production")
	}
	cfg.Security.JWTSecret = "prod-secret"
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("production config with secret rejected: %v", err)
	}
}

func TestNewAppliesDevSecretFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.JWTSecret = ""
	newTestApp(t, cfg)
	if got := config.JWTSecret(); got != "chatrelay-dev-secret" {
		t.Fatalf("dev fallback not applied, secret=%q", got)
	}
}

func TestAppServesCoreEndpoints(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	resp, _ := get(t, srv, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	resp, _ = get(t, srv, "/readyz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}

	resp, body := get(t, srv, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status status = %d", resp.StatusCode)
	}
	var st struct {
		Status string `json:"status"`
		Time   string `json:"time"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if st.Status != "ok" || st.Time == "" {
		t.Fatalf("unexpected status payload: %+v", st)
	}

	resp, _ = get(t, srv, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

func TestAppHistoryRequiresCredential(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	m := models.Message{ID: "m1", Author: "u1", Username: "ann", Text: "hi", CreatedAt: time.Now().UnixMilli()}
	if err := store.SaveMessage(m); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	resp, _ := get(t, srv, "/api/messages", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated history status = %d", resp.StatusCode)
	}

	tok, err := auth.MintToken(models.Identity{ID: "u1", Username: "ann"}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	resp, body := get(t, srv, "/api/messages", tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d body=%s", resp.StatusCode, body)
	}
	var page struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("history body: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "m1" {
		t.Fatalf("unexpected history page: %+v", page.Messages)
	}
}

func TestAppStatsRequiresAdmin(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	resp, _ := get(t, srv, "/stats", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated stats status = %d", resp.StatusCode)
	}

	resp, body := get(t, srv, "/stats", testAdminKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin stats status = %d body=%s", resp.StatusCode, body)
	}
	var stats map[string]json.RawMessage
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("stats body: %v", err)
	}
	for _, k := range []string{"store", "gateway", "runtime"} {
		if _, ok := stats[k]; !ok {
			t.Fatalf("stats missing %q section: %s", k, body)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if a.state != "stopped" {
		t.Fatalf("state = %q, want stopped", a.state)
	}
}
