package logging

import (
	"net/http/httptest"
	"testing"
)

func TestSafeHeadersRedactsCredentials(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/messages", nil)
	r.Header.Set("Authorization", "Bearer secret-token")
	r.Header.Set("X-Api-Key", "admin-key")
	r.Header.Set("Cookie", "session=abc")
	r.Header.Set("User-Agent", "relayctl/1.0")

	h := SafeHeaders(r)
	if h["Authorization"] != "<redacted>" {
		t.Fatalf("Authorization not redacted: %q", h["Authorization"])
	}
	if h["X-Api-Key"] != "<redacted>" {
		t.Fatalf("X-Api-Key not redacted: %q", h["X-Api-Key"])
	}
	if h["Cookie"] != "<redacted>" {
		t.Fatalf("Cookie not redacted: %q", h["Cookie"])
	}
	if h["User-Agent"] != "relayctl/1.0" {
		t.Fatalf("benign header mangled: %q", h["User-Agent"])
	}
}

func TestSafeQueryRedactsToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc123&v=2", nil)
	q := SafeQuery(r)
	if q != "token=%3Credacted%3E&v=2" {
		t.Fatalf("unexpected query: %q", q)
	}

	r = httptest.NewRequest("GET", "/ws?v=2", nil)
	if q := SafeQuery(r); q != "v=2" {
		t.Fatalf("tokenless query mangled: %q", q)
	}
}
