package dashboard

import (
	"testing"

	"zapflow/config"
	"zapflow/internal/session"
	"zapflow/logger"
)

type noSessions struct{}

func (noSessions) List() []*session.Session            { return nil }
func (noSessions) Get(string) (*session.Session, bool) { return nil, false }

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://13.200.112.203:8080":     "13.200.112.203:8080",
		"https://13.200.112.203":         "13.200.112.203:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerNormalizesConfiguredAddress(t *testing.T) {
	cfg := config.DashboardConfig{Enabled: true, Address: ":9000"}
	log := logger.Logger()

	srv, err := NewServer(cfg, log, noSessions{})
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected dashboard server, got nil")
	}
	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	srv.cleanup()
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, logger.Logger(), noSessions{})
	if err != nil || srv != nil {
		t.Fatalf("disabled dashboard: srv=%v err=%v", srv, err)
	}
	if srv.Address() != "" {
		t.Fatal("nil server should report an empty address")
	}
}

func TestNewServerRequiresSessions(t *testing.T) {
	if _, err := NewServer(config.DashboardConfig{Enabled: true}, logger.Logger(), nil); err == nil {
		t.Fatal("expected error without a session source")
	}
}
