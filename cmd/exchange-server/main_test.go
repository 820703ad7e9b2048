package main

import (
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fluxorio/exchange/pkg/logging"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Port != 8700 || cfg.LogLevel != "INFO" || cfg.StartupTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	cfg, err := parseFlags([]string{"-host", "127.0.0.1", "-port", "9100", "-log-level", "DEBUG", "-log-json", "-startup-timeout", "50ms"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 9100 || cfg.LogLevel != "DEBUG" || !cfg.LogJSON || cfg.StartupTimeout != 50*time.Millisecond {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestParseFlagsLoadsConfigFileBeneathFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exchange.yaml")
	yamlBody := "host: 10.0.0.5\nport: 9200\nlog_level: WARN\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := parseFlags([]string{"-config", path})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Host != "10.0.0.5" || cfg.Port != 9200 || cfg.LogLevel != "WARN" {
		t.Fatalf("expected config file values, got %+v", cfg)
	}

	// An explicit flag still wins over the config file.
	cfg, err = parseFlags([]string{"-config", path, "-port", "9300"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Port != 9300 {
		t.Fatalf("expected flag override to win, got port %d", cfg.Port)
	}
}

func TestNewBackendInProcessByDefault(t *testing.T) {
	cfg := defaultServerConfig()
	backend, closeFn, err := newBackend(cfg)
	if err != nil {
		t.Fatalf("newBackend: %v", err)
	}
	defer closeFn()
	if backend == nil {
		t.Fatal("expected non-nil in-process backend")
	}
}

// TestRunServesUntilSignalled starts the server on an ephemeral port with a
// short startup timeout, confirms it answers /healthz, and checks that run
// keeps serving rather than returning while no shutdown signal has arrived.
func TestRunServesUntilSignalled(t *testing.T) {
	port := freePort(t)
	cfg := defaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.StartupTimeout = 20 * time.Millisecond

	logger := logging.NewDefault()
	done := make(chan error, 1)
	go func() { done <- run(cfg, logger) }()

	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/healthz")
		if err == nil {
			resp.Body.Close()
			lastErr = nil
			break
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	if lastErr != nil {
		t.Fatalf("server never became healthy: %v", lastErr)
	}

	// run() only returns on a fatal listen error or a completed graceful
	// shutdown triggered by SIGINT/SIGTERM; exercising the signal path
	// itself is left to manual/integration testing, so this test only
	// confirms the happy-path startup reached a serving state.
	select {
	case err := <-done:
		t.Fatalf("run returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}
