// Tests for LoadYAML/LoadJSON/LoadWithEnv and the Validator helpers, shaped
// after cmd/exchange-server's serverConfig rather than a generic struct.
package config

import (
	"os"
	"testing"
)

type exchangeTestConfig struct {
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	LogLevel       string `yaml:"log_level" json:"log_level"`
	RedisNamespace string `yaml:"redis_namespace" json:"redis_namespace"`
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
host: "0.0.0.0"
port: 8080
log_level: "INFO"
redis_namespace: "exchange"
`
	tmpFile := createTempFile(t, "test.yaml", yamlContent)
	defer os.Remove(tmpFile)

	var cfg exchangeTestConfig
	if err := LoadYAML(tmpFile, &cfg); err != nil {
		t.Fatalf("LoadYAML failed: %v", err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %v, want 0.0.0.0", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %v, want 8080", cfg.Port)
	}
	if cfg.RedisNamespace != "exchange" {
		t.Errorf("RedisNamespace = %v, want exchange", cfg.RedisNamespace)
	}
}

func TestLoadJSON(t *testing.T) {
	jsonContent := `{
  "host": "0.0.0.0",
  "port": 8080,
  "log_level": "INFO",
  "redis_namespace": "exchange"
}`
	tmpFile := createTempFile(t, "test.json", jsonContent)
	defer os.Remove(tmpFile)

	var cfg exchangeTestConfig
	if err := LoadJSON(tmpFile, &cfg); err != nil {
		t.Fatalf("LoadJSON failed: %v", err)
	}

	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %v, want 0.0.0.0", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %v, want 8080", cfg.Port)
	}
}

func TestLoadWithEnv(t *testing.T) {
	yamlContent := `
host: "0.0.0.0"
port: 8080
log_level: "INFO"
redis_namespace: "exchange"
`
	tmpFile := createTempFile(t, "test.yaml", yamlContent)
	defer os.Remove(tmpFile)

	os.Setenv("EXCHANGE_PORT", "9090")
	os.Setenv("EXCHANGE_REDISNAMESPACE", "exchange-staging")
	defer os.Unsetenv("EXCHANGE_PORT")
	defer os.Unsetenv("EXCHANGE_REDISNAMESPACE")

	var cfg exchangeTestConfig
	if err := LoadWithEnv(tmpFile, "EXCHANGE", &cfg); err != nil {
		t.Fatalf("LoadWithEnv failed: %v", err)
	}

	// Environment variables should override file values
	if cfg.Port != 9090 {
		t.Errorf("Port = %v, want 9090", cfg.Port)
	}
	if cfg.RedisNamespace != "exchange-staging" {
		t.Errorf("RedisNamespace = %v, want exchange-staging", cfg.RedisNamespace)
	}
	// Host should remain from file (no env override)
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %v, want 0.0.0.0", cfg.Host)
	}
}

func TestRequiredFields(t *testing.T) {
	cfg := exchangeTestConfig{
		Host:           "",
		RedisNamespace: "exchange",
	}

	validator := RequiredFields("Host")
	if err := validator.Validate(&cfg); err == nil {
		t.Error("RequiredFields should fail for empty Host")
	}

	cfg.Host = "0.0.0.0"
	if err := validator.Validate(&cfg); err != nil {
		t.Errorf("RequiredFields should pass for valid config: %v", err)
	}
}

func TestRangeValidator(t *testing.T) {
	cfg := exchangeTestConfig{
		Host: "0.0.0.0",
		Port: 5,
	}

	validator := RangeValidator("Port", 1024, 65535)
	if err := validator.Validate(&cfg); err == nil {
		t.Error("RangeValidator should fail for value below minimum")
	}

	cfg.Port = 8080
	if err := validator.Validate(&cfg); err != nil {
		t.Errorf("RangeValidator should pass for value in range: %v", err)
	}
}

func createTempFile(t *testing.T, name, content string) string {
	tmpFile := name
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	return tmpFile
}
