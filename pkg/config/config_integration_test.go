// Integration test exercising config from outside the package, mirroring how
// cmd/exchange-server loads its serverConfig.
package config_test

import (
	"os"
	"testing"

	"github.com/fluxorio/exchange/pkg/config"
)

func TestConfigWithEnvOverrides(t *testing.T) {
	yamlContent := `
host: "0.0.0.0"
port: 8080
log_level: "INFO"
redis_namespace: "exchange"
`
	tmpFile := "test_config.yaml"
	if err := os.WriteFile(tmpFile, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile)

	os.Setenv("EXCHANGE_PORT", "9090")
	os.Setenv("EXCHANGE_REDISNAMESPACE", "exchange-staging")
	defer os.Unsetenv("EXCHANGE_PORT")
	defer os.Unsetenv("EXCHANGE_REDISNAMESPACE")

	type testServerConfig struct {
		Host           string `yaml:"host" json:"host"`
		Port           int    `yaml:"port" json:"port"`
		LogLevel       string `yaml:"log_level" json:"log_level"`
		RedisNamespace string `yaml:"redis_namespace" json:"redis_namespace"`
	}

	var cfg testServerConfig
	if err := config.LoadWithEnv(tmpFile, "EXCHANGE", &cfg); err != nil {
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
