package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return path
}

func TestConfigConstants(t *testing.T) {
	if Name != "webstead" {
		t.Errorf("Expected Name 'webstead', got '%s'", Name)
	}

	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestReadConfWithYaml(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 8443
  baseDomain: example.com
  env: development
  actorCacheTTL: 2h
  deliveryConcurrency: 3
`)

	config, err := ReadConf(path)
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Source != path {
		t.Errorf("Expected Source %s, got %s", path, config.Source)
	}
	if config.Conf.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8443 {
		t.Errorf("Expected HttpPort 8443, got %d", config.Conf.HttpPort)
	}
	if config.Conf.BaseDomain != "example.com" {
		t.Errorf("Expected BaseDomain 'example.com', got '%s'", config.Conf.BaseDomain)
	}
	if config.Conf.ActorCacheTTL != 2*time.Hour {
		t.Errorf("Expected ActorCacheTTL 2h, got %s", config.Conf.ActorCacheTTL)
	}
	if config.Conf.DeliveryConcurrency != 3 {
		t.Errorf("Expected DeliveryConcurrency 3, got %d", config.Conf.DeliveryConcurrency)
	}
	if config.IsProduction() {
		t.Error("Expected development environment")
	}

	// Unset values are filled by ApplyDefaults
	if config.Conf.RetryBaseDelay != 30*time.Second {
		t.Errorf("Expected default RetryBaseDelay 30s, got %s", config.Conf.RetryBaseDelay)
	}
	if config.Conf.MaxBodyBytes != 1024*1024 {
		t.Errorf("Expected default MaxBodyBytes 1MiB, got %d", config.Conf.MaxBodyBytes)
	}
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: 9999
  baseDomain: example.com
  env: production
`)

	t.Setenv("WEBSTEAD_HOST", "192.168.1.1")
	t.Setenv("WEBSTEAD_HTTPPORT", "8080")
	t.Setenv("WEBSTEAD_BASEDOMAIN", "test.example.com")
	t.Setenv("WEBSTEAD_ENV", "development")
	t.Setenv("WEBSTEAD_DATABASE", "/tmp/other.db")
	t.Setenv("WEBSTEAD_SKIP_SIGNATURE_VERIFICATION", "true")

	config, err := ReadConf(path)
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1' from env, got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080 from env, got %d", config.Conf.HttpPort)
	}
	if config.Conf.BaseDomain != "test.example.com" {
		t.Errorf("Expected BaseDomain 'test.example.com' from env, got '%s'", config.Conf.BaseDomain)
	}
	if config.Conf.Database != "/tmp/other.db" {
		t.Errorf("Expected Database '/tmp/other.db' from env, got '%s'", config.Conf.Database)
	}
	if !config.SignatureVerificationDisabled() {
		t.Error("Expected signature verification to be disabled in development")
	}
}

func TestReadConfMissingFileUsesEmbedded(t *testing.T) {
	config, err := ReadConf(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Source != "embedded" {
		t.Errorf("Expected embedded source, got %s", config.Source)
	}
	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999, got %d", config.Conf.HttpPort)
	}
	if config.Conf.BaseDomain != "webstead.dev" {
		t.Errorf("Expected BaseDomain 'webstead.dev', got '%s'", config.Conf.BaseDomain)
	}
	if !config.IsProduction() {
		t.Error("Expected embedded config to default to production")
	}
}

func TestReadConfInvalidYaml(t *testing.T) {
	path := writeConfig(t, `
conf:
  host: 127.0.0.1
  httpPort: not_a_number
  invalid yaml structure
`)

	if _, err := ReadConf(path); err == nil {
		t.Error("Expected error when parsing invalid YAML")
	}
}

func TestReadConfInvalidPortEnv(t *testing.T) {
	path := writeConfig(t, "conf:\n  httpPort: 9999\n")
	t.Setenv("WEBSTEAD_HTTPPORT", "not_a_number")

	if _, err := ReadConf(path); err == nil {
		t.Error("Expected error for invalid WEBSTEAD_HTTPPORT")
	}
}

func TestSkipSignatureIgnoredInProduction(t *testing.T) {
	path := writeConfig(t, `
conf:
  env: production
  skipSignatureVerification: true
`)

	config, err := ReadConf(path)
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}
	if config.SignatureVerificationDisabled() {
		t.Error("Skip flag must be ignored in production")
	}
}

func TestApplyDefaults(t *testing.T) {
	config := &AppConfig{}
	config.ApplyDefaults()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HttpPort", config.Conf.HttpPort, 9999},
		{"BaseDomain", config.Conf.BaseDomain, "webstead.dev"},
		{"Env", config.Conf.Env, EnvProduction},
		{"Database", config.Conf.Database, "webstead.db"},
		{"ActorCacheTTL", config.Conf.ActorCacheTTL, 24 * time.Hour},
		{"FetchTimeout", config.Conf.FetchTimeout, 10 * time.Second},
		{"DeliveryInterval", config.Conf.DeliveryInterval, 10 * time.Second},
		{"DeliveryConcurrency", config.Conf.DeliveryConcurrency, 8},
		{"PublishInterval", config.Conf.PublishInterval, time.Minute},
		{"RateBurst", config.Conf.RateBurst, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}
