package util

import (
	"os"
	"testing"
	"time"
)

func TestConfigConstants(t *testing.T) {
	if Name != "peertube-federation" {
		t.Errorf("Expected Name 'peertube-federation', got '%s'", Name)
	}

	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestParseConfDefaults(t *testing.T) {
	config, err := ParseConf(nil)
	if err != nil {
		t.Fatalf("ParseConf failed: %v", err)
	}

	f := config.Federation
	if f.Signature.ClockSkew != 30*time.Minute {
		t.Errorf("Expected clock skew 30m, got %s", f.Signature.ClockSkew)
	}
	if f.Signature.KeySize != 2048 {
		t.Errorf("Expected key size 2048, got %d", f.Signature.KeySize)
	}
	if f.RequestTimeout != 7*time.Second {
		t.Errorf("Expected request timeout 7s, got %s", f.RequestTimeout)
	}
	if f.BroadcastConcurrency != 30 {
		t.Errorf("Expected broadcast concurrency 30, got %d", f.BroadcastConcurrency)
	}

	expected := map[string]JobConfig{
		"broadcast": {Attempts: 1, Concurrency: 1, TTL: 10 * time.Minute},
		"unicast":   {Attempts: 1, Concurrency: 30, TTL: 10 * time.Minute},
		"fetch":     {Attempts: 2, Concurrency: 3, TTL: 10 * time.Hour},
		"follow":    {Attempts: 5, Concurrency: 1, TTL: 10 * time.Minute},
		"refresh":   {Attempts: 1, Concurrency: 1, TTL: 10 * time.Minute},
	}
	for name, want := range expected {
		if got := f.Jobs[name]; got != want {
			t.Errorf("Job %s: expected %+v, got %+v", name, want, got)
		}
	}

	r := f.Reputation
	if r.Bonus != 10 || r.Penalty != 10 || r.Base != 1000 || r.Max != 10000 {
		t.Errorf("Unexpected reputation defaults %+v", r)
	}
	if f.Contexts.Capacity != 10 {
		t.Errorf("Expected context cache capacity 10, got %d", f.Contexts.Capacity)
	}
}

func TestReadConfWithYaml(t *testing.T) {
	yamlContent := `
conf:
  host: 127.0.0.1
  httpPort: 9999
  domain: video.example.com
federation:
  requestTimeout: 3s
  jobs:
    follow: { attempts: 7, concurrency: 2, ttl: 1h }
`
	err := os.WriteFile("config.yaml", []byte(yamlContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	defer os.Remove("config.yaml")

	config, err := ReadConf()
	if err != nil {
		t.Fatalf("ReadConf failed: %v", err)
	}

	if config.Conf.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 9999 {
		t.Errorf("Expected HttpPort 9999, got %d", config.Conf.HttpPort)
	}
	if config.BaseURL() != "https://video.example.com" {
		t.Errorf("Unexpected base URL %s", config.BaseURL())
	}
	if config.Federation.RequestTimeout != 3*time.Second {
		t.Errorf("Expected request timeout 3s, got %s", config.Federation.RequestTimeout)
	}
	if got := config.Federation.Jobs["follow"]; got.Attempts != 7 || got.TTL != time.Hour {
		t.Errorf("Expected follow job override, got %+v", got)
	}
	// untouched keys keep their defaults
	if got := config.Federation.Jobs["fetch"]; got.Attempts != 2 {
		t.Errorf("Expected fetch default to survive, got %+v", got)
	}
}

func TestParseConfWithEnvOverrides(t *testing.T) {
	t.Setenv("PEERTUBE_HOST", "192.168.1.1")
	t.Setenv("PEERTUBE_HTTPPORT", "8080")
	t.Setenv("PEERTUBE_DOMAIN", "peertube.example.org")
	t.Setenv("PEERTUBE_AUTO_ACCEPT", "false")
	t.Setenv("PEERTUBE_KEY_SIZE", "4096")

	config, err := ParseConf(nil)
	if err != nil {
		t.Fatalf("ParseConf failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host '192.168.1.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080, got %d", config.Conf.HttpPort)
	}
	if config.Conf.Domain != "peertube.example.org" {
		t.Errorf("Expected Domain override, got '%s'", config.Conf.Domain)
	}
	if config.Federation.AutoAcceptFollowers {
		t.Error("Expected AutoAcceptFollowers to be false")
	}
	if config.Federation.Signature.KeySize != 4096 {
		t.Errorf("Expected key size 4096, got %d", config.Federation.Signature.KeySize)
	}
}

func TestParseConfInvalidPortEnv(t *testing.T) {
	t.Setenv("PEERTUBE_HTTPPORT", "invalid")

	if _, err := ParseConf(nil); err == nil {
		t.Error("Expected error for non-numeric port")
	}
}

func TestParseConfInvalidYaml(t *testing.T) {
	if _, err := ParseConf([]byte("conf: [unterminated")); err == nil {
		t.Error("Expected error for invalid yaml")
	}
}

func TestParseConfTestEnvironment(t *testing.T) {
	t.Setenv("PEERTUBE_ENV", EnvironmentTest)

	config, err := ParseConf(nil)
	if err != nil {
		t.Fatalf("ParseConf failed: %v", err)
	}

	if !config.IsTest() {
		t.Error("Expected test environment")
	}
	if config.Federation.Signature.KeySize != 1024 {
		t.Errorf("Expected test key size 1024, got %d", config.Federation.Signature.KeySize)
	}
	if config.Federation.Reputation.Base != 20 {
		t.Errorf("Expected test base score 20, got %d", config.Federation.Reputation.Base)
	}
	if config.Federation.Reputation.Interval != time.Second {
		t.Errorf("Expected test reputation interval 1s, got %s", config.Federation.Reputation.Interval)
	}
}

func TestValidateRejectsBadJobs(t *testing.T) {
	yamlContent := `
federation:
  jobs:
    unicast: { attempts: 0, concurrency: 30, ttl: 10m }
`
	if _, err := ParseConf([]byte(yamlContent)); err == nil {
		t.Error("Expected validation error for zero attempts")
	}
}

func TestValidateRejectsBaseAboveMax(t *testing.T) {
	yamlContent := `
federation:
  reputation:
    base: 20000
`
	if _, err := ParseConf([]byte(yamlContent)); err == nil {
		t.Error("Expected validation error for base above max")
	}
}
