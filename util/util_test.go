package util

import (
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	version := GetVersion()

	if version == "" {
		t.Error("GetVersion should not return empty string")
	}

	if strings.Contains(version, "\n") {
		t.Error("GetVersion should trim whitespace")
	}
}

func TestGetNameAndVersion(t *testing.T) {
	result := GetNameAndVersion()

	if !strings.HasPrefix(result, Name+" / ") {
		t.Errorf("Expected prefix %q, got %q", Name+" / ", result)
	}
}

func TestPrettyPrint(t *testing.T) {
	data := map[string]interface{}{
		"type":  "Follow",
		"actor": "https://a.example/accounts/alice",
	}

	result := PrettyPrint(data)

	if !strings.Contains(result, "\"type\": \"Follow\"") {
		t.Errorf("PrettyPrint output missing field: %s", result)
	}
	if !strings.Contains(result, "\n") {
		t.Error("PrettyPrint should produce indented output")
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(true)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("Verbose logger should enable debug level")
	}

	quiet, err := NewLogger(false)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if quiet.Core().Enabled(-1) {
		t.Error("Default logger should not enable debug level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Error("OrNop should never return nil")
	}
}
