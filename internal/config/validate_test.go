package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestValidateTieredBadPortIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("port 0 should be fatal")
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.LLM.BaseURL = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredControlCharsInKeyIsFatal(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "key\x00with\x01control"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in api key should be fatal")
	}
}

func TestValidateTieredClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.Pool.MaxConnections = 0
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped value should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped max_connections")
	}
	if cfg.Pool.MaxConnections != 1 {
		t.Fatalf("MaxConnections = %d, want 1 (clamped)", cfg.Pool.MaxConnections)
	}
}

func TestValidateTieredHighValueClamping(t *testing.T) {
	cfg := Default()
	cfg.Gesture.SmoothingWindow = 500
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped window should be warning: %v", result.Fatals)
	}
	if cfg.Gesture.SmoothingWindow != 60 {
		t.Fatalf("SmoothingWindow = %d, want 60 (clamped)", cfg.Gesture.SmoothingWindow)
	}
}

func TestValidateTieredComplexityClamping(t *testing.T) {
	cfg := Default()
	cfg.Extractor.DefaultComplexity = 7
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped complexity should be warning: %v", result.Fatals)
	}
	if cfg.Extractor.DefaultComplexity != 2 {
		t.Fatalf("DefaultComplexity = %d, want 2", cfg.Extractor.DefaultComplexity)
	}
}

func TestValidateTieredUnknownProfileIsWarning(t *testing.T) {
	cfg := Default()
	cfg.Video.DefaultProfile = "turbo"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown profile should not be fatal")
	}
	found := false
	for _, err := range result.Warnings {
		if strings.Contains(err.Error(), "turbo") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about unknown profile")
	}
	if cfg.Video.DefaultProfile != "high" {
		t.Fatalf("DefaultProfile = %q, want high", cfg.Video.DefaultProfile)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredNegativeVelocityThreshold(t *testing.T) {
	cfg := Default()
	cfg.Gesture.VelocityThreshold = -1
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("bad velocity threshold should not be fatal")
	}
	if cfg.Gesture.VelocityThreshold != 0.02 {
		t.Fatalf("VelocityThreshold = %v, want 0.02", cfg.Gesture.VelocityThreshold)
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.LLM.BaseURL = "ftp://bad"         // fatal
	cfg.Video.DefaultProfile = "bogus"    // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.LLM.BaseURL = "https://api.example.com/v1"
	cfg.LLM.APIKey = "clean-key"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}

func TestSafeViewOmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "super-secret"
	view := cfg.SafeView()

	llm, ok := view["llm"].(map[string]any)
	if !ok {
		t.Fatal("expected llm section in safe view")
	}
	if _, present := llm["api_key"]; present {
		t.Fatal("api_key must not appear in the safe view")
	}
}
