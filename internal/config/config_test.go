package config

import (
	"slices"
	"testing"
	"time"
)

func TestLoadServiceConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "MAX_TRANSCODE_CONCURRENCY", "MAX_SCRIPT_CONCURRENCY",
		"DEFAULT_TIMEOUT_SECONDS", "RESULT_RETENTION_SECONDS", "SUBMIT_RATE_PER_SECOND",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadServiceConfig()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxTranscodeConcurrency != 2 {
		t.Errorf("MaxTranscodeConcurrency = %d, want 2", cfg.MaxTranscodeConcurrency)
	}
	if cfg.MaxScriptConcurrency != 4 {
		t.Errorf("MaxScriptConcurrency = %d, want 4", cfg.MaxScriptConcurrency)
	}
	if cfg.DefaultTimeout != 300*time.Second {
		t.Errorf("DefaultTimeout = %v, want 5m", cfg.DefaultTimeout)
	}
	if cfg.ResultRetention != 900*time.Second {
		t.Errorf("ResultRetention = %v, want 15m", cfg.ResultRetention)
	}
	if cfg.SubmitRatePerSecond != 0 {
		t.Errorf("SubmitRatePerSecond = %v, want 0", cfg.SubmitRatePerSecond)
	}
	if cfg.OutputMaxBytes != 500*1024*1024 {
		t.Errorf("OutputMaxBytes = %d, want 500MB", cfg.OutputMaxBytes)
	}
}

func TestLoadServiceConfig_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("MAX_TRANSCODE_CONCURRENCY", "8")
	t.Setenv("DEFAULT_TIMEOUT_SECONDS", "30")
	t.Setenv("RESULT_RETENTION_SECONDS", "60")
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := LoadServiceConfig()

	if cfg.Port != "9999" {
		t.Errorf("Port = %q, want 9999", cfg.Port)
	}
	if cfg.MaxTranscodeConcurrency != 8 {
		t.Errorf("MaxTranscodeConcurrency = %d, want 8", cfg.MaxTranscodeConcurrency)
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.DefaultTimeout)
	}
	if cfg.ResultRetention != time.Minute {
		t.Errorf("ResultRetention = %v, want 1m", cfg.ResultRetention)
	}
	if cfg.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("FFmpegPath = %q", cfg.FFmpegPath)
	}
	if !slices.Equal(cfg.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}
