// Package config provides configuration loading from environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the jobexec service.
// It is read once at startup and never mutated afterwards.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	CORSOrigins       []string      // empty allows any origin
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	// Admission
	MaxTranscodeConcurrency int
	MaxScriptConcurrency    int
	SubmitRatePerSecond     float64 // 0 disables the token bucket
	SubmitBurst             int

	// Deadlines and retention
	DefaultTimeout      time.Duration
	MaxTimeout          time.Duration
	TerminationGrace    time.Duration
	ResultRetention     time.Duration
	MaintenanceInterval time.Duration

	// Engines
	FFmpegPath        string
	DenoPath          string
	TranscodeMemoryMB int
	TranscodeThreads  int
	ScriptMemoryMB    int
	ScriptCPUSeconds  int

	// Filesystem
	WorkDir         string
	OutputDir       string
	MediaRoot       string // Path inputs for transcode jobs must live under this root
	ScriptRoot      string // Path inputs for script jobs must live under this root
	OutputMaxBytes  int64  // Total artifact bytes kept before oldest results are evicted
	OutputMaxFileMB int
	CaptureLimit    int // Per-stream stdout/stderr capture cap in bytes

	// Callbacks
	CallbackSigningKey string // Default HMAC key for callbacks that do not carry one
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	base := filepath.Join(os.TempDir(), "jobexec")

	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		CORSOrigins:       GetListEnv("CORS_ALLOWED_ORIGINS"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		MaxTranscodeConcurrency: GetIntEnv("MAX_TRANSCODE_CONCURRENCY", 2),
		MaxScriptConcurrency:    GetIntEnv("MAX_SCRIPT_CONCURRENCY", 4),
		SubmitRatePerSecond:     GetFloatEnv("SUBMIT_RATE_PER_SECOND", 0),
		SubmitBurst:             GetIntEnv("SUBMIT_BURST", 1),

		DefaultTimeout:      GetSecondsEnv("DEFAULT_TIMEOUT_SECONDS", 300*time.Second),
		MaxTimeout:          GetSecondsEnv("MAX_TIMEOUT_SECONDS", 3600*time.Second),
		TerminationGrace:    GetDurationEnv("TERMINATION_GRACE", 5*time.Second),
		ResultRetention:     GetSecondsEnv("RESULT_RETENTION_SECONDS", 900*time.Second),
		MaintenanceInterval: GetDurationEnv("MAINTENANCE_INTERVAL", 1*time.Minute),

		FFmpegPath:        GetEnv("FFMPEG_PATH", "ffmpeg"),
		DenoPath:          GetEnv("DENO_PATH", "deno"),
		TranscodeMemoryMB: GetIntEnv("TRANSCODE_MEMORY_MB", 2048),
		TranscodeThreads:  GetIntEnv("TRANSCODE_THREADS", 2),
		ScriptMemoryMB:    GetIntEnv("SCRIPT_MEMORY_MB", 256),
		ScriptCPUSeconds:  GetIntEnv("SCRIPT_CPU_SECONDS", 60),

		WorkDir:         GetEnv("WORK_DIR", filepath.Join(base, "work")),
		OutputDir:       GetEnv("OUTPUT_DIR", filepath.Join(base, "output")),
		MediaRoot:       GetEnv("MEDIA_ROOT", ""),
		ScriptRoot:      GetEnv("SCRIPT_ROOT", ""),
		OutputMaxBytes:  GetInt64Env("OUTPUT_MAX_BYTES", 500*1024*1024),
		OutputMaxFileMB: GetIntEnv("OUTPUT_MAX_FILE_MB", 1024),
		CaptureLimit:    GetIntEnv("CAPTURE_LIMIT_BYTES", 1<<20),

		CallbackSigningKey: GetSecretFile(GetEnv("CALLBACK_SIGNING_KEY_FILE", "")),
	}
}
