// Package config loads engine configuration from environment variables
// (optionally a .env file) with a YAML overlay for policy data that is
// awkward to express as flat env vars, following the pattern of the
// teacher's internal/config/loader.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BlobStoreBackend selects the Blob Store's storage backend.
type BlobStoreBackend string

const (
	BlobStoreFS     BlobStoreBackend = "fs"
	BlobStoreS3     BlobStoreBackend = "s3"
	BlobStoreMemory BlobStoreBackend = "memory"
)

// TelemetryConfig mirrors the teacher's internal/telemetry.Config shape.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Config is the engine's runtime configuration (SPEC_FULL.md §A.2).
type Config struct {
	DatabaseURL string

	BlobStoreBackend BlobStoreBackend
	BlobStoreRoot    string
	S3Bucket         string
	S3Prefix         string
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3UsePathStyle   bool

	MaxIterations        uint32
	MaxConsecutiveErrors uint32

	CompactionThresholdPercent float64
	CompactionMinKeepMessages  int
	CompactionMinKeepFraction  float64

	ToolConfirmationTimeoutSecs int

	RedisAddr string

	Telemetry TelemetryConfig

	// ModelContextWindows maps a model id to its declared context window
	// in tokens, loaded from the YAML overlay.
	ModelContextWindows map[string]int
}

// yamlOverlay is the shape of the optional YAML policy file.
type yamlOverlay struct {
	ModelContextWindows map[string]int `yaml:"model_context_windows"`
	Telemetry           TelemetryConfig `yaml:"telemetry"`
}

// Load reads configuration from the environment (optionally .env), applies
// defaults, and overlays config/policy.yaml if present.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		BlobStoreBackend:            BlobStoreFS,
		BlobStoreRoot:               envOr("BLOB_STORE_ROOT", ".engine/blobs"),
		MaxIterations:               uint32(envInt("MAX_ITERATIONS", 50)),
		MaxConsecutiveErrors:        uint32(envInt("MAX_CONSECUTIVE_ERRORS", 3)),
		CompactionThresholdPercent:  envFloat("COMPACTION_THRESHOLD_PERCENT", 70),
		CompactionMinKeepMessages:   envInt("COMPACTION_MIN_KEEP_MESSAGES", 8),
		CompactionMinKeepFraction:   envFloat("COMPACTION_MIN_KEEP_FRACTION", 0.30),
		ToolConfirmationTimeoutSecs: envInt("TOOL_CONFIRMATION_TIMEOUT_SECS", 600),
		ModelContextWindows:         map[string]int{},
	}

	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if backend := strings.TrimSpace(os.Getenv("BLOB_STORE_BACKEND")); backend != "" {
		cfg.BlobStoreBackend = BlobStoreBackend(backend)
	}
	cfg.S3Bucket = strings.TrimSpace(os.Getenv("BLOB_STORE_S3_BUCKET"))
	cfg.S3Prefix = strings.TrimSpace(os.Getenv("BLOB_STORE_S3_PREFIX"))
	cfg.S3Region = envOr("BLOB_STORE_S3_REGION", "us-east-1")
	cfg.S3Endpoint = strings.TrimSpace(os.Getenv("BLOB_STORE_S3_ENDPOINT"))
	cfg.S3AccessKey = strings.TrimSpace(os.Getenv("BLOB_STORE_S3_ACCESS_KEY"))
	cfg.S3SecretKey = strings.TrimSpace(os.Getenv("BLOB_STORE_S3_SECRET_KEY"))
	cfg.S3UsePathStyle = envBool("BLOB_STORE_S3_USE_PATH_STYLE", false)
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	cfg.Telemetry = TelemetryConfig{
		Enabled:     envBool("OTEL_ENABLED", false),
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    envBool("OTEL_INSECURE", true),
		ServiceName: envOr("OTEL_SERVICE_NAME", "task-execution-engine"),
	}

	overlayPath := envOr("ENGINE_POLICY_FILE", "config/policy.yaml")
	if data, err := os.ReadFile(overlayPath); err == nil {
		var overlay yamlOverlay
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", overlayPath, err)
		}
		for model, window := range overlay.ModelContextWindows {
			cfg.ModelContextWindows[model] = window
		}
		if overlay.Telemetry.ServiceName != "" {
			cfg.Telemetry = overlay.Telemetry
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("reading %s: %w", overlayPath, err)
	}

	if len(cfg.ModelContextWindows) == 0 {
		// Sane fallback defaults so compaction has something to compare
		// against when no policy overlay is deployed.
		cfg.ModelContextWindows = map[string]int{
			"claude-opus-4":   200_000,
			"claude-sonnet-4": 200_000,
			"gpt-4o":          128_000,
			"gpt-4.1":         1_000_000,
		}
	}

	return cfg, nil
}

// ContextWindow returns the declared context window for model, or the
// fallback if unknown.
func (c Config) ContextWindow(model string) int {
	if w, ok := c.ModelContextWindows[model]; ok {
		return w
	}
	return 128_000
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
