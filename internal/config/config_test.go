package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENGINE_POLICY_FILE", "testdata/does-not-exist.yaml")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BlobStoreFS, cfg.BlobStoreBackend)
	assert.Equal(t, uint32(50), cfg.MaxIterations)
	assert.Equal(t, uint32(3), cfg.MaxConsecutiveErrors)
	assert.Equal(t, 70.0, cfg.CompactionThresholdPercent)
	assert.Equal(t, 600, cfg.ToolConfirmationTimeoutSecs)
	assert.NotEmpty(t, cfg.ModelContextWindows)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_POLICY_FILE", "testdata/does-not-exist.yaml")
	t.Setenv("MAX_ITERATIONS", "10")
	t.Setenv("BLOB_STORE_BACKEND", "s3")
	t.Setenv("BLOB_STORE_S3_BUCKET", "my-bucket")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), cfg.MaxIterations)
	assert.Equal(t, BlobStoreS3, cfg.BlobStoreBackend)
	assert.Equal(t, "my-bucket", cfg.S3Bucket)
}

func TestContextWindow_FallsBackWhenUnknown(t *testing.T) {
	cfg := Config{ModelContextWindows: map[string]int{"claude-opus-4": 200_000}}
	assert.Equal(t, 200_000, cfg.ContextWindow("claude-opus-4"))
	assert.Equal(t, 128_000, cfg.ContextWindow("unknown-model"))
}
