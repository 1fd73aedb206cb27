package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnviron_Defaults(t *testing.T) {
	cfg, err := FromEnviron(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "models/plant_disease.onnx", cfg.ModelPath)
	assert.Empty(t, cfg.ONNXRuntimeLib)
	assert.Equal(t, 1, cfg.IntraOpThreads)
	assert.Equal(t, 160, cfg.ImageSize)
	assert.Empty(t, cfg.CatalogPath)
	assert.Equal(t, "error", cfg.DuplicatePolicy)
	assert.Equal(t, 10<<20, cfg.MaxUploadBytes)
	assert.Equal(t, 40_000_000, cfg.MaxImagePixels)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestFromEnviron_Overrides(t *testing.T) {
	cfg, err := FromEnviron([]string{
		"HOST=127.0.0.1",
		"PORT=9090",
		"MODEL_PATH=/srv/models/leaf.onnx",
		"ONNXRUNTIME_LIB=/usr/lib/libonnxruntime.so",
		"INTRA_OP_THREADS=4",
		"IMAGE_SIZE=224",
		"CATALOG_PATH=/etc/leaf/catalog.yaml",
		"DUPLICATE_POLICY=warn",
		"MAX_UPLOAD_BYTES=2048",
		"MAX_IMAGE_PIXELS=1000000",
		"SHUTDOWN_TIMEOUT=3s",
		"LOG_LEVEL=debug",
		"LOG_FORMAT=console",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, "/srv/models/leaf.onnx", cfg.ModelPath)
	assert.Equal(t, "/usr/lib/libonnxruntime.so", cfg.ONNXRuntimeLib)
	assert.Equal(t, 4, cfg.IntraOpThreads)
	assert.Equal(t, 224, cfg.ImageSize)
	assert.Equal(t, "/etc/leaf/catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, "warn", cfg.DuplicatePolicy)
	assert.Equal(t, 2048, cfg.MaxUploadBytes)
	assert.Equal(t, 1_000_000, cfg.MaxImagePixels)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestFromEnviron_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  []string
	}{
		{"port not a number", []string{"PORT=http"}},
		{"port out of range", []string{"PORT=70000"}},
		{"unknown duplicate policy", []string{"DUPLICATE_POLICY=ignore"}},
		{"unknown log format", []string{"LOG_FORMAT=xml"}},
		{"zero image size", []string{"IMAGE_SIZE=0"}},
		{"zero pixel cap", []string{"MAX_IMAGE_PIXELS=0"}},
		{"bad duration", []string{"SHUTDOWN_TIMEOUT=soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnviron(tt.env)
			require.Error(t, err)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("IMAGE_SIZE=96\nLOG_LEVEL=warn\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// Explicit environment beats the file.
	t.Setenv("LOG_LEVEL", "error")
	// godotenv sets variables it loads; make sure they are removed afterwards.
	t.Setenv("IMAGE_SIZE", "")
	require.NoError(t, os.Unsetenv("IMAGE_SIZE"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 96, cfg.ImageSize)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoad_NoDotEnv(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = Load()
	require.NoError(t, err)
}
