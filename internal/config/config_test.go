package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.QueueBackend)
	assert.Equal(t, 1536, cfg.EmbedDimension)
	assert.Equal(t, 512, cfg.ChunkSize)
	assert.InDelta(t, 0.10, cfg.ChunkOverlap, 1e-9)
	assert.Equal(t, 100, cfg.ChunkMin)
	assert.Equal(t, 1000, cfg.ChunkMax)
	assert.Equal(t, 50.0, cfg.EmbedRPS)
	assert.Equal(t, 15*time.Minute, cfg.TranscribeBudget)
	assert.Equal(t, 10*time.Minute, cfg.EmbedBudget)
	assert.Equal(t, "whisper-1", cfg.TranscribeModel)
	assert.Equal(t, "amazon.titan-embed-text-v2:0", cfg.EmbedModel)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calls.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
embed_rps = 20
chunk_size = 256
chunk_min = 40

[queue]
backend = "rabbitmq"

[scylla]
hosts = ["10.0.0.1", "10.0.0.2"]
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CHUNK_SIZE", "300")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRabbitMQ, cfg.QueueBackend)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.ScyllaHosts)
	assert.Equal(t, 20.0, cfg.EmbedRPS)
	assert.Equal(t, 300, cfg.ChunkSize, "environment overrides file")
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("EMBED_BUDGET", "ten minutes")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBED_BUDGET")
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	bad := cfg
	bad.ChunkOverlap = 1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ChunkMin = 2000
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ChunkSize = 200
	bad.ChunkMin = 100
	assert.ErrorContains(t, bad.Validate(), "quarter of CHUNK_SIZE")

	bad.ChunkMin = 50
	assert.NoError(t, bad.Validate())

	bad = cfg
	bad.EmbedDimension = 0
	assert.Error(t, bad.Validate())
}
