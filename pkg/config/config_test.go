package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/chainfeed/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chainfeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

const validConfig = `
path: /var/lib/chainfeed/checkpoints
remote_store_url: https://checkpoints.example.com/mainnet
progress:
  backend: sqlite
  path: /var/lib/chainfeed/progress.db
tasks:
  - name: archive
    kind: historical
    store_url: s3://chain-archive
    commit_duration: 5m
  - name: mirror
    kind: blob
    concurrency: 4
    store_url: /var/lib/chainfeed/mirror
`

func TestLoadConfig(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/chainfeed/checkpoints", cfg.Path)
	assert.Equal(t, config.BackendSQLite, cfg.Progress.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.Reader.TickInterval)
	assert.True(t, cfg.Metrics.Enabled)

	require.Len(t, cfg.Tasks, 2)
	assert.Equal(t, 5*time.Minute, cfg.Tasks[0].CommitDuration)
	assert.Equal(t, 1, cfg.Tasks[0].Concurrency)
	assert.Equal(t, 4, cfg.Tasks[1].Concurrency)
}

func TestLoadConfigAcceptsUncompressedArchive(t *testing.T) {
	path := writeConfig(t, `
path: /tmp/checkpoints
tasks:
  - name: archive
    kind: historical
    store_url: /tmp/archive
    compression: none
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Tasks[0].Compression)
}

func TestLoadConfigRejectsUnknownCompression(t *testing.T) {
	path := writeConfig(t, `
path: /tmp/checkpoints
tasks:
  - name: archive
    kind: historical
    store_url: /tmp/archive
    compression: brotli
`)

	_, err := config.LoadConfig(path)
	require.ErrorIs(t, err, config.ErrInvalidCompression)
}

func TestLoadConfigRejectsEmptyTasks(t *testing.T) {
	path := writeConfig(t, "path: /tmp/checkpoints\n")

	_, err := config.LoadConfig(path)
	require.ErrorIs(t, err, config.ErrNoTasks)
}

func TestLoadConfigRejectsDuplicateTasks(t *testing.T) {
	path := writeConfig(t, `
path: /tmp/checkpoints
tasks:
  - name: mirror
    kind: blob
    store_url: /tmp/a
  - name: mirror
    kind: blob
    store_url: /tmp/b
`)

	_, err := config.LoadConfig(path)
	require.ErrorIs(t, err, config.ErrDuplicateTask)
}

func TestLoadConfigRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `
path: /tmp/checkpoints
tasks:
  - name: weird
    kind: teleport
`)

	_, err := config.LoadConfig(path)
	require.ErrorIs(t, err, config.ErrUnknownTaskKind)
}

func TestLoadConfigRequiresMongoTarget(t *testing.T) {
	path := writeConfig(t, `
path: /tmp/checkpoints
tasks:
  - name: index
    kind: kv
    uri: mongodb://localhost:27017
`)

	_, err := config.LoadConfig(path)
	require.ErrorIs(t, err, config.ErrMissingMongoTarget)
}

func TestLoadConfigRequiresBackend(t *testing.T) {
	path := writeConfig(t, `
path: /tmp/checkpoints
progress:
  backend: etcd
tasks:
  - name: mirror
    kind: blob
    store_url: /tmp/a
`)

	_, err := config.LoadConfig(path)
	require.ErrorIs(t, err, config.ErrUnknownBackend)
}
