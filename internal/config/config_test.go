package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: "9000"
database:
  mysql:
    dsn: "root:root@tcp(127.0.0.1:3306)/kb"
kafka:
  brokers: "k1:9092,k2:9092"
pipeline:
  root: "/srv/kb"
  workers: 8
financial:
  enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "k1:9092,k2:9092", cfg.Kafka.Brokers)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.True(t, cfg.Financial.Enabled)

	// 未出现的键取默认值
	assert.Equal(t, 40, cfg.Pipeline.ChapterMinBodyLength)
	assert.Equal(t, "skip", cfg.Pipeline.DuplicateDefaultPolicy)
	assert.Equal(t, "@every 1m", cfg.Pipeline.ResumeCron)
	assert.Equal(t, 512, cfg.Chunk.Size)
	assert.Equal(t, "bid_knowledge", cfg.Elasticsearch.IndexName)

	assert.Equal(t, filepath.Join("/srv/kb", "uploads", "temp"), cfg.Pipeline.TempDir())
	assert.Equal(t, filepath.Join("/srv/kb", "archive"), cfg.Pipeline.ArchiveDir())
	assert.Equal(t, filepath.Join("/srv/kb", "images"), cfg.Pipeline.ImagesDir())
	assert.Equal(t, filepath.Join("/srv/kb", "logs"), cfg.Pipeline.LogsDir())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BIDKB_PIPELINE_WORKERS", "2")
	t.Setenv("BIDKB_JWT_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
}

func TestInitPanicsOnMissingFile(t *testing.T) {
	assert.Panics(t, func() { Init(filepath.Join(t.TempDir(), "missing.yaml")) })

	Init(writeConfig(t, sample))
	assert.Equal(t, "9000", Conf.Server.Port)
}
