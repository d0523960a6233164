package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "data/raw/scraped", cfg.Dirs.Trials)
	assert.Equal(t, 3, cfg.LLM.MaxAttempts)
	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, "text", cfg.LLM.ResponseFormat)
	assert.Equal(t, uint32(5), cfg.Breaker.MaxFailures)
	assert.Equal(t, 1, cfg.Batch.Workers)
	assert.Empty(t, cfg.RunLog.Path)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trialmatch.yaml")
	yaml := `dirs:
  patients: /data/patients
  output: /data/out
llm:
  response_format: json
  timeout: 45s
batch:
  workers: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("TRIALMATCH_BATCH_WORKERS", "8")
	t.Setenv("TRIALMATCH_RUNLOG_PATH", "/data/runs.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/patients", cfg.Dirs.Patients)
	assert.Equal(t, "json", cfg.LLM.ResponseFormat)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 8, cfg.Batch.Workers, "env overrides file")
	assert.Equal(t, "/data/runs.db", cfg.RunLog.Path)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TRIALMATCH_LLM_RESPONSE_FORMAT", "xml")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
