package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
	return dir
}

func TestInitializeDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 1024, cfg.Events.HistorySize)
	assert.Equal(t, 3, cfg.Circle.MaxIterations)
	require.NotNil(t, cfg.Circle.RequireReview)
	assert.True(t, *cfg.Circle.RequireReview)
	assert.Equal(t, 8, cfg.Executor.PoolSize)
	assert.Equal(t, 5, cfg.Scheduler.TickSeconds)
}

func TestInitializeMergesUserValuesOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  addr: ":9090"
circle:
  max_iterations: 5
  require_review: false
executor:
  pool_size: 2
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Circle.MaxIterations)
	require.NotNil(t, cfg.Circle.RequireReview)
	assert.False(t, *cfg.Circle.RequireReview)
	assert.Equal(t, 2, cfg.Executor.PoolSize)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 1024, cfg.Events.HistorySize)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("GATHER_TEST_ADDR", ":7070")
	dir := writeConfig(t, `
server:
  addr: "{{.GATHER_TEST_ADDR}}"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestInitializeRejectsInvalidValues(t *testing.T) {
	dir := writeConfig(t, `
scheduler:
  tick_seconds: -1
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_seconds")
}

func TestInitializeRejectsMalformedYAML(t *testing.T) {
	dir := writeConfig(t, "server: [unclosed")
	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "10s", cfg.Circle.StopGracePeriod().String())
	assert.Equal(t, "1m0s", cfg.Circle.TurnTimeout().String())
	assert.Equal(t, "100ms", cfg.Executor.StepBackoff().String())
	assert.Equal(t, "5s", cfg.Scheduler.Tick().String())
}
