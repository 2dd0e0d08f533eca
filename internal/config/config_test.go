package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneTunables(t *testing.T) {
	cfg := Default()
	assert.Positive(t, cfg.ClassRepr.CacheCapacity)
	assert.Positive(t, cfg.BestSpace.CacheCapacity)
	assert.Positive(t, cfg.BestSpace.DropThreshold)
	assert.Greater(t, cfg.BestSpace.UnfillMargin, 0.0)
	assert.Less(t, cfg.BestSpace.UnfillMargin, 1.0)
	assert.Positive(t, cfg.Force.ZeroWaitLatchTimeout)
	assert.Positive(t, cfg.ClassDir.ExistCacheCapacity)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heapstore.yaml")

	yaml := `
class_repr:
  cache_capacity: 999
best_space:
  drop_threshold: 7
force:
  zero_wait_latch_timeout: 20ms
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 999, cfg.ClassRepr.CacheCapacity)
	assert.Equal(t, 7, cfg.BestSpace.DropThreshold)
	assert.Equal(t, 20*time.Millisecond, cfg.Force.ZeroWaitLatchTimeout)

	// Fields absent from the file keep whatever Default() put there:
	// mapstructure only sets keys it actually decodes.
	assert.Equal(t, 4096, cfg.BestSpace.CacheCapacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
