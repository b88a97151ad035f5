package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampScalar(t *testing.T) {
	assert.Equal(t, float32(0), ClampScalar(-1))
	assert.Equal(t, float32(0), ClampScalar(-0.0001))
	assert.Equal(t, float32(0), ClampScalar(0))
	assert.Equal(t, float32(0.25), ClampScalar(0.25))
	assert.Equal(t, float32(1), ClampScalar(1))
	assert.Equal(t, float32(1), ClampScalar(2))
}

func TestPercentConversions(t *testing.T) {
	assert.Equal(t, 73, ScalarToPercent(0.73))
	assert.Equal(t, 100, ScalarToPercent(1.5))
	assert.Equal(t, 0, ScalarToPercent(-0.2))

	assert.Equal(t, float32(0.5), PercentToScalar(50))
	assert.Equal(t, float32(1), PercentToScalar(120))
	assert.Equal(t, float32(0), PercentToScalar(-3))
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()

	assert.False(t, FileExists(filepath.Join(dir, "missing.yaml")))
	assert.False(t, FileExists(dir), "directories are not files")

	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, EnsureDirExists(nested))
	assert.DirExists(t, nested)
}
