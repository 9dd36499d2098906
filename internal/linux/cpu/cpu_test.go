package cpu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"
)

func writePossible(t *testing.T, root, content string) {
	t.Helper()
	dir := filepath.Join(root, "devices", "system", "cpu")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "possible"), []byte(content), 0o644))
}

func TestPossibleFromSysfs(t *testing.T) {
	root := t.TempDir()
	writePossible(t, root, "0-3,6\n")

	cpus, err := Possible(root)
	require.NoError(t, err)
	require.True(t, cpus.Equals(cpuset.New(0, 1, 2, 3, 6)))
	require.Equal(t, 7, Count(cpus))
}

func TestPossibleRejectsGarbage(t *testing.T) {
	root := t.TempDir()
	writePossible(t, root, "zero-three")

	_, err := Possible(root)
	require.Error(t, err)
}

func TestPossibleFallsBackToAffinity(t *testing.T) {
	cpus, err := Possible(t.TempDir())
	require.NoError(t, err)
	require.False(t, cpus.IsEmpty())
	require.GreaterOrEqual(t, Count(cpus), cpus.Size())
}

func TestCountEmpty(t *testing.T) {
	require.Equal(t, 0, Count(cpuset.New()))
}
