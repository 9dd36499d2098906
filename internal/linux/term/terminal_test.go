package term

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotATerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	fd := int(f.Fd())
	require.False(t, IsTerminal(fd))
	_, err = Width(fd)
	require.Error(t, err)
}
