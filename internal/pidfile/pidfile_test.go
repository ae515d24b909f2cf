package pidfile_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"codeberg.org/mutker/thermalctl/internal/pidfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), pidfile.DefaultName)

	require.NoError(t, pidfile.Write(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(content))

	// rewriting our own pid is allowed
	require.NoError(t, pidfile.Write(path))

	require.NoError(t, pidfile.Remove(path))
	require.NoError(t, pidfile.Remove(path))
	assert.NoFileExists(t, path)
}

func TestWriteStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), pidfile.DefaultName)
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o600))

	require.NoError(t, pidfile.Write(path))
}

func TestWriteAlreadyRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), pidfile.DefaultName)

	// the parent of the test binary is alive for the duration of the test
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600))

	err := pidfile.Write(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}
