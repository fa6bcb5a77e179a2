package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalizeArchivesWhenEnabled(t *testing.T) {
	stagingDir := t.TempDir()
	archiveRoot := t.TempDir()
	localPath := filepath.Join(stagingDir, "a.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("payload"), 0o644))

	f := New(archiveRoot, 3, time.Millisecond, nil)
	result := f.Finalize(localPath, true, 3600, "job-1")

	assert.True(t, result.Archived)
	assert.NoError(t, result.ArchiveError)
	data, err := os.ReadFile(result.ArchivePath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = os.Stat(localPath)
	assert.True(t, os.IsNotExist(err), "source must be removed after archiving")
}

func TestFinalizeUnlinksWhenArchivingDisabled(t *testing.T) {
	stagingDir := t.TempDir()
	localPath := filepath.Join(stagingDir, "a.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("payload"), 0o644))

	f := New("", 3, time.Millisecond, nil)
	result := f.Finalize(localPath, false, 0, "job-1")

	assert.False(t, result.Archived)
	_, err := os.Stat(localPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFinalizeFallsBackToUnlinkOnArchiveFailure(t *testing.T) {
	stagingDir := t.TempDir()
	localPath := filepath.Join(stagingDir, "a.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("payload"), 0o644))

	// A file (not a directory) as the archive root makes MkdirAll fail,
	// forcing the archive-then-unlink fallback path.
	badRoot := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(badRoot, []byte("x"), 0o644))

	f := New(badRoot, 3, time.Millisecond, nil)
	result := f.Finalize(localPath, true, 3600, "job-1")

	assert.False(t, result.Archived)
	assert.Error(t, result.ArchiveError)
	_, err := os.Stat(localPath)
	assert.True(t, os.IsNotExist(err), "fallback must still unlink the source")
}

func TestUnlinkIgnoresAlreadyRemoved(t *testing.T) {
	f := New("", 3, time.Millisecond, nil)
	f.unlink(filepath.Join(t.TempDir(), "never-existed.txt"))
}
