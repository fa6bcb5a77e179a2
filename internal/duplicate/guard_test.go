package duplicate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDupFirstSeenIsMiss(t *testing.T) {
	g := New()
	hit, id := g.IsDup("fp-a", time.Hour)
	assert.False(t, hit)
	assert.NotEqual(t, [16]byte{}, id)
}

func TestIsDupRetryWithinTTLIsHit(t *testing.T) {
	g := New()
	g.IsDup("fp-a", time.Hour)
	hit, _ := g.IsDup("fp-a", time.Hour)
	assert.True(t, hit)
}

func TestIsDupExpiresAfterTTL(t *testing.T) {
	g := New()
	frozen := time.Now()
	g.now = func() time.Time { return frozen }
	g.IsDup("fp-a", time.Minute)

	g.now = func() time.Time { return frozen.Add(2 * time.Minute) }
	hit, _ := g.IsDup("fp-a", time.Minute)
	assert.False(t, hit, "expired record must not self-suppress")
}

func TestRmDupcheckCRCAllowsImmediateRetry(t *testing.T) {
	g := New()
	g.IsDup("fp-a", time.Hour)
	g.RmDupcheckCRC("fp-a")
	hit, _ := g.IsDup("fp-a", time.Hour)
	assert.False(t, hit)
}

func TestCompactRemovesExpiredOnly(t *testing.T) {
	g := New()
	frozen := time.Now()
	g.now = func() time.Time { return frozen }
	g.IsDup("old", time.Minute)

	g.now = func() time.Time { return frozen.Add(90 * time.Second) }
	g.IsDup("fresh", time.Minute)

	removed := g.Compact(time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, g.Len())
}

func TestFingerprintContentDiffersByBytes(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(pathA, []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte("world"), 0o644))

	fpA, err := Fingerprint(pathA, "a.txt", 5, CheckContent)
	require.NoError(t, err)
	fpB, err := Fingerprint(pathB, "b.txt", 5, CheckContent)
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpB)
}

func TestFingerprintNameOnlyIgnoresContent(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "same.txt")
	pathB := filepath.Join(t.TempDir(), "same.txt")
	require.NoError(t, os.WriteFile(pathA, []byte("v1"), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte("v2"), 0o644))

	fpA, err := Fingerprint(pathA, "same.txt", 2, CheckName)
	require.NoError(t, err)
	fpB, err := Fingerprint(pathB, "same.txt", 2, CheckName)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}
