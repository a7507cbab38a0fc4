package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/retentiond/internal/lifecycle"
)

func writePayload(t *testing.T, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "more.txt"), []byte("nested "+content), 0o644))
	return dir
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	payload := writePayload(t, "hello backup")
	m, err := NewManager(filepath.Join(t.TempDir(), "archives"), TarGzCodec{})
	require.NoError(t, err)

	rec := lifecycle.NewRecord("b1", payload, 100, time.Now())
	entry, err := m.Archive(rec)
	require.NoError(t, err)
	assert.True(t, entry.Verified)
	assert.FileExists(t, entry.Path)

	dest := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, m.Restore("b1", dest))

	data, err := os.ReadFile(filepath.Join(dest, "payload", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello backup", string(data))

	nested, err := os.ReadFile(filepath.Join(dest, "payload", "nested", "more.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested hello backup", string(nested))
}

func TestArchiveSingleFilePayload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "single.dat")
	require.NoError(t, os.WriteFile(file, []byte("just one file"), 0o644))

	m, err := NewManager(filepath.Join(t.TempDir(), "archives"), TarGzCodec{})
	require.NoError(t, err)

	rec := lifecycle.NewRecord("b2", file, 13, time.Now())
	_, err = m.Archive(rec)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, m.Restore("b2", dest))
	data, err := os.ReadFile(filepath.Join(dest, "single.dat"))
	require.NoError(t, err)
	assert.Equal(t, "just one file", string(data))
}

// failingVerifyCodec compresses normally but always fails verification.
type failingVerifyCodec struct{ TarGzCodec }

func (failingVerifyCodec) Verify(string) error { return errors.New("verification forced to fail") }

func TestVerificationFailureRemovesPartialArchive(t *testing.T) {
	payload := writePayload(t, "doomed")
	archiveDir := filepath.Join(t.TempDir(), "archives")
	m, err := NewManager(archiveDir, failingVerifyCodec{})
	require.NoError(t, err)

	rec := lifecycle.NewRecord("b3", payload, 0, time.Now())
	_, err = m.Archive(rec)
	require.Error(t, err)

	// No entry registered, no archive file left behind.
	_, ok := m.Entry("b3")
	assert.False(t, ok)
	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "index.json", e.Name())
	}
}

func TestArchiveMissingPayload(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "archives"), TarGzCodec{})
	require.NoError(t, err)

	rec := lifecycle.NewRecord("b4", "/does/not/exist", 0, time.Now())
	_, err = m.Archive(rec)
	assert.Error(t, err)
}

func TestDeleteRemovesEntryAndFile(t *testing.T) {
	payload := writePayload(t, "short lived")
	m, err := NewManager(filepath.Join(t.TempDir(), "archives"), TarGzCodec{})
	require.NoError(t, err)

	rec := lifecycle.NewRecord("b5", payload, 0, time.Now())
	entry, err := m.Archive(rec)
	require.NoError(t, err)

	require.NoError(t, m.Delete("b5"))
	assert.NoFileExists(t, entry.Path)
	_, ok := m.Entry("b5")
	assert.False(t, ok)

	assert.Error(t, m.Delete("b5"))
}

func TestIndexSurvivesReopen(t *testing.T) {
	payload := writePayload(t, "persistent")
	archiveDir := filepath.Join(t.TempDir(), "archives")

	m, err := NewManager(archiveDir, TarGzCodec{})
	require.NoError(t, err)
	rec := lifecycle.NewRecord("b6", payload, 0, time.Now())
	_, err = m.Archive(rec)
	require.NoError(t, err)

	reopened, err := NewManager(archiveDir, TarGzCodec{})
	require.NoError(t, err)
	entry, ok := reopened.Entry("b6")
	require.True(t, ok)
	assert.True(t, entry.Verified)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("this is not a gzip stream"), 0o644))
	assert.Error(t, TarGzCodec{}.Verify(path))
}
