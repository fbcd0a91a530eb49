package archive

import (
	"archive/tar"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type entry struct {
	name string
	body string
}

func writeVeb(t *testing.T, fs afero.Fs, base, name string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, fs.MkdirAll(base, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(base, name+Suffix), buf.Bytes(), 0o644))
}

func complexEntries() []entry {
	return []entry{
		{name: "manifest.json", body: `{"name": "complex", "version": "1.2.0"}`},
		{name: "lib/complex" + LibSuffix(), body: "\x7fELF fake"},
	}
}

func newStore(t *testing.T) (*Store, afero.Fs) {
	fs := afero.NewMemMapFs()
	return NewStore(fs, "/veb", zap.NewNop()), fs
}

func TestExpand(t *testing.T) {
	s, fs := newStore(t)
	writeVeb(t, fs, "/veb", "complex", complexEntries())

	a, err := s.Expand("complex")
	require.NoError(t, err)
	assert.Len(t, a.SHA256, 64)
	assert.Equal(t, "complex", a.Manifest.Name)
	assert.Equal(t, "1.2.0", a.Version.String())
	assert.Equal(t, s.ExpandedDir("complex", a.SHA256), a.Dir)

	ok, err := afero.Exists(fs, a.LibPath)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second expansion of the same bytes reuses the directory.
	b, err := s.Expand("complex")
	require.NoError(t, err)
	assert.Equal(t, a.Dir, b.Dir)
	assert.Equal(t, a.SHA256, b.SHA256)
}

func TestReuseVerifiesHash(t *testing.T) {
	s, fs := newStore(t)
	writeVeb(t, fs, "/veb", "complex", complexEntries())
	a, err := s.Expand("complex")
	require.NoError(t, err)

	got, err := s.Reuse("complex", a.SHA256)
	require.NoError(t, err)
	assert.Equal(t, a.Dir, got.Dir)

	// Archive bytes changed since install: refused.
	writeVeb(t, fs, "/veb", "complex", []entry{
		{name: "manifest.json", body: `{"name": "complex", "version": "1.3.0"}`},
		{name: "lib/complex" + LibSuffix(), body: "different"},
	})
	_, err = s.Reuse("complex", a.SHA256)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestExpandMissingManifest(t *testing.T) {
	s, fs := newStore(t)
	writeVeb(t, fs, "/veb", "broken", []entry{
		{name: "lib/broken" + LibSuffix(), body: "x"},
	})
	_, err := s.Expand("broken")
	assert.Error(t, err)
}

func TestExpandBadVersion(t *testing.T) {
	s, fs := newStore(t)
	writeVeb(t, fs, "/veb", "badver", []entry{
		{name: "manifest.json", body: `{"name": "badver", "version": "1.x"}`},
		{name: "lib/badver" + LibSuffix(), body: "x"},
	})
	_, err := s.Expand("badver")
	assert.Error(t, err)
}

func TestExpandRequiresExactlyOneLibrary(t *testing.T) {
	s, fs := newStore(t)
	writeVeb(t, fs, "/veb", "twolibs", []entry{
		{name: "manifest.json", body: `{"name": "twolibs", "version": "1.0.0"}`},
		{name: "lib/twolibs" + LibSuffix(), body: "x"},
		{name: "lib/extra" + LibSuffix(), body: "y"},
	})
	_, err := s.Expand("twolibs")
	assert.Error(t, err)
}

func TestExpandRejectsEscapingEntries(t *testing.T) {
	s, fs := newStore(t)
	writeVeb(t, fs, "/veb", "evil", []entry{
		{name: "../outside", body: "x"},
	})
	_, err := s.Expand("evil")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestCleanOrphans(t *testing.T) {
	s, fs := newStore(t)
	keep := s.ExpandedDir("complex", "aaaa")
	orphanHash := s.ExpandedDir("complex", "bbbb")
	orphanExt := s.ExpandedDir("gone", "cccc")
	for _, dir := range []string{keep, orphanHash, orphanExt} {
		require.NoError(t, fs.MkdirAll(dir, 0o755))
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "manifest.json"), []byte("{}"), 0o644))
	}

	require.NoError(t, s.CleanOrphans(map[string]string{"complex": "aaaa"}))

	ok, _ := afero.DirExists(fs, keep)
	assert.True(t, ok)
	ok, _ = afero.DirExists(fs, orphanHash)
	assert.False(t, ok)
	ok, _ = afero.DirExists(fs, orphanExt)
	assert.False(t, ok)
}

func TestHashStable(t *testing.T) {
	s, fs := newStore(t)
	writeVeb(t, fs, "/veb", "complex", complexEntries())
	h1, err := s.Hash("complex")
	require.NoError(t, err)
	h2, err := s.Hash("complex")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
