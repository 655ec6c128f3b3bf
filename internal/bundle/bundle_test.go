package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestStableID(t *testing.T) {
	a := StableID("VelocityResourceSync")
	b := StableID("VelocityResourceSync")
	c := StableID("OtherSeed")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, uuid.Version(5), a.Version())
	assert.Equal(t, uuid.RFC4122, a.Variant())
}

func TestDescriptorHashBytes(t *testing.T) {
	d := Descriptor{Version: "0a0bff"}
	b, err := d.HashBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b, 0xff}, b)

	d.Version = "not-hex"
	_, err = d.HashBytes()
	assert.Error(t, err)
}

func TestDiscoverFiles_SkipsHidden(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"pack.mcmeta":                     "{}",
		"assets/minecraft/sounds.json":    "{}",
		".git/HEAD":                       "ref: refs/heads/main",
		".gitignore":                      "*.tmp",
		"assets/.hidden/ignored.png":      "x",
		"assets/minecraft/textures/a.png": "png",
	})

	files, err := DiscoverFiles(dir)
	require.NoError(t, err)

	rel := make([]string, 0, len(files))
	for _, f := range files {
		r, err := filepath.Rel(dir, f)
		require.NoError(t, err)
		rel = append(rel, filepath.ToSlash(r))
	}

	assert.Equal(t, []string{
		"assets/minecraft/sounds.json",
		"assets/minecraft/textures/a.png",
		"pack.mcmeta",
	}, rel)
}

func TestDiscoverFiles_MissingDir(t *testing.T) {
	_, err := DiscoverFiles(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestTreeHash(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"pack.mcmeta": "{}",
		"a/b.txt":     "hello",
	})

	h1, err := TreeHash(dir)
	require.NoError(t, err)
	assert.Len(t, h1, 40)

	// Stable across runs
	h2, err := TreeHash(dir)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Hidden files do not change the hash
	writeTree(t, dir, map[string]string{".git/index": "changed"})
	h3, err := TreeHash(dir)
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	// Content changes do
	writeTree(t, dir, map[string]string{"a/b.txt": "hello world"})
	h4, err := TreeHash(dir)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestTreeHash_RenameChangesHash(t *testing.T) {
	one := t.TempDir()
	writeTree(t, one, map[string]string{"ab": "c"})
	two := t.TempDir()
	writeTree(t, two, map[string]string{"a": "bc"})

	h1, err := TreeHash(one)
	require.NoError(t, err)
	h2, err := TreeHash(two)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
