package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShrunkFileStillYieldsValidArchive(t *testing.T) {
	src := filepath.Join(t.TempDir(), "region.mca")
	require.NoError(t, os.WriteFile(src, []byte("0123456789"), 0o644))
	info, err := os.Stat(src)
	require.NoError(t, err)

	want := map[Format]string{
		FormatTarGz: "abcd\x00\x00\x00\x00\x00\x00",
		FormatTar:   "abcd\x00\x00\x00\x00\x00\x00",
		FormatZip:   "abcd",
	}
	for format, content := range want {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "world_20240101_000000."+format.Ext())
			f, err := os.Create(archive)
			require.NoError(t, err)
			aw, err := newArchiveWriter(f, format, 0)
			require.NoError(t, err)

			// the file lost six bytes between stat and read
			err = aw.addFile("region.mca", info, strings.NewReader("abcd"))
			assert.ErrorIs(t, err, errFileShrank)
			require.NoError(t, aw.addFile("level.dat", info, strings.NewReader("0123456789")))
			require.NoError(t, aw.Close())
			require.NoError(t, f.Close())

			root := filepath.Join(dir, "out")
			require.NoError(t, os.Mkdir(root, 0o755))
			n, err := extract(context.Background(), archive, format, root)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, map[string]string{"region.mca": content, "level.dat": "0123456789"}, readTree(t, root))
		})
	}
}

func TestZipKeepsGrownFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "latest.log")
	require.NoError(t, os.WriteFile(src, []byte("ab"), 0o644))
	info, err := os.Stat(src)
	require.NoError(t, err)

	dir := t.TempDir()
	archive := filepath.Join(dir, "logs_20240101_000000.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	aw, err := newArchiveWriter(f, FormatZip, 0)
	require.NoError(t, err)
	require.NoError(t, aw.addFile("latest.log", info, strings.NewReader("abcdef")))
	require.NoError(t, aw.Close())
	require.NoError(t, f.Close())

	root := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(root, 0o755))
	_, err = extract(context.Background(), archive, FormatZip, root)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"latest.log": "abcdef"}, readTree(t, root))
}
