package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gamekeeper/internal/errdefs"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func assertNoPartials(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".partial-"), "leftover temp file %s", e.Name())
	}
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(opts)
	require.NoError(t, err)
	return m
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	want := map[string]string{"a.txt": "hello", "sub/b.txt": "world"}
	for _, format := range []Format{FormatTarGz, FormatTar, FormatZip} {
		t.Run(string(format), func(t *testing.T) {
			root := t.TempDir()
			src := filepath.Join(root, "world")
			dest := filepath.Join(root, "backups")
			writeTree(t, src, want)

			m := newManager(t, Options{Format: format})
			rec, err := m.Create(context.Background(), Request{Source: src, Destination: dest})
			require.NoError(t, err)
			assert.Equal(t, StatusSuccess, rec.Status)
			assert.Equal(t, 2, rec.FileCount)
			assert.NotEmpty(t, rec.ID)
			assert.Positive(t, rec.SizeBytes)
			assert.True(t, strings.HasPrefix(filepath.Base(rec.ArchivePath), "world_"))
			assert.True(t, strings.HasSuffix(rec.ArchivePath, "."+string(format)))
			assertNoPartials(t, dest)

			target := filepath.Join(root, "restored")
			res, err := m.Restore(context.Background(), rec.ArchivePath, target, false)
			require.NoError(t, err)
			assert.Equal(t, 2, res.FileCount)
			assert.Equal(t, want, readTree(t, target))
		})
	}
}

func TestCreateNameCollisionGetsSuffix(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "world")
	dest := filepath.Join(root, "backups")
	writeTree(t, src, map[string]string{"level.dat": "x"})

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	first := archiveName(dest, "world", FormatZip, at)
	assert.Equal(t, "world_20240501_120000.zip", first)
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, first), nil, 0o644))
	assert.Equal(t, "world_20240501_120000-1.zip", archiveName(dest, "world", FormatZip, at))
}

func TestCreateSourceNotFound(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "backups")
	m := newManager(t, Options{})

	rec, err := m.Create(context.Background(), Request{Source: filepath.Join(root, "missing"), Destination: dest})
	require.Error(t, err)
	assert.Equal(t, errdefs.KindBackup, errdefs.KindOf(err))
	assert.Equal(t, errdefs.ReasonSourceNotFound, errdefs.ReasonOf(err))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assertNoPartials(t, dest)
}

func TestCreateDestinationUnwritable(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "world")
	writeTree(t, src, map[string]string{"a.txt": "hello"})
	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))

	m := newManager(t, Options{})
	_, err := m.Create(context.Background(), Request{Source: src, Destination: filepath.Join(blocker, "backups")})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindBackup))
	assert.Equal(t, errdefs.ReasonDestinationUnwritable, errdefs.ReasonOf(err))
	assert.Equal(t, errdefs.ExitIO, errdefs.ExitCode(err))
}

func TestCreateUnreadableFileLeavesNoTemp(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs a non-root unix user")
	}
	root := t.TempDir()
	src := filepath.Join(root, "world")
	dest := filepath.Join(root, "backups")
	writeTree(t, src, map[string]string{"a.txt": "hello", "locked.dat": "secret"})
	require.NoError(t, os.Chmod(filepath.Join(src, "locked.dat"), 0o000))

	m := newManager(t, Options{})
	_, err := m.Create(context.Background(), Request{Source: src, Destination: dest})
	require.Error(t, err)
	assert.Equal(t, errdefs.ReasonArchiveWrite, errdefs.ReasonOf(err))
	assertNoPartials(t, dest)
	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries)
}

func TestCreateCanceled(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "world")
	dest := filepath.Join(root, "backups")
	writeTree(t, src, map[string]string{"a.txt": "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newManager(t, Options{}).Create(ctx, Request{Source: src, Destination: dest})
	require.Error(t, err)
	assert.Equal(t, errdefs.ReasonCanceled, errdefs.ReasonOf(err))
	assertNoPartials(t, dest)
}

func TestCreateExcludesAndNestedDestination(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "server")
	writeTree(t, src, map[string]string{
		"world/level.dat":      "level",
		"world/session.lock":   "lock",
		"logs/latest.log":      "log",
		"server.properties":    "server-port=25565",
		"world/region/r.0.mca": "region",
	})
	dest := filepath.Join(src, "backups")
	m := newManager(t, Options{Exclude: []string{"logs/**", "**/*.lock"}})

	first, err := m.Create(context.Background(), Request{Source: src, Destination: dest, NameHint: "srv"})
	require.NoError(t, err)
	// a second run must not pick up the first archive
	second, err := m.Create(context.Background(), Request{Source: src, Destination: dest, NameHint: "srv"})
	require.NoError(t, err)
	assert.Equal(t, first.FileCount, second.FileCount)
	assert.NotEqual(t, first.ArchivePath, second.ArchivePath)

	names := tarNames(t, second.ArchivePath)
	assert.Contains(t, names, "world/level.dat")
	assert.Contains(t, names, "world/region/r.0.mca")
	assert.Contains(t, names, "server.properties")
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "logs"), n)
		assert.False(t, strings.HasSuffix(n, ".lock"), n)
		assert.False(t, strings.HasPrefix(n, "backups"), n)
	}
}

func tarNames(t *testing.T, archive string) []string {
	t.Helper()
	f, err := os.Open(archive)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
	return names
}

func TestInvalidOptions(t *testing.T) {
	_, err := NewManager(Options{Format: "rar"})
	assert.Error(t, err)
	_, err = NewManager(Options{Exclude: []string{"[unclosed"}})
	assert.Error(t, err)

	f, err := ParseFormat("TGZ")
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, f)
}

func TestListAndPrune(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"w_1.tar.gz", "w_2.zip", "w_3.tar", "w_4.tar.gz"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".w_5.tar.gz.partial-123"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	m := newManager(t, Options{})
	list, err := m.List(dir)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, "w_4.tar.gz", list[0].Name)
	assert.Equal(t, "w_1.tar.gz", list[3].Name)
	assert.Equal(t, FormatZip, list[2].Format)

	removed, err := m.Prune(dir, 2)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	list, err = m.List(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "w_4.tar.gz", list[0].Name)
	assert.Equal(t, "w_3.tar", list[1].Name)

	removed, err = m.Prune(dir, 0)
	require.NoError(t, err)
	assert.Empty(t, removed)

	missing, err := m.List(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRestoreRefusesNonEmptyTargetUnlessReplacing(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "world")
	writeTree(t, src, map[string]string{"a.txt": "hello"})
	m := newManager(t, Options{Format: FormatZip})
	rec, err := m.Create(context.Background(), Request{Source: src, Destination: filepath.Join(root, "b")})
	require.NoError(t, err)

	writeTree(t, src, map[string]string{"a.txt": "changed", "new.txt": "new"})
	_, err = m.Restore(context.Background(), rec.ArchivePath, src, false)
	assert.Equal(t, errdefs.ReasonDestinationUnwritable, errdefs.ReasonOf(err))

	res, err := m.Restore(context.Background(), rec.ArchivePath, src, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": "hello"}, readTree(t, src))
	require.NotEmpty(t, res.PreviousPath)
	assert.Equal(t, "changed", readTree(t, res.PreviousPath)["a.txt"])
}

func TestRestoreRejectsEscapingEntries(t *testing.T) {
	root := t.TempDir()
	archive := filepath.Join(root, "evil.tar")
	f, err := os.Create(archive)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	body := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	target := filepath.Join(root, "target")
	_, err = newManager(t, Options{}).Restore(context.Background(), archive, target, false)
	require.Error(t, err)
	assert.Equal(t, errdefs.ReasonInvalidArchive, errdefs.ReasonOf(err))
	assert.NoFileExists(t, filepath.Join(root, "escape.txt"))
	assert.NoDirExists(t, target)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".restore-")
	}
}
