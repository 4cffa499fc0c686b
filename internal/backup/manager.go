package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/loykin/gamekeeper/internal/errdefs"
)

const timestampLayout = "20060102_150405"

// Status of a backup record.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Options configure how archives are written.
type Options struct {
	Format Format
	// Level is the gzip or deflate level, 1-9 (0 means 6).
	Level int
	// Exclude holds doublestar patterns matched against slash separated
	// paths relative to the source, e.g. "logs/**" or "**/*.lock".
	Exclude []string
	Logger  *slog.Logger
}

// Request names what to snapshot and where to put it.
type Request struct {
	Source      string
	Destination string
	// NameHint prefixes the archive name; the source directory name by default.
	NameHint string
}

// Record describes one backup attempt.
type Record struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	ArchivePath string    `json:"archive_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	FileCount   int       `json:"file_count"`
	Format      Format    `json:"format"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// ArchiveInfo is an archive found in a destination directory.
type ArchiveInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Format    Format    `json:"format"`
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	Archive   string `json:"archive"`
	Target    string `json:"target"`
	FileCount int    `json:"file_count"`
	// PreviousPath is where a replaced target was moved, if any.
	PreviousPath string `json:"previous_path,omitempty"`
}

// Manager writes, lists, prunes and restores archives on the local disk.
type Manager struct {
	opts   Options
	logger *slog.Logger
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Format == "" {
		opts.Format = FormatTarGz
	}
	if _, err := ParseFormat(string(opts.Format)); err != nil {
		return nil, err
	}
	for _, p := range opts.Exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{opts: opts, logger: logger.With("component", "backup")}, nil
}

func (m *Manager) Format() Format { return m.opts.Format }

// Create snapshots req.Source into a new archive in req.Destination. The
// archive becomes visible under its final name only once it is complete.
func (m *Manager) Create(ctx context.Context, req Request) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Format:    m.opts.Format,
		Status:    StatusFailed,
	}
	fail := func(reason string, err error) (Record, error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = errdefs.ReasonCanceled
		}
		e := errdefs.Backup(reason, "backup", err)
		rec.Error = e.Error()
		m.logger.Error("backup failed", "id", rec.ID, "source", rec.SourcePath, "reason", reason, "error", err)
		return rec, e
	}

	src, err := filepath.Abs(req.Source)
	if err != nil {
		return fail(errdefs.ReasonSourceNotFound, err)
	}
	rec.SourcePath = src
	info, err := os.Stat(src)
	if err != nil {
		return fail(errdefs.ReasonSourceNotFound, err)
	}
	if !info.IsDir() {
		return fail(errdefs.ReasonSourceNotFound, fmt.Errorf("%s is not a directory", src))
	}

	dest, err := filepath.Abs(req.Destination)
	if err != nil {
		return fail(errdefs.ReasonDestinationUnwritable, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fail(errdefs.ReasonDestinationUnwritable, err)
	}

	hint := req.NameHint
	if hint == "" {
		hint = filepath.Base(src)
	}
	name := archiveName(dest, hint, m.opts.Format, rec.CreatedAt)

	tmp, err := os.CreateTemp(dest, "."+name+".partial-*")
	if err != nil {
		return fail(errdefs.ReasonDestinationUnwritable, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	m.logger.Info("backup started", "id", rec.ID, "source", src, "destination", dest, "format", m.opts.Format)

	aw, err := newArchiveWriter(tmp, m.opts.Format, m.opts.Level)
	if err != nil {
		return fail(errdefs.ReasonArchiveWrite, err)
	}
	files, err := m.walk(ctx, src, dest, tmpName, aw)
	if err != nil {
		if errors.Is(err, errSourceRead) {
			return fail(errdefs.ReasonSourceNotFound, err)
		}
		return fail(errdefs.ReasonArchiveWrite, err)
	}
	if err := aw.Close(); err != nil {
		return fail(errdefs.ReasonArchiveWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(errdefs.ReasonArchiveWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fail(errdefs.ReasonArchiveWrite, err)
	}

	final := filepath.Join(dest, name)
	if _, err := os.Stat(final); err == nil {
		final = filepath.Join(dest, archiveName(dest, hint, m.opts.Format, rec.CreatedAt))
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fail(errdefs.ReasonArchiveWrite, err)
	}
	committed = true
	syncDir(dest)

	st, err := os.Stat(final)
	if err == nil {
		rec.SizeBytes = st.Size()
	}
	rec.ArchivePath = final
	rec.FileCount = files
	rec.Status = StatusSuccess
	m.logger.Info("backup created", "id", rec.ID, "archive", final, "files", files, "size", rec.SizeBytes,
		"took", time.Since(rec.CreatedAt).Truncate(time.Millisecond))
	return rec, nil
}

var errSourceRead = errors.New("source read failed")

func (m *Manager) excluded(rel string) bool {
	for _, p := range m.opts.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// walk adds every directory and regular file below src to aw, skipping
// excluded paths, the destination directory and the partial archive itself.
func (m *Manager) walk(ctx context.Context, src, dest, partial string, aw archiveWriter) (int, error) {
	files := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if p == src {
				return fmt.Errorf("%w: %v", errSourceRead, walkErr)
			}
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if p == src || p == partial {
			return nil
		}
		if d.IsDir() && p == dest {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if m.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			return aw.addDir(rel, info)
		case info.Mode().IsRegular():
			f, err := os.Open(p)
			if errors.Is(err, fs.ErrNotExist) {
				m.logger.Warn("file vanished during backup", "path", rel)
				return nil
			}
			if err != nil {
				return err
			}
			if cur, err := f.Stat(); err == nil {
				info = cur
			}
			err = aw.addFile(rel, info, f)
			_ = f.Close()
			if errors.Is(err, errFileShrank) {
				m.logger.Warn("file changed during backup; archived copy may be inconsistent", "path", rel, "error", err)
				err = nil
			}
			if err != nil {
				return err
			}
			files++
			return nil
		default:
			m.logger.Debug("skipping non-regular file", "path", rel, "mode", info.Mode().String())
			return nil
		}
	})
	return files, err
}

// archiveName returns "<hint>_<timestamp>.<ext>", adding -N when the name is
// already taken in dir.
func archiveName(dir, hint string, format Format, at time.Time) string {
	base := fmt.Sprintf("%s_%s", hint, at.Format(timestampLayout))
	name := base + "." + format.Ext()
	for i := 1; ; i++ {
		if _, err := os.Lstat(filepath.Join(dir, name)); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s-%d.%s", base, i, format.Ext())
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// List returns the archives in dir, newest first. A missing directory has no
// archives.
func (m *Manager) List(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "list backups", err)
	}
	var out []ArchiveInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		format, ok := formatFromName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ArchiveInfo{
			Name:      e.Name(),
			Path:      filepath.Join(dir, e.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
			Format:    format,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name > out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Prune deletes the oldest archives in dir beyond keep. keep <= 0 keeps all.
func (m *Manager) Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	archives, err := m.List(dir)
	if err != nil {
		return nil, err
	}
	if len(archives) <= keep {
		return nil, nil
	}
	var removed []string
	var errs []error
	for _, a := range archives[keep:] {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		m.logger.Info("pruned old backup", "archive", a.Name, "created_at", a.CreatedAt.Format(time.DateTime))
		removed = append(removed, a.Path)
	}
	if len(errs) > 0 {
		return removed, errdefs.Wrap(errdefs.KindIO, "prune backups", errors.Join(errs...))
	}
	return removed, nil
}

// Restore extracts archive into target. The archive is unpacked next to the
// target first and moved into place once complete. A non-empty target is
// refused unless replace is set, in which case it is kept aside under a
// timestamped name.
func (m *Manager) Restore(ctx context.Context, archive, target string, replace bool) (RestoreResult, error) {
	res := RestoreResult{Archive: archive, Target: target}
	format, ok := formatFromName(archive)
	if !ok {
		return res, errdefs.Backup(errdefs.ReasonInvalidArchive, "restore", fmt.Errorf("unrecognized archive name %q", filepath.Base(archive)))
	}
	if _, err := os.Stat(archive); err != nil {
		return res, errdefs.Backup(errdefs.ReasonSourceNotFound, "restore", err)
	}
	target, err := filepath.Abs(target)
	if err != nil {
		return res, errdefs.Backup(errdefs.ReasonDestinationUnwritable, "restore", err)
	}
	res.Target = target

	occupied, err := nonEmptyDir(target)
	if err != nil {
		return res, errdefs.Backup(errdefs.ReasonDestinationUnwritable, "restore", err)
	}
	if occupied && !replace {
		return res, &errdefs.Error{
			Kind:   errdefs.KindBackup,
			Op:     "restore",
			Reason: errdefs.ReasonDestinationUnwritable,
			Detail: fmt.Sprintf("%s is not empty", target),
		}
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return res, errdefs.Backup(errdefs.ReasonDestinationUnwritable, "restore", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(target)+".restore-*")
	if err != nil {
		return res, errdefs.Backup(errdefs.ReasonDestinationUnwritable, "restore", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	files, err := extract(ctx, archive, format, staging)
	if err != nil {
		reason := errdefs.ReasonArchiveWrite
		switch {
		case errors.Is(err, errUnsafeEntry):
			reason = errdefs.ReasonInvalidArchive
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			reason = errdefs.ReasonCanceled
		}
		return res, errdefs.Backup(reason, "restore", err)
	}

	if occupied {
		prev := fmt.Sprintf("%s.pre-restore-%s", target, time.Now().Format(timestampLayout))
		if err := os.Rename(target, prev); err != nil {
			return res, errdefs.Backup(errdefs.ReasonDestinationUnwritable, "restore", err)
		}
		res.PreviousPath = prev
	} else if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return res, errdefs.Backup(errdefs.ReasonDestinationUnwritable, "restore", err)
	}
	if err := os.Rename(staging, target); err != nil {
		return res, errdefs.Backup(errdefs.ReasonDestinationUnwritable, "restore", err)
	}
	committed = true
	res.FileCount = files
	m.logger.Info("backup restored", "archive", archive, "target", target, "files", files, "previous", res.PreviousPath)
	return res, nil
}

func nonEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	if !st.IsDir() {
		return true, nil
	}
	names, err := f.Readdirnames(1)
	if len(names) > 0 {
		return true, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return false, nil
}
