package backup

import (
	"archive/tar"
	"archive/zip"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
)

// Format is the archive container written by a backup.
type Format string

const (
	FormatTarGz Format = "tar.gz"
	FormatTar   Format = "tar"
	FormatZip   Format = "zip"
)

// ParseFormat accepts tar.gz (also tgz or gzip), tar and zip. Empty means tar.gz.
func ParseFormat(v string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "tar.gz", "tgz", "gzip":
		return FormatTarGz, nil
	case "tar", "none":
		return FormatTar, nil
	case "zip":
		return FormatZip, nil
	default:
		return "", fmt.Errorf("unknown archive format %q", v)
	}
}

func (f Format) Ext() string { return string(f) }

// formatFromName detects the archive format from a file name.
func formatFromName(name string) (Format, bool) {
	base := strings.ToLower(path.Base(name))
	switch {
	case strings.HasSuffix(base, ".tar.gz"), strings.HasSuffix(base, ".tgz"):
		return FormatTarGz, true
	case strings.HasSuffix(base, ".tar"):
		return FormatTar, true
	case strings.HasSuffix(base, ".zip"):
		return FormatZip, true
	default:
		return "", false
	}
}

func normalizeLevel(level int) int {
	if level == 0 {
		return 6
	}
	if level < 1 {
		return 1
	}
	if level > 9 {
		return 9
	}
	return level
}

// archiveWriter receives entries with slash separated paths relative to the
// archive root.
type archiveWriter interface {
	addDir(name string, info fs.FileInfo) error
	addFile(name string, info fs.FileInfo, r io.Reader) error
	Close() error
}

func newArchiveWriter(w io.Writer, format Format, level int) (archiveWriter, error) {
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewWriterLevel(w, normalizeLevel(level))
		if err != nil {
			return nil, err
		}
		return &tarWriter{tw: tar.NewWriter(gz), gz: gz}, nil
	case FormatTar:
		return &tarWriter{tw: tar.NewWriter(w)}, nil
	case FormatZip:
		zw := zip.NewWriter(w)
		lvl := normalizeLevel(level)
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, lvl)
		})
		return &zipWriter{zw: zw}, nil
	default:
		return nil, fmt.Errorf("unknown archive format %q", format)
	}
}

// errFileShrank marks an entry whose file got shorter while it was read. The
// entry is still complete: tar entries are padded with zeros to the size in
// their header.
var errFileShrank = errors.New("file shrank while being archived")

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

type tarWriter struct {
	tw *tar.Writer
	gz *gzip.Writer
}

func (t *tarWriter) addDir(name string, info fs.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name + "/"
	return t.tw.WriteHeader(hdr)
}

func (t *tarWriter) addFile(name string, info fs.FileInfo, r io.Reader) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := t.tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.CopyN(t.tw, r, hdr.Size)
	if errors.Is(err, io.EOF) {
		if _, err := io.CopyN(t.tw, zeros{}, hdr.Size-n); err != nil {
			return err
		}
		return fmt.Errorf("%s: read %d of %d bytes: %w", name, n, hdr.Size, errFileShrank)
	}
	if err != nil {
		return fmt.Errorf("%s: copied %d of %d bytes: %w", name, n, hdr.Size, err)
	}
	return nil
}

func (t *tarWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		return err
	}
	if t.gz != nil {
		return t.gz.Close()
	}
	return nil
}

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) addDir(name string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name + "/"
	_, err = z.zw.CreateHeader(hdr)
	return err
}

func (z *zipWriter) addFile(name string, info fs.FileInfo, r io.Reader) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := z.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	// zip entries are streamed; sizes are recorded when the entry closes
	n, err := io.Copy(w, r)
	if err != nil {
		return fmt.Errorf("%s: copied %d bytes: %w", name, n, err)
	}
	if n < info.Size() {
		return fmt.Errorf("%s: read %d of %d bytes: %w", name, n, info.Size(), errFileShrank)
	}
	return nil
}

func (z *zipWriter) Close() error { return z.zw.Close() }
