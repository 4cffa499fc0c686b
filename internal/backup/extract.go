package backup

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// entryPath resolves an archive entry under root, rejecting names that would
// land outside of it.
func entryPath(root, name string) (string, error) {
	name = strings.TrimSuffix(name, "/")
	if name == "" || name == "." {
		return "", nil
	}
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("entry %q escapes the restore target", name)
	}
	return filepath.Join(root, local), nil
}

func writeEntry(dst string, mode os.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var errUnsafeEntry = errors.New("unsafe archive entry")

// extract unpacks archive into root and returns the number of regular files.
func extract(ctx context.Context, archive string, format Format, root string) (int, error) {
	switch format {
	case FormatZip:
		return extractZip(ctx, archive, root)
	case FormatTar, FormatTarGz:
		return extractTar(ctx, archive, format == FormatTarGz, root)
	default:
		return 0, fmt.Errorf("unknown archive format %q", format)
	}
}

func extractTar(ctx context.Context, archive string, gzipped bool, root string) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, err
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	tr := tar.NewReader(r)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return files, fmt.Errorf("%w: %v", errUnsafeEntry, err)
		}
		if err != nil {
			return files, err
		}
		dst, err := entryPath(root, hdr.Name)
		if err != nil {
			return files, fmt.Errorf("%w: %v", errUnsafeEntry, err)
		}
		if dst == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeEntry(dst, os.FileMode(hdr.Mode), tr); err != nil {
				return files, err
			}
			files++
		}
	}
}

func extractZip(ctx context.Context, archive, root string) (int, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return 0, err
	}
	defer func() { _ = zr.Close() }()

	files := 0
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		dst, err := entryPath(root, zf.Name)
		if err != nil {
			return files, fmt.Errorf("%w: %v", errUnsafeEntry, err)
		}
		if dst == "" {
			continue
		}
		mode := zf.Mode()
		if mode.IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return files, err
			}
			continue
		}
		if !mode.IsRegular() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return files, err
		}
		err = writeEntry(dst, mode, rc)
		_ = rc.Close()
		if err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}
