package server

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// normalizeBasePath turns "api", "/api/" and " /api " into "/api". The
// root mount is "".
func normalizeBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return path.Clean("/" + bp)
}

var archiveSuffixes = []string{".tar.gz", ".tgz", ".tar", ".zip"}

// checkArchiveName accepts a bare archive file name as listed by /backups.
func checkArchiveName(name string) error {
	if name == "" {
		return fmt.Errorf("archive is required")
	}
	for _, r := range name {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-'
		if !ok {
			return fmt.Errorf("archive %q: only letters, digits, '.', '_' and '-' are allowed", name)
		}
	}
	if strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return fmt.Errorf("archive %q: not a plain file name", name)
	}
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(strings.ToLower(name), s) {
			return nil
		}
	}
	return fmt.Errorf("archive %q: expected one of %s", name, strings.Join(archiveSuffixes, ", "))
}

// checkRestoreTarget accepts an empty target (restore over the backup
// source) or an absolute path that is already clean.
func checkRestoreTarget(p string) error {
	if p == "" {
		return nil
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("target %q must be absolute", p)
	}
	trimmed := p
	if len(p) > 1 {
		trimmed = strings.TrimRight(p, string(filepath.Separator))
	}
	if filepath.Clean(p) != trimmed {
		return fmt.Errorf("target %q must not contain '.' or '..' segments", p)
	}
	return nil
}
