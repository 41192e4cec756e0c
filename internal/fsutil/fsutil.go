package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape reports a relative path that would resolve outside its root.
var ErrPathEscape = errors.New("path escapes storage root")

// ErrReserved reports a path inside a directory the server keeps for itself.
var ErrReserved = errors.New("path is reserved")

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinWithinRoot returns an absolute filesystem path under root for a given rel
// path. Any ".." segment or NUL byte is rejected with ErrPathEscape instead of
// being silently clamped to the root.
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	if strings.Contains(rel, "\x00") {
		return "", ErrPathEscape
	}
	for _, seg := range strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/") {
		if seg == ".." {
			return "", ErrPathEscape
		}
	}
	rel = CleanRelPath(rel)
	rootClean := filepath.Clean(rootAbs)
	if rel == "" {
		return rootClean, nil
	}
	absClean := filepath.Clean(filepath.Join(rootClean, filepath.FromSlash(rel)))
	if absClean != rootClean && !strings.HasPrefix(absClean, rootClean+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return absClean, nil
}

// Within reports whether p is dir or lies below it. Both must be absolute.
func Within(dir, p string) bool {
	dir, p = filepath.Clean(dir), filepath.Clean(p)
	return p == dir || strings.HasPrefix(p, dir+string(filepath.Separator))
}

// MoveFile renames src to dst, replacing dst. If the rename fails (for
// example across devices) it falls back to copy+fsync and removes src.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if err2 := copyFile(src, dst); err2 != nil {
		return fmt.Errorf("move %s: rename=%v copy=%w", filepath.Base(dst), err, err2)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
