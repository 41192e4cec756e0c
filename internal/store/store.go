// Package store implements file operations scoped to a storage root.
//
// Paths handed to a Store are slash-separated and relative to the root.
// Entries are read from the filesystem on every call; nothing is cached and
// nothing is locked, so concurrent writers interleave as the OS allows.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"personalcloud/internal/fsutil"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrExists     = errors.New("already exists")
	ErrEmptyQuery = errors.New("empty search query")
	ErrRoot       = errors.New("operation not allowed on storage root")
)

// DateLayout formats modification times in listings and search results.
const DateLayout = "2006-01-02 15:04"

type Store struct {
	root     string
	reserved []string // absolute dirs that Write and CreateFolder refuse
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Reserve marks rel and everything below it as off limits for Write and
// CreateFolder. Reads and deletes are unaffected.
func (s *Store) Reserve(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.root {
		return fmt.Errorf("reserve: %w", ErrRoot)
	}
	s.reserved = append(s.reserved, abs)
	return nil
}

// resolveWritable is Resolve plus the reserved-directory check.
func (s *Store) resolveWritable(rel string) (string, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	for _, dir := range s.reserved {
		if fsutil.Within(dir, abs) {
			return "", fmt.Errorf("%q: %w", rel, fsutil.ErrReserved)
		}
	}
	return abs, nil
}

// Resolve maps rel to an absolute path inside the root.
func (s *Store) Resolve(rel string) (string, error) {
	return fsutil.JoinWithinRoot(s.root, rel)
}

type Folder struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type File struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size string `json:"size"`
	Date string `json:"date"`
}

// Listing is the immediate content of one folder, each slice sorted by name.
type Listing struct {
	Folders []Folder `json:"folders"`
	Files   []File   `json:"files"`
}

// Match is a search hit. Folder is the relative path of the containing folder.
type Match struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Folder string `json:"folder"`
	Size   string `json:"size"`
	Date   string `json:"date"`
}

// List returns the folders and files directly inside folder ("" is the root).
func (s *Store) List(folder string) (*Listing, error) {
	abs, err := s.Resolve(folder)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("list %q: %w", folder, ErrNotFound)
	}
	ents, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", folder, err)
	}

	rel := fsutil.CleanRelPath(folder)
	out := &Listing{Folders: []Folder{}, Files: []File{}}
	for _, e := range ents {
		// Stat, not Lstat: a symlink is listed as whatever it points to.
		info, err := os.Stat(filepath.Join(abs, e.Name()))
		if err != nil {
			continue
		}
		childRel := joinRel(rel, e.Name())
		if info.IsDir() {
			out.Folders = append(out.Folders, Folder{Name: e.Name(), Path: childRel})
			continue
		}
		out.Files = append(out.Files, File{
			Name: e.Name(),
			Path: childRel,
			Size: FormatSize(info.Size()),
			Date: FormatDate(info.ModTime()),
		})
	}
	sort.Slice(out.Folders, func(i, j int) bool { return out.Folders[i].Name < out.Folders[j].Name })
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Name < out.Files[j].Name })
	return out, nil
}

// Search walks the whole root depth-first and returns every file whose name
// contains query, ignoring case. Folders are descended into but never match.
// Symlinked files are matched like the files they point to; symlinked
// directories are not followed.
func (s *Store) Search(ctx context.Context, query string) ([]Match, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	q := strings.ToLower(query)
	hits := []Match{}
	var walk func(absDir, relDir string) error
	walk = func(absDir, relDir string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ents, err := os.ReadDir(absDir)
		if err != nil {
			return nil // unreadable folders are skipped
		}
		for _, e := range ents {
			name := e.Name()
			rel := joinRel(relDir, name)
			switch {
			case e.IsDir():
				if err := walk(filepath.Join(absDir, name), rel); err != nil {
					return err
				}
			case e.Type().IsRegular(), e.Type()&fs.ModeSymlink != 0:
				if !strings.Contains(strings.ToLower(name), q) {
					continue
				}
				// Stat follows links, so a link counts when it points at a regular file.
				info, err := os.Stat(filepath.Join(absDir, name))
				if err != nil || !info.Mode().IsRegular() {
					continue
				}
				hits = append(hits, Match{
					Name:   name,
					Path:   rel,
					Folder: relDir,
					Size:   FormatSize(info.Size()),
					Date:   FormatDate(info.ModTime()),
				})
			}
		}
		return nil
	}
	if err := walk(s.root, ""); err != nil {
		return nil, err
	}
	return hits, nil
}

// CreateFolder creates rel and any missing parents. It fails with ErrExists
// if anything already exists at rel.
func (s *Store) CreateFolder(rel string) error {
	abs, err := s.resolveWritable(rel)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(abs); err == nil {
		return fmt.Errorf("create folder %q: %w", rel, ErrExists)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create folder %q: %w", rel, err)
	}
	return nil
}

// Write stores data at rel, creating parent folders and replacing any
// existing file.
func (s *Store) Write(rel string, data []byte) error {
	abs, err := s.resolveWritable(rel)
	if err != nil {
		return err
	}
	if abs == s.root {
		return fmt.Errorf("write: %w", ErrRoot)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// Open returns the regular file at rel for reading. The caller closes it.
func (s *Store) Open(rel string) (*os.File, fs.FileInfo, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, nil, err
	}
	st, err := os.Stat(abs)
	if err != nil || !st.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("open %q: %w", rel, ErrNotFound)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, err
	}
	return f, st, nil
}

// DeleteFile removes the regular file at rel.
func (s *Store) DeleteFile(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	st, err := os.Stat(abs)
	if err != nil || !st.Mode().IsRegular() {
		return fmt.Errorf("delete file %q: %w", rel, ErrNotFound)
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("delete file %q: %w", rel, err)
	}
	return nil
}

// DeleteFolder removes the folder at rel with everything below it. The
// root itself cannot be deleted.
func (s *Store) DeleteFolder(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.root {
		return fmt.Errorf("delete folder: %w", ErrRoot)
	}
	st, err := os.Stat(abs)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("delete folder %q: %w", rel, ErrNotFound)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("delete folder %q: %w", rel, err)
	}
	return nil
}

// FormatSize renders n as "<n> bytes" or with two decimals in KB, MB or GB
// (1024-based).
func FormatSize(n int64) string {
	kb := float64(n) / 1024
	mb := kb / 1024
	gb := mb / 1024
	switch {
	case gb >= 1:
		return fmt.Sprintf("%.2f GB", gb)
	case mb >= 1:
		return fmt.Sprintf("%.2f MB", mb)
	case kb >= 1:
		return fmt.Sprintf("%.2f KB", kb)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

// FormatDate renders t in local time using DateLayout.
func FormatDate(t time.Time) string {
	return t.Local().Format(DateLayout)
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
