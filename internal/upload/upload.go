package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"personalcloud/internal/fsutil"
)

// A minimal chunked upload protocol:
// - POST /upload-chunk     uploadId, chunkIndex, content  => store one chunk
// - POST /complete-upload  uploadId, filename, totalChunks => assemble into filename
//
// State lives on disk only: <root>/.chunks/<uploadId>/chunk_<index>. A
// session exists exactly as long as its directory does. Sessions that are
// never completed stay on disk until removed by hand; see Pending.

const (
	ChunksDirName = ".chunks"
	chunkPrefix   = "chunk_"
	assembledName = "assembled.part"
)

var (
	ErrSessionNotFound = errors.New("Upload session not found")
	ErrInvalidID       = errors.New("invalid upload id")
	ErrInvalidIndex    = errors.New("invalid chunk index")
	ErrInvalidCount    = errors.New("invalid total chunks")
)

// MissingChunkError is returned by Complete when an expected chunk blob is
// absent. Nothing is written to the target in that case.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("Missing chunk %d", e.Index)
}

type Manager struct {
	rootAbs string
	dir     string
}

// Session describes an upload that has chunks on disk but was not completed.
type Session struct {
	ID       string
	Chunks   int
	Bytes    int64
	Modified time.Time // newest chunk
}

func New(rootAbs string) *Manager {
	return &Manager{
		rootAbs: rootAbs,
		dir:     filepath.Join(rootAbs, ChunksDirName),
	}
}

// StoreChunk writes data as chunk index of upload id, replacing any earlier
// blob with the same index.
func (m *Manager) StoreChunk(id string, index int, data []byte) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	dir, err := m.sessionDir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(chunkPath(dir, index), data, 0o644)
}

// Complete concatenates chunks 0..totalChunks-1 of upload id into filename
// (relative to the root) and removes the session. Every chunk is checked
// before the target is touched, and the result is assembled in the session
// directory and then moved into place.
func (m *Manager) Complete(ctx context.Context, id, filename string, totalChunks int) (dstAbs string, size int64, err error) {
	if totalChunks < 0 {
		return "", 0, fmt.Errorf("%w: %d", ErrInvalidCount, totalChunks)
	}
	dir, err := m.sessionDir(id)
	if err != nil {
		return "", 0, err
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return "", 0, ErrSessionNotFound
	}
	dstAbs, err = fsutil.JoinWithinRoot(m.rootAbs, filename)
	if err != nil {
		return "", 0, err
	}
	if dstAbs == filepath.Clean(m.rootAbs) {
		return "", 0, errors.New("missing target filename")
	}
	// The session cleanup below would delete a target inside the staging area.
	if fsutil.Within(m.dir, dstAbs) {
		return "", 0, fmt.Errorf("target %q: %w", filename, fsutil.ErrReserved)
	}

	for i := 0; i < totalChunks; i++ {
		st, err := os.Stat(chunkPath(dir, i))
		if err != nil || !st.Mode().IsRegular() {
			return "", 0, &MissingChunkError{Index: i}
		}
	}

	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return "", 0, err
	}
	tmp := filepath.Join(dir, assembledName)
	size, err = assemble(ctx, tmp, dir, totalChunks)
	if err != nil {
		_ = os.Remove(tmp)
		return "", 0, err
	}
	if err := fsutil.MoveFile(tmp, dstAbs); err != nil {
		_ = os.Remove(tmp)
		return "", 0, err
	}

	_ = os.RemoveAll(dir)
	if ents, err := os.ReadDir(m.dir); err == nil && len(ents) == 0 {
		_ = os.Remove(m.dir)
	}
	return dstAbs, size, nil
}

func assemble(ctx context.Context, tmp, dir string, totalChunks int) (int64, error) {
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()

	var total int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		in, err := os.Open(chunkPath(dir, i))
		if err != nil {
			// Removed between the check and now.
			return 0, &MissingChunkError{Index: i}
		}
		n, err := io.Copy(out, in)
		_ = in.Close()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := out.Sync(); err != nil {
		return 0, err
	}
	return total, out.Close()
}

// Pending lists sessions with chunks on disk, oldest first.
func (m *Manager) Pending() ([]Session, error) {
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Session
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		s := Session{ID: e.Name()}
		chunks, err := os.ReadDir(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		for _, c := range chunks {
			if !strings.HasPrefix(c.Name(), chunkPrefix) {
				continue
			}
			info, err := c.Info()
			if err != nil {
				continue
			}
			s.Chunks++
			s.Bytes += info.Size()
			if info.ModTime().After(s.Modified) {
				s.Modified = info.ModTime()
			}
		}
		if s.Modified.IsZero() {
			if info, err := e.Info(); err == nil {
				s.Modified = info.ModTime()
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modified.Before(out[j].Modified) })
	return out, nil
}

// sessionDir maps an upload id to its directory. Ids are opaque but must be
// a single path element.
func (m *Manager) sessionDir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(m.dir, id), nil
}

func chunkPath(dir string, index int) string {
	return filepath.Join(dir, chunkPrefix+strconv.Itoa(index))
}
