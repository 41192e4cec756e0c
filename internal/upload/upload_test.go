package upload

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personalcloud/internal/fsutil"
)

func split(data []byte, sizes ...int) [][]byte {
	var out [][]byte
	for _, n := range sizes {
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	if len(data) > 0 {
		out = append(out, data)
	}
	return out
}

func TestChunkedRoundTrip(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	payload := make([]byte, 100_003)
	rand.New(rand.NewSource(1)).Read(payload)
	chunks := split(payload, 1, 4096, 50_000, 7)

	// Out of order and with a duplicate index: storing is idempotent per index.
	for i := len(chunks) - 1; i >= 0; i-- {
		require.NoError(t, m.StoreChunk("up-1", i, chunks[i]))
	}
	require.NoError(t, m.StoreChunk("up-1", 2, chunks[2]))

	dst, size, err := m.Complete(context.Background(), "up-1", "media/big.bin", len(chunks))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "media", "big.bin"), dst)
	assert.Equal(t, int64(len(payload)), size)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	_, err = os.Stat(filepath.Join(root, ChunksDirName))
	assert.True(t, os.IsNotExist(err), "empty chunks dir is removed")
}

func TestCompleteKeepsOtherSessions(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	require.NoError(t, m.StoreChunk("a", 0, []byte("A")))
	require.NoError(t, m.StoreChunk("b", 0, []byte("B")))

	_, _, err := m.Complete(context.Background(), "a", "a.txt", 1)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, ChunksDirName, "b", "chunk_0"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, ChunksDirName, "a"))
	assert.True(t, os.IsNotExist(err))
}

func TestCompleteMissingChunk(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	require.NoError(t, m.StoreChunk("up", 0, []byte("zero")))
	require.NoError(t, m.StoreChunk("up", 2, []byte("two")))

	_, _, err := m.Complete(context.Background(), "up", "out.txt", 3)
	var missing *MissingChunkError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 1, missing.Index)
	assert.Equal(t, "Missing chunk 1", err.Error())

	_, err = os.Stat(filepath.Join(root, "out.txt"))
	assert.True(t, os.IsNotExist(err), "no target file on failure")

	// The session survives and can be finished once the gap is filled.
	require.NoError(t, m.StoreChunk("up", 1, []byte("one")))
	dst, _, err := m.Complete(context.Background(), "up", "out.txt", 3)
	require.NoError(t, err)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "zeroonetwo", string(b))
}

func TestCompleteMissingChunkLeavesExistingTarget(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("original"), 0o644))
	require.NoError(t, m.StoreChunk("up", 1, []byte("x")))

	_, _, err := m.Complete(context.Background(), "up", "keep.txt", 2)
	require.Error(t, err)
	b, err := os.ReadFile(filepath.Join(root, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(b))
}

func TestCompleteUnknownSession(t *testing.T) {
	m := New(t.TempDir())
	_, _, err := m.Complete(context.Background(), "nope", "x.txt", 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteRejectsTargetInStagingArea(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	require.NoError(t, m.StoreChunk("u9", 0, []byte("data")))

	for _, name := range []string{".chunks/u9/final.txt", ".chunks/other.txt", ".chunks"} {
		_, _, err := m.Complete(context.Background(), "u9", name, 1)
		assert.ErrorIs(t, err, fsutil.ErrReserved, name)
	}

	// Nothing was consumed; the session still completes to a normal path.
	dst, size, err := m.Complete(context.Background(), "u9", "final.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))
}

func TestCompleteZeroChunks(t *testing.T) {
	root := t.TempDir()
	m := New(root)
	require.NoError(t, m.StoreChunk("up", 0, []byte("ignored")))

	dst, size, err := m.Complete(context.Background(), "up", "empty.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	st, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Size())
}

func TestInvalidArguments(t *testing.T) {
	m := New(t.TempDir())
	assert.ErrorIs(t, m.StoreChunk("", 0, nil), ErrInvalidID)
	assert.ErrorIs(t, m.StoreChunk("../x", 0, nil), ErrInvalidID)
	assert.ErrorIs(t, m.StoreChunk("..", 0, nil), ErrInvalidID)
	assert.ErrorIs(t, m.StoreChunk("ok", -1, nil), ErrInvalidIndex)

	require.NoError(t, m.StoreChunk("ok", 0, []byte("x")))
	_, _, err := m.Complete(context.Background(), "ok", "x", -1)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, _, err = m.Complete(context.Background(), "ok", "../escape.txt", 1)
	assert.ErrorIs(t, err, fsutil.ErrPathEscape)
	_, _, err = m.Complete(context.Background(), "ok", "", 1)
	assert.Error(t, err)
}

func TestPending(t *testing.T) {
	m := New(t.TempDir())
	sessions, err := m.Pending()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	require.NoError(t, m.StoreChunk("abandoned", 0, []byte("12345")))
	require.NoError(t, m.StoreChunk("abandoned", 1, []byte("678")))

	sessions, err = m.Pending()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abandoned", sessions[0].ID)
	assert.Equal(t, 2, sessions[0].Chunks)
	assert.Equal(t, int64(8), sessions[0].Bytes)
	assert.False(t, sessions[0].Modified.IsZero())
}
