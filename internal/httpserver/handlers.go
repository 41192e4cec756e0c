package httpserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"personalcloud/internal/form"
	"personalcloud/internal/fsutil"
	"personalcloud/internal/store"
	"personalcloud/internal/upload"
	"personalcloud/internal/wire"
)

const emptyListing = `{"folders":[],"files":[]}`

func (s *Server) handleIndex(x *exchange) {
	b, err := fs.ReadFile(s.webFS, "index.html")
	if err != nil {
		x.text(500, wire.TypeText, "missing ui")
		return
	}
	x.text(200, wire.TypeHTML, string(b))
}

func (s *Server) handleDownload(x *exchange) {
	f, st, err := s.store.Open(x.arg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		x.text(404, wire.TypeText, "File not found")
		return
	case errors.Is(err, fsutil.ErrPathEscape):
		x.text(400, wire.TypeText, "Invalid path")
		return
	case err != nil:
		x.text(500, wire.TypeText, "Error: "+err.Error())
		return
	}
	defer f.Close()
	x.attachment(st.Name(), st.Size(), f)
}

func (s *Server) handleList(x *exchange) {
	l, err := s.store.List(x.arg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		x.text(404, wire.TypeJSON, emptyListing)
	case errors.Is(err, fsutil.ErrPathEscape):
		x.json(400, map[string]string{"error": "Invalid path"})
	case err != nil:
		x.json(500, map[string]string{"error": err.Error()})
	default:
		x.json(200, l)
	}
}

func (s *Server) handleSearch(x *exchange) {
	// x.arg is the query string after "?", e.g. "q=report".
	_, raw, _ := strings.Cut(x.arg, "=")
	q, err := url.QueryUnescape(raw)
	if err != nil {
		q = raw
	}
	hits, err := s.store.Search(x.ctx, q)
	switch {
	case errors.Is(err, store.ErrEmptyQuery):
		x.text(400, wire.TypeJSON, `{"error":"Empty search query"}`)
	case err != nil:
		x.json(500, map[string]string{"error": err.Error()})
	default:
		x.json(200, hits)
	}
}

func (s *Server) handleCreateFolderGet(x *exchange) {
	x.text(405, wire.TypeText, "Use POST method")
}

func (s *Server) handleCreateFolder(x *exchange) {
	v, ok := readForm(x)
	if !ok {
		return
	}
	path, ok := v.Lookup("path")
	if !ok {
		x.text(400, wire.TypeText, "No path specified")
		return
	}
	err := s.store.CreateFolder(path)
	switch {
	case errors.Is(err, store.ErrExists):
		x.text(400, wire.TypeText, "Folder already exists")
	case errors.Is(err, fsutil.ErrPathEscape), errors.Is(err, fsutil.ErrReserved):
		x.text(400, wire.TypeText, "Invalid path")
	case err != nil:
		x.log.Error().Err(err).Msg("create folder")
		x.text(500, wire.TypeText, "Failed to create folder")
	default:
		x.text(200, wire.TypeText, "Folder created successfully")
	}
}

func (s *Server) handleUpload(x *exchange) {
	v, ok := readForm(x)
	if !ok {
		return
	}
	filename, ok := v.Lookup("filename")
	if !ok {
		x.text(400, wire.TypeText, "No filename")
		return
	}
	data, ok := readContent(x, v)
	if !ok {
		return
	}
	err := s.store.Write(filename, data)
	switch {
	case errors.Is(err, fsutil.ErrPathEscape), errors.Is(err, fsutil.ErrReserved), errors.Is(err, store.ErrRoot):
		x.text(400, wire.TypeText, "Invalid path")
	case err != nil:
		x.text(500, wire.TypeText, "Upload failed: "+err.Error())
	default:
		x.log.Info().Str("file", filename).Str("size", humanize.IBytes(uint64(len(data)))).Msg("file uploaded")
		x.text(200, wire.TypeText, "File uploaded successfully")
	}
}

func (s *Server) handleUploadChunk(x *exchange) {
	v, ok := readForm(x)
	if !ok {
		return
	}
	id, ok := v.Lookup("uploadId")
	if !ok {
		x.text(400, wire.TypeText, "No upload ID")
		return
	}
	index, ok := v.Int("chunkIndex")
	if !ok {
		x.text(400, wire.TypeText, "No chunk index")
		return
	}
	data, ok := readContent(x, v)
	if !ok {
		return
	}
	err := s.uploads.StoreChunk(id, index, data)
	switch {
	case errors.Is(err, upload.ErrInvalidID), errors.Is(err, upload.ErrInvalidIndex):
		x.text(400, wire.TypeText, "Chunk upload failed: "+err.Error())
	case err != nil:
		x.log.Error().Err(err).Str("upload_id", id).Int("chunk", index).Msg("chunk upload")
		x.text(500, wire.TypeText, "Chunk upload failed: "+err.Error())
	default:
		x.text(200, wire.TypeText, fmt.Sprintf("Chunk %d uploaded successfully", index))
	}
}

func (s *Server) handleCompleteUpload(x *exchange) {
	v, ok := readForm(x)
	if !ok {
		return
	}
	id, ok := v.Lookup("uploadId")
	if !ok {
		x.text(400, wire.TypeText, "No upload ID")
		return
	}
	filename, ok := v.Lookup("filename")
	if !ok {
		x.text(400, wire.TypeText, "No filename")
		return
	}
	total, ok := v.Int("totalChunks")
	if !ok {
		x.text(400, wire.TypeText, "No total chunks")
		return
	}
	_, size, err := s.uploads.Complete(x.ctx, id, filename, total)
	switch {
	case errors.Is(err, upload.ErrInvalidID), errors.Is(err, upload.ErrInvalidCount),
		errors.Is(err, fsutil.ErrPathEscape), errors.Is(err, fsutil.ErrReserved):
		x.text(400, wire.TypeText, "Failed to complete upload: "+err.Error())
	case err != nil:
		x.log.Error().Err(err).Str("upload_id", id).Msg("complete upload")
		x.text(500, wire.TypeText, "Failed to complete upload: "+err.Error())
	default:
		x.log.Info().Str("upload_id", id).Str("file", filename).Int("chunks", total).
			Str("size", humanize.IBytes(uint64(size))).Msg("chunked upload completed")
		x.text(200, wire.TypeText, fmt.Sprintf("File uploaded successfully (%s)", store.FormatSize(size)))
	}
}

func (s *Server) handleDelete(x *exchange) {
	err := s.store.DeleteFile(x.arg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		x.text(404, wire.TypeText, "File not found")
	case errors.Is(err, fsutil.ErrPathEscape):
		x.text(400, wire.TypeText, "Invalid path")
	case err != nil:
		x.log.Error().Err(err).Msg("delete file")
		x.text(500, wire.TypeText, "Failed to delete file")
	default:
		x.text(200, wire.TypeText, "File deleted")
	}
}

func (s *Server) handleDeleteFolder(x *exchange) {
	err := s.store.DeleteFolder(x.arg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		x.text(404, wire.TypeText, "Folder not found")
	case errors.Is(err, fsutil.ErrPathEscape), errors.Is(err, store.ErrRoot):
		x.text(400, wire.TypeText, "Invalid path")
	case err != nil:
		x.log.Error().Err(err).Msg("delete folder")
		x.text(500, wire.TypeText, "Failed to delete folder")
	default:
		x.text(200, wire.TypeText, "Folder deleted")
	}
}

func (s *Server) handleThumb(x *exchange) {
	if !isImageExt(strings.ToLower(filepath.Ext(x.arg))) {
		x.text(404, wire.TypeText, "Not Found")
		return
	}
	f, _, err := s.store.Open(x.arg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		x.text(404, wire.TypeText, "File not found")
		return
	case errors.Is(err, fsutil.ErrPathEscape):
		x.text(400, wire.TypeText, "Invalid path")
		return
	case err != nil:
		x.text(500, wire.TypeText, "Error: "+err.Error())
		return
	}
	defer f.Close()
	b, err := makeThumb(f, thumbSize)
	if err != nil {
		x.log.Debug().Err(err).Msg("thumbnail")
		x.text(404, wire.TypeText, "Thumbnail not available")
		return
	}
	x.binary(200, "image/jpeg", b)
}

// --- helpers ---

// readForm reads and decodes the request body, answering 400 itself when
// the payload is malformed.
func readForm(x *exchange) (form.Values, bool) {
	body, err := x.req.ReadBody()
	if err != nil {
		x.text(400, wire.TypeText, "Bad Request")
		return nil, false
	}
	v, err := form.Decode(string(body))
	if err != nil {
		x.text(400, wire.TypeText, "Invalid form payload: "+err.Error())
		return nil, false
	}
	return v, true
}

// readContent decodes the base64 "content" field.
func readContent(x *exchange, v form.Values) ([]byte, bool) {
	content, ok := v.Lookup("content")
	if !ok {
		x.text(400, wire.TypeText, "No content")
		return nil, false
	}
	data, err := decodeBase64(content)
	if err != nil {
		x.text(400, wire.TypeText, "Invalid content: "+err.Error())
		return nil, false
	}
	return data, true
}

// decodeBase64 accepts padded or unpadded standard base64 and ignores line
// breaks. Spaces are read as '+', which form decoding produces when a client
// forgets to escape it.
func decodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("\r", "", "\n", "", " ", "+").Replace(s)
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	if b2, err2 := base64.RawStdEncoding.DecodeString(s); err2 == nil {
		return b2, nil
	}
	return nil, err
}

func encodeJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return `{"error":"encode failed"}`
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
