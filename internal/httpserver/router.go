package httpserver

import (
	"context"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"personalcloud/internal/wire"
)

type matchType int

const (
	matchExact matchType = iota
	matchPrefix
)

type route struct {
	method  string
	pattern string
	match   matchType
	handle  func(*exchange)
}

// arg returns the part of path after the pattern and whether path matches.
func (r route) arg(path string) (string, bool) {
	switch r.match {
	case matchExact:
		return "", path == r.pattern
	case matchPrefix:
		if strings.HasPrefix(path, r.pattern) {
			return path[len(r.pattern):], true
		}
	}
	return "", false
}

func (s *Server) routeTable() []route {
	return []route{
		{"GET", "/", matchExact, s.handleIndex},
		{"GET", "/index.html", matchExact, s.handleIndex},
		{"GET", "/download/", matchPrefix, s.handleDownload},
		{"GET", "/list", matchExact, s.handleList},
		{"GET", "/list/", matchPrefix, s.handleList},
		{"GET", "/search?", matchPrefix, s.handleSearch},
		{"GET", "/search", matchExact, s.handleSearch},
		{"GET", "/thumb/", matchPrefix, s.handleThumb},
		{"GET", "/createfolder", matchPrefix, s.handleCreateFolderGet},

		{"POST", "/upload", matchExact, s.handleUpload},
		{"POST", "/upload-chunk", matchExact, s.handleUploadChunk},
		{"POST", "/complete-upload", matchExact, s.handleCompleteUpload},
		{"POST", "/createfolder", matchExact, s.handleCreateFolder},

		{"DELETE", "/delete/", matchPrefix, s.handleDelete},
		{"DELETE", "/deletefolder/", matchPrefix, s.handleDeleteFolder},
	}
}

// exchange carries one request through a handler and records what was
// written for the access log.
type exchange struct {
	ctx context.Context
	req *wire.Request
	arg string
	w   io.Writer
	log zerolog.Logger

	status int
	bytes  int64
	err    error
}

// dispatch routes req and writes exactly one response to w.
func (s *Server) dispatch(ctx context.Context, w io.Writer, req *wire.Request, lg zerolog.Logger) {
	x := &exchange{ctx: ctx, req: req, w: w, log: lg}

	var handle func(*exchange)
	pathKnown := false
	for _, r := range s.routes {
		arg, ok := r.arg(req.Path)
		if !ok {
			continue
		}
		pathKnown = true
		if r.method == req.Method {
			x.arg = arg
			handle = r.handle
			break
		}
	}
	switch {
	case handle != nil:
		handle(x)
	case pathKnown:
		x.text(405, wire.TypeText, "Method Not Allowed")
	default:
		x.text(404, wire.TypeText, "Not Found")
	}

	ev := lg.Info()
	if x.status >= 500 {
		ev = lg.Error()
	}
	ev.Int("status", x.status).Str("bytes", humanize.IBytes(uint64(x.bytes))).Err(x.err).Msg("request")
}

func (x *exchange) text(code int, contentType, body string) {
	x.status, x.bytes = code, int64(len(body))
	x.err = wire.WriteText(x.w, code, contentType, body)
}

func (x *exchange) json(code int, v any) {
	x.text(code, wire.TypeJSON, encodeJSON(v))
}

func (x *exchange) binary(code int, contentType string, data []byte) {
	x.status, x.bytes = code, int64(len(data))
	x.err = wire.WriteBinary(x.w, code, contentType, data)
}

func (x *exchange) attachment(name string, size int64, r io.Reader) {
	x.status = 200
	x.bytes, x.err = wire.WriteAttachment(x.w, name, size, r)
}
