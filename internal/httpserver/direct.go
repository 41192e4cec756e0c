package httpserver

import (
	"bytes"
	"context"
	"net/url"
	"runtime/debug"

	"personalcloud/internal/wire"
)

// Handle runs one request through the same router and response writer as
// the socket path, without a socket and without Basic authentication, and
// returns the serialized response parsed back into fields. It is meant for
// relay collaborators that authenticate their own peers.
func (s *Server) Handle(ctx context.Context, method, path, body string) (res *wire.Result) {
	lg := s.log.With().Str("conn", "direct").Str("method", method).Str("path", path).Logger()
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("direct request panicked")
			res = internalError()
		}
	}()

	var buf bytes.Buffer
	decoded, err := url.QueryUnescape(path)
	if err != nil {
		_ = wire.WriteText(&buf, 400, wire.TypeText, "Bad Request")
	} else {
		s.dispatch(ctx, &buf, wire.NewRequest(method, decoded, []byte(body)), lg)
	}

	res, err = wire.ParseResponse(buf.Bytes())
	if err != nil {
		lg.Error().Err(err).Msg("parse direct response")
		return internalError()
	}
	return res
}

func internalError() *wire.Result {
	return &wire.Result{StatusCode: 500, Header: map[string]string{}, Text: "Internal Server Error"}
}
