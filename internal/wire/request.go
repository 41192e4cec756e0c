// Package wire reads HTTP/1.1 requests from and writes responses to raw
// byte streams. One request per connection; no keep-alive.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedRequest covers request lines with fewer than three tokens and
// paths that do not percent-decode.
var ErrMalformedRequest = errors.New("malformed request")

// Request is a parsed request head plus an unread body.
type Request struct {
	Method  string
	Path    string // percent-decoded
	RawPath string
	Version string
	// Header keys are lowercased; a repeated header keeps its last value.
	Header        map[string]string
	ContentLength int64

	body io.Reader
}

// ReadRequest reads the request line and headers from r. It returns io.EOF
// when the peer closed the connection before sending a request line.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	requestLine, err := readLine(r)
	if err != nil {
		return nil, err
	}

	header := make(map[string]string)
	for {
		line, err := readLine(r)
		if err != nil || line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		header[strings.ToLower(name)] = value
	}

	parts := strings.Split(requestLine, " ")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, requestLine)
	}
	path, err := url.QueryUnescape(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	return &Request{
		Method:        parts[0],
		Path:          path,
		RawPath:       parts[1],
		Version:       parts[2],
		Header:        header,
		ContentLength: parseContentLength(header["content-length"]),
		body:          r,
	}, nil
}

// NewRequest builds a request around an in-memory body, as a relay would
// hand it over. Content-Length is taken from the body.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{
		Method:        method,
		Path:          path,
		RawPath:       path,
		Version:       "HTTP/1.1",
		Header:        map[string]string{"content-length": strconv.Itoa(len(body))},
		ContentLength: int64(len(body)),
		body:          bytes.NewReader(body),
	}
}

// ReadBody reads exactly ContentLength bytes, or fewer if the stream ends
// first. It blocks until then.
func (r *Request) ReadBody() ([]byte, error) {
	if r.ContentLength <= 0 || r.body == nil {
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(r.body, r.ContentLength))
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseContentLength(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
