package wire

import (
	"fmt"
	"io"
)

// Content types used by the server.
const (
	TypeText        = "text/plain"
	TypeHTML        = "text/html"
	TypeJSON        = "application/json"
	TypeOctetStream = "application/octet-stream"
)

type flusher interface {
	Flush() error
}

// WriteText writes a complete text response. The reason phrase is always
// "OK" and Content-Length is the byte length of body.
func WriteText(w io.Writer, code int, contentType, body string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d OK\r\nContent-Type: %s; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s",
		code, contentType, len(body), body)
	if err != nil {
		return err
	}
	return flush(w)
}

// WriteChallenge writes the 401 response asking for Basic credentials.
func WriteChallenge(w io.Writer, realm string) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic realm=%q\r\nContent-Length: 0\r\n\r\n", realm)
	if err != nil {
		return err
	}
	return flush(w)
}

// WriteAttachment writes a download header block for a file of the given
// size and copies the content from r.
func WriteAttachment(w io.Writer, filename string, size int64, r io.Reader) (int64, error) {
	_, err := fmt.Fprintf(w, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Disposition: attachment; filename=\"%s\"\r\nContent-Length: %d\r\n\r\n",
		TypeOctetStream, filename, size)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return n, err
	}
	return n, flush(w)
}

// WriteBinary writes an in-memory binary body without a charset.
func WriteBinary(w io.Writer, code int, contentType string, data []byte) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", code, contentType, len(data))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return flush(w)
}

func flush(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
