package wire

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

var errNoHeaderEnd = errors.New("response has no header terminator")

// Result is a serialized response parsed back into fields. Exactly one of
// Text and Body is populated, depending on Binary.
type Result struct {
	StatusCode int
	Header     map[string]string
	Text       string
	Body       []byte
	Binary     bool
}

// ParseResponse splits a serialized response into status, headers and body.
// Header names keep their case. A status line without a numeric code is
// read as 200.
func ParseResponse(raw []byte) (*Result, error) {
	headEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headEnd < 0 {
		return nil, errNoHeaderEnd
	}
	lines := strings.Split(string(raw[:headEnd]), "\r\n")

	res := &Result{StatusCode: 200, Header: make(map[string]string)}
	if fields := strings.Split(lines[0], " "); len(fields) > 1 {
		if code, err := strconv.Atoi(fields[1]); err == nil {
			res.StatusCode = code
		}
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ": ")
		if ok {
			res.Header[name] = value
		}
	}

	body := raw[headEnd+4:]
	res.Binary = IsBinaryType(res.Header["Content-Type"])
	if res.Binary {
		res.Body = append([]byte(nil), body...)
	} else {
		res.Text = string(body)
	}
	return res, nil
}

// IsBinaryType reports whether a Content-Type value denotes a raw byte body.
func IsBinaryType(contentType string) bool {
	return strings.Contains(contentType, "octet-stream") || strings.HasPrefix(contentType, "image/")
}
