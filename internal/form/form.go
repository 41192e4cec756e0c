// Package form decodes percent-encoded key=value&key=value request bodies.
package form

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformed is returned for a pair without "=" or with a bad escape.
var ErrMalformed = errors.New("malformed form payload")

// Values maps a decoded key to its decoded value. A key repeated in the
// payload keeps its last value.
type Values map[string]string

// Decode parses body. Empty pairs (as produced by a trailing "&") are skipped.
func Decode(body string) (Values, error) {
	v := Values{}
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: pair %q has no value", ErrMalformed, pair)
		}
		dk, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		dv, err := url.QueryUnescape(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		v[dk] = dv
	}
	return v, nil
}

// Get returns the value for key, or "" when absent.
func (v Values) Get(key string) string {
	return v[key]
}

// Lookup is Get plus presence.
func (v Values) Lookup(key string) (string, bool) {
	s, ok := v[key]
	return s, ok
}

// Int parses the value for key as a base-10 int. ok is false when the key is
// missing or not a number.
func (v Values) Int(key string) (n int, ok bool) {
	s, present := v[key]
	if !present {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
