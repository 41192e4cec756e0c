package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"personalcloud/internal/config"
	"personalcloud/internal/wire"
)

// Realm is sent in the WWW-Authenticate challenge.
const Realm = "Personal Cloud"

// Basic checks HTTP Basic credentials against one shared username/password.
type Basic struct {
	username string
	password string
	hash     []byte // bcrypt; takes precedence over password when set
}

// New builds a Basic authenticator from cfg. A configured bcrypt hash must
// be well formed.
func New(cfg config.Config) (*Basic, error) {
	b := &Basic{username: cfg.Username, password: cfg.Password}
	if cfg.PasswordBcrypt != "" {
		if _, err := bcrypt.Cost([]byte(cfg.PasswordBcrypt)); err != nil {
			return nil, fmt.Errorf("password_bcrypt: %w", err)
		}
		b.hash = []byte(cfg.PasswordBcrypt)
	}
	return b, nil
}

// Authenticate reports whether headers (lowercased keys) carry the
// configured credentials. Missing header, wrong scheme, bad base64 and
// mismatches are all just false.
func (b *Basic) Authenticate(headers map[string]string) bool {
	v, ok := headers["authorization"]
	if !ok {
		return false
	}
	creds, ok := decodeBasic(v)
	if !ok {
		return false
	}
	// Compare "user:" as a prefix so usernames containing ':' still match exactly.
	prefix := b.username + ":"
	if len(creds) < len(prefix) || subtle.ConstantTimeCompare([]byte(creds[:len(prefix)]), []byte(prefix)) != 1 {
		return false
	}
	pass := creds[len(prefix):]
	if b.hash != nil {
		return bcrypt.CompareHashAndPassword(b.hash, []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(b.password)) == 1
}

// Challenge writes the 401 response.
func (b *Basic) Challenge(w io.Writer) error {
	return wire.WriteChallenge(w, Realm)
}

// HeaderValue returns the Authorization value for user/pass.
func HeaderValue(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func decodeBasic(v string) (string, bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", false
	}
	enc := strings.TrimSpace(v[len(prefix):])
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(enc)
		if err != nil {
			return "", false
		}
	}
	return string(raw), true
}
