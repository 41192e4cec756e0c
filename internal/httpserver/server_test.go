package httpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personalcloud/internal/auth"
	"personalcloud/internal/config"
	"personalcloud/internal/wire"
)

const (
	testUser = "alice"
	testPass = "s3cret"
)

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Config{Root: t.TempDir(), Username: testUser, Password: testPass}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(Options{Config: cfg, Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	require.NoError(t, err)
	return s
}

func startTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	s := newTestServer(t, mutate...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func rawRequest(method, path, authorization, body string) string {
	req := fmt.Sprintf("%s %s HTTP/1.1\r\nHost: localhost\r\n", method, path)
	if authorization != "" {
		req += "Authorization: " + authorization + "\r\n"
	}
	if body != "" {
		req += fmt.Sprintf("Content-Length: %d\r\n", len(body))
	}
	return req + "\r\n" + body
}

func send(t *testing.T, s *Server, raw string) *wire.Result {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.WriteString(c, raw)
	require.NoError(t, err)
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	res, err := wire.ParseResponse(b)
	require.NoError(t, err, "raw response: %q", b)
	return res
}

func authed(method, path, body string) string {
	return rawRequest(method, path, auth.HeaderValue(testUser, testPass), body)
}

func TestStartStopLifecycle(t *testing.T) {
	s := newTestServer(t)
	assert.False(t, s.Running())
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	addr := s.Addr().String()
	require.NoError(t, s.Start(), "second Start is a no-op")
	assert.Equal(t, addr, s.Addr().String())
	done := s.Done()

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	require.NoError(t, s.Stop(), "second Stop is a no-op")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not exit after Stop")
	}

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener is closed")

	require.NoError(t, s.Start(), "restart after Stop")
	defer s.Stop()
	res := send(t, s, authed("GET", "/list", ""))
	assert.Equal(t, 200, res.StatusCode)
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Config{Root: t.TempDir(), Username: testUser, Password: testPass}
	s, err := New(Options{Config: cfg, Addr: ln.Addr().String(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Error(t, s.Start())
	assert.False(t, s.Running())
}

func TestSocketAuthentication(t *testing.T) {
	s := startTestServer(t)
	require.NoError(t, s.store.Write("keep.txt", []byte("x")))

	cases := map[string]string{
		"missing":      "",
		"wrong pass":   auth.HeaderValue(testUser, "nope"),
		"wrong user":   auth.HeaderValue("bob", testPass),
		"wrong scheme": "Bearer abc",
		"bad base64":   "Basic %%%",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			res := send(t, s, rawRequest("DELETE", "/delete/keep.txt", header, ""))
			assert.Equal(t, 401, res.StatusCode)
			assert.Equal(t, `Basic realm="Personal Cloud"`, res.Header["WWW-Authenticate"])
			assert.Equal(t, "0", res.Header["Content-Length"])
			assert.Empty(t, res.Text)
		})
	}
	_, err := os.Stat(filepath.Join(s.store.Root(), "keep.txt"))
	assert.NoError(t, err, "route was not processed")

	res := send(t, s, authed("GET", "/list", ""))
	assert.Equal(t, 200, res.StatusCode)
}

func TestSocketMalformedRequest(t *testing.T) {
	s := startTestServer(t)
	res := send(t, s, "GARBAGE\r\n\r\n")
	assert.Equal(t, 400, res.StatusCode)
	assert.Equal(t, "Bad Request", res.Text)
}

func TestSocketUploadDownloadRoundTrip(t *testing.T) {
	s := startTestServer(t)

	body := "filename=hello.txt&content=" + url.QueryEscape(base64.StdEncoding.EncodeToString([]byte("Hello World")))
	res := send(t, s, authed("POST", "/upload", body))
	require.Equal(t, 200, res.StatusCode, res.Text)
	assert.Equal(t, "File uploaded successfully", res.Text)

	res = send(t, s, authed("GET", "/download/hello.txt", ""))
	require.Equal(t, 200, res.StatusCode)
	assert.True(t, res.Binary)
	assert.Equal(t, `attachment; filename="hello.txt"`, res.Header["Content-Disposition"])
	assert.Equal(t, "11", res.Header["Content-Length"])
	assert.Equal(t, []byte("Hello World"), res.Body)
}

func TestSocketPercentEncodedPath(t *testing.T) {
	s := startTestServer(t)
	require.NoError(t, s.store.Write("my docs/a b.txt", []byte("spaced")))

	res := send(t, s, authed("GET", "/download/my%20docs/a+b.txt", ""))
	require.Equal(t, 200, res.StatusCode)
	assert.Equal(t, []byte("spaced"), res.Body)
}

func TestSocketConcurrentConnections(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) { c.MaxConns = 4 })
	require.NoError(t, s.store.Write("a.txt", []byte("a")))

	var wg sync.WaitGroup
	codes := make([]int, 32)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := net.Dial("tcp", s.Addr().String())
			if err != nil {
				return
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))
			_, _ = io.WriteString(c, authed("GET", "/list", ""))
			b, err := io.ReadAll(c)
			if err != nil {
				return
			}
			if res, err := wire.ParseResponse(b); err == nil {
				codes[i] = res.StatusCode
			}
		}(i)
	}
	wg.Wait()
	for i, code := range codes {
		assert.Equal(t, 200, code, "request %d", i)
	}
}

func TestShutdownLetsInFlightRequestFinish(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start())

	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	body := "path=late"
	head := authed("POST", "/createfolder", body)
	head = head[:len(head)-len(body)]
	_, err = io.WriteString(c, head+body[:4])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond) // let the handler block on the body

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
	assert.False(t, s.Running())

	_, err = io.WriteString(c, body[4:])
	require.NoError(t, err)
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	res, err := wire.ParseResponse(b)
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "Folder created successfully", res.Text)

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownWaitsForEveryAdmittedConnection(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start())
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	// A connection admitted while running holds Shutdown open.
	require.True(t, s.admit(ln))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	// After Stop nothing more is admitted, for the old listener or any other.
	assert.False(t, s.admit(ln))
	assert.False(t, s.admit(nil))

	s.conns.Done()
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownUnderConnectionLoad(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start())
	addr := s.Addr().String()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, err := net.DialTimeout("tcp", addr, time.Second)
				if err != nil {
					return
				}
				_ = c.SetDeadline(time.Now().Add(2 * time.Second))
				_, _ = io.WriteString(c, authed("GET", "/list", ""))
				_, _ = io.ReadAll(c)
				_ = c.Close()
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Running())
	wg.Wait()
}

func TestDirectMatchesSocket(t *testing.T) {
	s := startTestServer(t)
	require.NoError(t, s.store.Write("docs/report.txt", []byte("r")))

	for _, tc := range []struct{ method, path string }{
		{"GET", "/list"},
		{"GET", "/list/docs"},
		{"GET", "/list/missing"},
		{"GET", "/search?q=REPORT"},
		{"GET", "/search?q="},
		{"GET", "/createfolder"},
		{"PUT", "/list"},
		{"GET", "/nowhere"},
		{"GET", "/download/docs/report.txt"},
	} {
		viaSocket := send(t, s, authed(tc.method, tc.path, ""))
		direct := s.Handle(context.Background(), tc.method, tc.path, "")
		assert.Equal(t, viaSocket, direct, "%s %s", tc.method, tc.path)
	}
}
