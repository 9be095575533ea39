// Package integration provides integration testing utilities for smilsync.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agleyzer/smilsync/internal/bookmark"
	"github.com/agleyzer/smilsync/internal/host"
	"github.com/agleyzer/smilsync/internal/parser"
	"github.com/agleyzer/smilsync/internal/probe"
	"github.com/agleyzer/smilsync/internal/server"
	"github.com/agleyzer/smilsync/internal/timeline"
)

// TestHarness manages the test environment for integration tests: a content
// server for timelines and audio playlists, and an in-process smilsync.
type TestHarness struct {
	t            *testing.T
	httpServer   *http.Server
	httpPort     int
	smilsyncPort int
	tempDir      string
	manager      *host.Manager
	cancel       context.CancelFunc
	done         chan error
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:            t,
		httpPort:     findAvailablePort(t),
		smilsyncPort: findAvailablePort(t),
	}
}

// StartHTTPServer starts an HTTP server serving the given files.
func (h *TestHarness) StartHTTPServer(files map[string]string) {
	h.t.Helper()

	h.tempDir = h.t.TempDir()
	for name, content := range files {
		h.AddFile(name, content)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(h.tempDir)))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	h.waitForServer(h.ContentURL(""), 5*time.Second)
	h.t.Logf("HTTP server started on port %d", h.httpPort)
}

// AddFile writes or replaces a served file.
func (h *TestHarness) AddFile(name, content string) {
	h.t.Helper()

	if h.tempDir == "" {
		h.t.Fatal("StartHTTPServer must create the content directory first")
	}
	if err := os.WriteFile(filepath.Join(h.tempDir, name), []byte(content), 0o644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
}

// ContentURL returns the URL of a served file.
func (h *TestHarness) ContentURL(name string) string {
	return fmt.Sprintf("http://localhost:%d/%s", h.httpPort, name)
}

// LoadTimeline fetches a served timeline and checks it against the durations
// of its audio playlists.
func (h *TestHarness) LoadTimeline(name string) (*timeline.Timeline, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	location := h.ContentURL(name)
	tl, err := parser.LoadTimeline(ctx, location)
	if err != nil {
		return nil, err
	}
	if err := probe.Coverage(ctx, probe.Auto{}, tl, location, timeline.Epsilon, true, testLogger()); err != nil {
		return nil, err
	}
	return tl, nil
}

// StartSmilSync serves sessions of the named timeline.
func (h *TestHarness) StartSmilSync(name string, store bookmark.Store, opts host.Options) {
	h.t.Helper()

	tl, err := h.LoadTimeline(name)
	if err != nil {
		h.t.Fatalf("failed to load timeline: %v", err)
	}

	doc := &host.Document{ID: name, Location: h.ContentURL(name), Timeline: tl, LoadedAt: time.Now()}
	h.manager, err = host.NewManager(doc, store, opts, testLogger())
	if err != nil {
		h.t.Fatalf("failed to create manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)

	srv := server.New(h.manager, h.smilsyncPort, time.Second, testLogger())
	go func() { h.done <- srv.Start(ctx) }()

	h.waitForServer(h.apiURL("/health"), 10*time.Second)
	h.t.Logf("smilsync started on port %d", h.smilsyncPort)
}

func (h *TestHarness) apiURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.smilsyncPort, path)
}

// Do sends a request to smilsync and decodes the JSON response into out.
func (h *TestHarness) Do(method, path string, body any, out any) int {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.apiURL(path), reader)
	if err != nil {
		h.t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			h.t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// SessionState is the JSON view of a session.
type SessionState struct {
	ID      string `json:"id"`
	Session struct {
		CurrentIndex    int     `json:"current_index"`
		State           string  `json:"state"`
		PausedOffset    float64 `json:"paused_offset"`
		PlaybackRate    float64 `json:"playback_rate"`
		OutsideTapCount int     `json:"outside_tap_count"`
	} `json:"session"`
	Bookmark *struct {
		FragmentID string  `json:"fragment_id"`
		Offset     float64 `json:"offset"`
	} `json:"bookmark"`
}

// CreateSession starts a new playback session.
func (h *TestHarness) CreateSession() SessionState {
	h.t.Helper()

	var s SessionState
	if code := h.Do(http.MethodPost, "/sessions", nil, &s); code != http.StatusCreated {
		h.t.Fatalf("unexpected status creating session: %d", code)
	}
	return s
}

// FetchSession returns the current state of a session.
func (h *TestHarness) FetchSession(id string) SessionState {
	h.t.Helper()

	var s SessionState
	if code := h.Do(http.MethodGet, "/sessions/"+id, nil, &s); code != http.StatusOK {
		h.t.Fatalf("unexpected status fetching session: %d", code)
	}
	return s
}

// Connect attaches a WebSocket client to a session.
func (h *TestHarness) Connect(id string) *Client {
	h.t.Helper()

	url := fmt.Sprintf("ws://localhost:%d/sessions/%s/ws", h.smilsyncPort, id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		h.t.Fatalf("failed to connect to %s: %v", url, err)
	}
	h.t.Cleanup(func() { conn.Close() })
	return &Client{t: h.t, conn: conn}
}

// Client is a scripted player on the other end of a session WebSocket.
type Client struct {
	t    *testing.T
	conn *websocket.Conn

	// Received holds every message read so far.
	Received []map[string]any
}

// Send writes one message.
func (c *Client) Send(msg map[string]any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("failed to send %v: %v", msg, err)
	}
}

// ReadUntil reads messages until match returns true.
func (c *Client) ReadUntil(match func(map[string]any) bool, timeout time.Duration, description string) map[string]any {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var msg map[string]any
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("timeout waiting for %s: %v", description, err)
		}
		c.Received = append(c.Received, msg)
		if match(msg) {
			return msg
		}
	}
}

// OfType matches messages by type.
func OfType(typ string) func(map[string]any) bool {
	return func(msg map[string]any) bool { return msg["type"] == typ }
}

// Describe renders the received messages, one per line.
func (c *Client) Describe() string {
	var b strings.Builder
	for _, msg := range c.Received {
		fmt.Fprintf(&b, "%v %v %v %v %v\n", msg["type"], msg["ref"], msg["fragment_id"], msg["mark"], msg["state"])
	}
	return b.String()
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
		select {
		case err := <-h.done:
			if err != nil {
				h.t.Logf("smilsync shutdown: %v", err)
			}
		case <-time.After(5 * time.Second):
			h.t.Log("smilsync did not shut down")
		}
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// WaitForCondition polls until a condition is met or timeout occurs.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mediaPlaylist renders an HLS media playlist of equal segments.
func mediaPlaylist(prefix string, segments int, duration float64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(duration+0.999))
	for i := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s%03d.aac\n", duration, prefix, i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
