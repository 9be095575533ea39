package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agleyzer/smilsync/internal/bookmark"
	"github.com/agleyzer/smilsync/internal/fragment"
	"github.com/agleyzer/smilsync/internal/host"
	"github.com/agleyzer/smilsync/internal/playback"
	"github.com/agleyzer/smilsync/internal/remote"
	"github.com/agleyzer/smilsync/internal/timeline"
	"github.com/agleyzer/smilsync/internal/touch"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func createTestManager(t *testing.T, opts host.Options) *host.Manager {
	t.Helper()
	tl, err := timeline.New([]fragment.Fragment{
		{ID: "f0", Begin: 0, End: 30, AudioRef: "a.mp3"},
		{ID: "f1", Begin: 30, End: 60, AudioRef: "a.mp3"},
		{ID: "f2", Begin: 0, End: 20, AudioRef: "b.mp3"},
	})
	if err != nil {
		t.Fatalf("Failed to create timeline: %v", err)
	}

	doc := &host.Document{ID: "book", Location: "book.json", Timeline: tl, LoadedAt: time.Now()}
	m, err := host.NewManager(doc, bookmark.NewMemory(), opts, createTestLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(m.CloseAll)
	return m
}

func createTestServer(t *testing.T, opts host.Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(createTestManager(t, opts), 0, time.Second, createTestLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response of %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func createSession(t *testing.T, ts *httptest.Server) sessionView {
	t.Helper()
	var view sessionView
	if code := doJSON(t, http.MethodPost, ts.URL+"/sessions", "", &view); code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", code)
	}
	if view.ID == "" {
		t.Fatal("Expected a session id")
	}
	return view
}

func TestNew(t *testing.T) {
	m := createTestManager(t, host.Options{})

	srv := New(m, 8080, 0, createTestLogger())

	if srv.manager != m {
		t.Error("Server manager not set correctly")
	}
	if srv.port != 8080 {
		t.Errorf("Expected port 8080, got %d", srv.port)
	}
	if srv.shutdownTimeout != defaultShutdownTimeout {
		t.Errorf("Expected default shutdown timeout, got %v", srv.shutdownTimeout)
	}
}

func TestHandleHealth(t *testing.T) {
	_, ts := createTestServer(t, host.Options{})
	createSession(t, ts)

	var health map[string]any
	if code := doJSON(t, http.MethodGet, ts.URL+"/health", "", &health); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}

	if health["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", health["status"])
	}
	if health["document"] != "book" {
		t.Errorf("Expected document 'book', got %v", health["document"])
	}
	if health["fragments"] != float64(3) {
		t.Errorf("Expected 3 fragments, got %v", health["fragments"])
	}
	if health["sessions"] != float64(1) {
		t.Errorf("Expected 1 session, got %v", health["sessions"])
	}
}

func TestHandleTimeline(t *testing.T) {
	_, ts := createTestServer(t, host.Options{})

	var view timelineView
	if code := doJSON(t, http.MethodGet, ts.URL+"/timeline", "", &view); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}

	if view.DocumentID != "book" {
		t.Errorf("Expected document 'book', got %q", view.DocumentID)
	}
	if len(view.Fragments) != 3 {
		t.Fatalf("Expected 3 fragments, got %d", len(view.Fragments))
	}
	if view.Fragments[2].AudioRef != "b.mp3" {
		t.Errorf("Expected third fragment in b.mp3, got %q", view.Fragments[2].AudioRef)
	}
	if view.Duration != 80 {
		t.Errorf("Expected duration 80, got %v", view.Duration)
	}
}

func TestSessionLifecycle(t *testing.T) {
	_, ts := createTestServer(t, host.Options{})
	created := createSession(t, ts)

	if created.Session.State != playback.Idle {
		t.Errorf("Expected idle session, got %v", created.Session.State)
	}
	if created.DocumentID != "book" {
		t.Errorf("Expected document 'book', got %q", created.DocumentID)
	}

	var list struct {
		Sessions []string `json:"sessions"`
	}
	doJSON(t, http.MethodGet, ts.URL+"/sessions", "", &list)
	if len(list.Sessions) != 1 || list.Sessions[0] != created.ID {
		t.Errorf("Expected [%s], got %v", created.ID, list.Sessions)
	}

	var got sessionView
	if code := doJSON(t, http.MethodGet, ts.URL+"/sessions/"+created.ID, "", &got); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if got.ID != created.ID {
		t.Errorf("Expected id %s, got %s", created.ID, got.ID)
	}

	if code := doJSON(t, http.MethodDelete, ts.URL+"/sessions/"+created.ID, "", nil); code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/sessions/"+created.ID, "", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", code)
	}
	if code := doJSON(t, http.MethodDelete, ts.URL+"/sessions/"+created.ID, "", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", code)
	}
}

func TestPlaybackCommands(t *testing.T) {
	_, ts := createTestServer(t, host.Options{})
	base := ts.URL + "/sessions/" + createSession(t, ts).ID

	var view sessionView
	if code := doJSON(t, http.MethodPost, base+"/play", `{"fragment_id":"f1"}`, &view); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if view.Session.State != playback.Playing || view.Session.CurrentIndex != 1 {
		t.Errorf("Expected playing f1, got %+v", view.Session)
	}
	if view.Bookmark == nil || view.Bookmark.FragmentID != "f1" {
		t.Errorf("Expected bookmark at f1, got %+v", view.Bookmark)
	}

	doJSON(t, http.MethodPost, base+"/pause", "", &view)
	if view.Session.State != playback.Paused {
		t.Errorf("Expected paused, got %v", view.Session.State)
	}

	doJSON(t, http.MethodPost, base+"/resume", "", &view)
	if view.Session.State != playback.Playing || view.Session.CurrentIndex != 1 {
		t.Errorf("Expected playing f1 after resume, got %+v", view.Session)
	}

	doJSON(t, http.MethodPost, base+"/rate", `{"rate":1.5}`, &view)
	if view.Session.PlaybackRate != 1.5 {
		t.Errorf("Expected rate 1.5, got %v", view.Session.PlaybackRate)
	}

	doJSON(t, http.MethodPost, base+"/stop", "", &view)
	if view.Session.State != playback.Stopped {
		t.Errorf("Expected stopped, got %v", view.Session.State)
	}

	// An empty body starts from the first fragment.
	doJSON(t, http.MethodPost, base+"/play", "", &view)
	if view.Session.State != playback.Playing || view.Session.CurrentIndex != 0 {
		t.Errorf("Expected playing f0, got %+v", view.Session)
	}
}

func TestPlaybackCommandErrors(t *testing.T) {
	_, ts := createTestServer(t, host.Options{})
	base := ts.URL + "/sessions/" + createSession(t, ts).ID

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown fragment", "/play", `{"fragment_id":"nope"}`, http.StatusNotFound},
		{"malformed body", "/play", `{"fragment_id":`, http.StatusBadRequest},
		{"unknown field", "/rate", `{"speed":2}`, http.StatusBadRequest},
		{"zero rate", "/rate", `{"rate":0}`, http.StatusBadRequest},
		{"negative rate", "/rate", `{"rate":-1}`, http.StatusBadRequest},
		{"missing rate body", "/rate", "", http.StatusBadRequest},
		{"unknown action", "/tap", `{"path":[],"action":{"type":"explode"}}`, http.StatusBadRequest},
		{"jump without id", "/tap", `{"path":[],"action":{"type":"jump"}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			code := doJSON(t, http.MethodPost, base+tt.path, tt.body, &body)
			if code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, code)
			}
			if body["error"] == "" {
				t.Error("Expected an error message")
			}
		})
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/sessions/missing/pause", "", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown session, got %d", code)
	}
}

func TestHandleTap(t *testing.T) {
	_, ts := createTestServer(t, host.Options{
		Touch: touch.Options{OutsideTapsThreshold: 2, OutsideTapsCanResume: true},
	})
	base := ts.URL + "/sessions/" + createSession(t, ts).ID

	tap := func(body string) tapResponse {
		t.Helper()
		var resp tapResponse
		if code := doJSON(t, http.MethodPost, base+"/tap", body, &resp); code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", code)
		}
		return resp
	}

	resp := tap(`{"path":[{"id":"w1"},{"id":"f2"},{"id":"body"}]}`)
	if resp.Outcome != touch.OutcomeStarted {
		t.Errorf("Expected started, got %s", resp.Outcome)
	}
	if resp.Session.CurrentIndex != 2 || resp.Session.State != playback.Playing {
		t.Errorf("Expected playing f2, got %+v", resp.Session)
	}

	resp = tap(`{"path":[{"id":"f2"}]}`)
	if resp.Outcome != touch.OutcomePaused {
		t.Errorf("Expected paused, got %s", resp.Outcome)
	}

	resp = tap(`{"path":[{"id":"margin"}]}`)
	if resp.Outcome != touch.OutcomeCounted || resp.Session.OutsideTapCount != 1 {
		t.Errorf("Expected first outside tap counted, got %s %+v", resp.Outcome, resp.Session)
	}

	resp = tap(`{"path":[{"id":"margin"}],"action":{"type":"jump","fragment_id":"f0"}}`)
	if resp.Outcome != touch.OutcomeJumped {
		t.Errorf("Expected jumped, got %s", resp.Outcome)
	}
	if resp.Session.CurrentIndex != 0 || resp.Session.State != playback.Playing {
		t.Errorf("Expected playing f0, got %+v", resp.Session)
	}
}

func TestHandleTap_RateLimited(t *testing.T) {
	_, ts := createTestServer(t, host.Options{TapsPerSecond: 0.001, TapBurst: 1})
	base := ts.URL + "/sessions/" + createSession(t, ts).ID

	if code := doJSON(t, http.MethodPost, base+"/tap", `{"path":[{"id":"f0"}]}`, nil); code != http.StatusOK {
		t.Fatalf("Expected first tap to pass, got %d", code)
	}
	if code := doJSON(t, http.MethodPost, base+"/tap", `{"path":[{"id":"f0"}]}`, nil); code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(createTestManager(t, host.Options{}), 8080, 0, createTestLogger())

	handler := srv.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test response"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "test response" {
		t.Errorf("Expected body 'test response', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("Expected captured status 404, got %d", rw.statusCode)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected recorder status 404, got %d", w.Code)
	}
	if rw.Unwrap() != w {
		t.Error("Unwrap should return the wrapped writer")
	}
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}

	if _, _, err := rw.Hijack(); err == nil {
		t.Error("Expected error hijacking a recorder")
	}
}

func dialSession(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed waiting for %q: %v", typ, err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestWebSocket_CommandsAndTaps(t *testing.T) {
	_, ts := createTestServer(t, host.Options{})
	id := createSession(t, ts).ID
	conn := dialSession(t, ts, id)

	if code := doJSON(t, http.MethodPost, ts.URL+"/sessions/"+id+"/play", `{"fragment_id":"f2"}`, nil); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}

	src := readUntil(t, conn, remote.CommandSource)
	if src["ref"] != "b.mp3" {
		t.Errorf("Expected source b.mp3, got %v", src["ref"])
	}
	hl := readUntil(t, conn, remote.CommandHighlight)
	if hl["fragment_id"] != "f2" || hl["mark"] != remote.MarkActive {
		t.Errorf("Expected f2 marked active, got %v", hl)
	}

	if err := conn.WriteJSON(clientMessage{Type: messageStatus, CurrentTime: 4, Paused: false}); err != nil {
		t.Fatalf("Failed to send status: %v", err)
	}
	if err := conn.WriteJSON(clientMessage{Type: messageTap, Path: touch.Path{{ID: "f2"}}}); err != nil {
		t.Fatalf("Failed to send tap: %v", err)
	}
	out := readUntil(t, conn, replyOutcome)
	if out["outcome"] != string(touch.OutcomePaused) {
		t.Errorf("Expected paused outcome, got %v", out["outcome"])
	}

	if err := conn.WriteJSON(clientMessage{Type: "bogus"}); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
	if msg := readUntil(t, conn, replyError); msg["error"] == "" {
		t.Error("Expected an error reply")
	}
}

func TestWebSocket_SecondClientRejected(t *testing.T) {
	_, ts := createTestServer(t, host.Options{})
	id := createSession(t, ts).ID
	dialSession(t, ts, id)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + id + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected second client to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %v", resp)
	}
}

func TestWebSocket_ClosedWithSession(t *testing.T) {
	_, ts := createTestServer(t, host.Options{})
	id := createSession(t, ts).ID
	conn := dialSession(t, ts, id)

	doJSON(t, http.MethodDelete, ts.URL+"/sessions/"+id, "", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("Expected normal closure, got %v", err)
			}
			return
		}
	}
}

func TestServer_StartShutdown(t *testing.T) {
	srv := New(createTestManager(t, host.Options{}), 0, time.Second, createTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Server did not shut down")
	}
}
