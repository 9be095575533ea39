package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agleyzer/smilsync/internal/bookmark"
	"github.com/agleyzer/smilsync/internal/fragment"
	"github.com/agleyzer/smilsync/internal/host"
	"github.com/agleyzer/smilsync/internal/playback"
	"github.com/agleyzer/smilsync/internal/schedule"
	"github.com/agleyzer/smilsync/internal/touch"
)

const maxBodySize = 64 << 10

type sessionView struct {
	ID         string             `json:"id"`
	DocumentID string             `json:"document_id"`
	CreatedAt  time.Time          `json:"created_at"`
	Session    playback.Session   `json:"session"`
	Bookmark   *bookmark.Bookmark `json:"bookmark,omitempty"`
}

type timelineView struct {
	DocumentID string              `json:"document_id"`
	Location   string              `json:"location"`
	LoadedAt   time.Time           `json:"loaded_at"`
	Duration   float64             `json:"duration"`
	Fragments  []fragment.Fragment `json:"fragments"`
}

type playRequest struct {
	FragmentID string `json:"fragment_id"`
}

type rateRequest struct {
	Rate float64 `json:"rate"`
}

type actionRequest struct {
	Type       string `json:"type"`
	FragmentID string `json:"fragment_id,omitempty"`
}

type tapRequest struct {
	Path   touch.Path     `json:"path"`
	Action *actionRequest `json:"action,omitempty"`
}

type tapResponse struct {
	Outcome touch.Outcome    `json:"outcome"`
	Session playback.Session `json:"session"`
}

// Outside tap action types accepted from clients.
const (
	actionResumeOrPause = "resume_or_pause"
	actionJump          = "jump"
)

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := s.manager.Document()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"document":  doc.ID,
		"fragments": doc.Timeline.Len(),
		"sessions":  len(s.manager.List()),
	})
}

// handleTimeline returns the document new sessions start with.
// GET /timeline
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	doc := s.manager.Document()
	writeJSON(w, http.StatusOK, timelineView{
		DocumentID: doc.ID,
		Location:   doc.Location,
		LoadedAt:   doc.LoadedAt,
		Duration:   doc.Timeline.Duration(),
		Fragments:  doc.Timeline.Fragments(),
	})
}

// GET /sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.List()
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

// POST /sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Create()
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.writeSession(r.Context(), w, http.StatusCreated, sess)
}

// GET /sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeSession(r.Context(), w, http.StatusOK, sess)
}

// DELETE /sessions/{id}
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Close(chi.URLParam(r, "id")); err != nil {
		s.handleSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePlay starts a fragment by id, or the first fragment for an empty body.
// POST /sessions/{id}/play
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req playRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	found, err := sess.Play(r.Context(), req.FragmentID)
	if err != nil {
		s.handleSessionError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown fragment %q", req.FragmentID))
		return
	}
	s.writeSession(r.Context(), w, http.StatusOK, sess)
}

// POST /sessions/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, (*host.Session).Pause)
}

// POST /sessions/{id}/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, (*host.Session).Stop)
}

// POST /sessions/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, (*host.Session).Resume)
}

// POST /sessions/{id}/rate
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := sess.SetRate(r.Context(), req.Rate); err != nil {
		s.handleSessionError(w, err)
		return
	}
	s.writeSession(r.Context(), w, http.StatusOK, sess)
}

// handleTap routes an interaction reported by the client.
// POST /sessions/{id}/tap
func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req tapRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	action, err := req.Action.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := sess.Tap(r.Context(), req.Path, action)
	if err != nil {
		s.handleSessionError(w, err)
		return
	}
	snap, err := sess.Snapshot(r.Context())
	if err != nil {
		s.handleSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tapResponse{Outcome: out, Session: snap})
}

func (a *actionRequest) parse() (touch.Action, error) {
	if a == nil {
		return nil, nil
	}
	switch a.Type {
	case "":
		return nil, nil
	case actionResumeOrPause:
		return touch.ResumeOrPauseAction{}, nil
	case actionJump:
		if a.FragmentID == "" {
			return nil, errors.New("jump action requires fragment_id")
		}
		return touch.JumpToFragmentAction{FragmentID: a.FragmentID}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(*host.Session, context.Context) error) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := fn(sess, r.Context()); err != nil {
		s.handleSessionError(w, err)
		return
	}
	s.writeSession(r.Context(), w, http.StatusOK, sess)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*host.Session, bool) {
	sess, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.handleSessionError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeSession(ctx context.Context, w http.ResponseWriter, status int, sess *host.Session) {
	snap, err := sess.Snapshot(ctx)
	if err != nil {
		s.handleSessionError(w, err)
		return
	}
	view := sessionView{
		ID:         sess.ID,
		DocumentID: sess.Document().ID,
		CreatedAt:  sess.CreatedAt,
		Session:    snap,
	}
	b, found, err := sess.Bookmark(ctx)
	switch {
	case err != nil:
		s.logger.Warn("bookmark lookup failed", "session", sess.ID, "error", err)
	case found:
		view.Bookmark = &b
	}
	writeJSON(w, status, view)
}

// handleSessionError maps session errors to HTTP statuses.
func (s *Server) handleSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, host.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, host.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, playback.ErrInvalidRate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schedule.ErrClosed):
		writeError(w, http.StatusGone, "session closed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Error("session command failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a JSON request body. An empty body is accepted only when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
