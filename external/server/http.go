package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxseedlab/aiscribe/internal/auth"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/session"
)

const (
	readHeaderTimeout = 10 * time.Second
	maxRequestBody    = 1 << 20
	// readLimitFactor bounds how much of an oversize frame is read and
	// discarded before the connection is given up.
	readLimitFactor = 16
)

// Sessions is the session surface the HTTP layer serves.
type Sessions interface {
	Serve(ctx context.Context, req session.OpenRequest, t session.Transport) session.Result
	CreateSession(ctx context.Context, userID string, input repository.CreateSessionInput) (*repository.Session, error)
	ListSessions(ctx context.Context, userID string) ([]repository.SessionSummary, error)
	GetSession(ctx context.Context, userID, sessionID string) (*repository.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
	IsLive(sessionID string) bool
}

type Server struct {
	sessions      Sessions
	patients      repository.PatientStore
	auth          auth.Authenticator
	maxChunkBytes int
	readLimit     int64
	http          *http.Server
}

func NewServer(addr string, maxChunkBytes int, sessions Sessions, patients repository.PatientStore, authenticator auth.Authenticator) *Server {
	s := &Server{
		sessions:      sessions,
		patients:      patients,
		auth:          authenticator,
		maxChunkBytes: maxChunkBytes,
		readLimit:     int64(maxChunkBytes) * readLimitFactor,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/ws/audio-stream", s.handleAudioStream)
	mux.HandleFunc("POST /v1/sessions", s.withUser(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions", s.withUser(s.handleListSessions))
	mux.HandleFunc("GET /v1/sessions/{id}", s.withUser(s.handleGetSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.withUser(s.handleDeleteSession))
	mux.HandleFunc("POST /v1/patients", s.withUser(s.handleCreatePatient))
	mux.HandleFunc("GET /v1/patients", s.withUser(s.handleListPatients))
	mux.HandleFunc("GET /v1/patients/{id}", s.withUser(s.handleGetPatient))
	return mux
}

// ListenAndServe serves until Shutdown. Live streams are not tied to the
// server lifetime; they are stopped through the session manager.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// baseContext detaches a hijacked connection from the request lifetime.
func (s *Server) baseContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication token required")
			return
		}
		userID, err := s.auth.Authenticate(r.Context(), strings.TrimSpace(token))
		if err != nil {
			slog.Debug("request authentication failed", "error", err, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid authentication token")
			return
		}
		next(w, r, userID)
	}
}

type createSessionRequest struct {
	Title     string `json:"title"`
	PatientID string `json:"patient_id"`
}

type segmentResponse struct {
	Sequence int    `json:"sequence"`
	Text     string `json:"text"`
	IsFinal  bool   `json:"is_final"`
	OffsetMs int64  `json:"offset_ms"`
}

type sessionResponse struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	PatientID  string            `json:"patient_id,omitempty"`
	Status     string            `json:"status"`
	Live       bool              `json:"live"`
	Summary    string            `json:"summary"`
	Transcript string            `json:"transcript"`
	AudioRef   string            `json:"audio_ref,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Segments   []segmentResponse `json:"segments"`
}

type sessionSummaryResponse struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	PatientID         string    `json:"patient_id,omitempty"`
	Status            string    `json:"status"`
	Live              bool      `json:"live"`
	TranscriptPreview string    `json:"transcript_preview"`
	SegmentCount      int       `json:"segment_count"`
	DurationMs        int64     `json:"duration_ms"`
	AudioRef          string    `json:"audio_ref,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (s *Server) newSessionResponse(sess *repository.Session) sessionResponse {
	segments := make([]segmentResponse, 0, len(sess.Segments))
	for _, seg := range sess.Segments {
		segments = append(segments, segmentResponse{
			Sequence: seg.Sequence,
			Text:     seg.Text,
			IsFinal:  seg.IsFinal(),
			OffsetMs: seg.Offset.Milliseconds(),
		})
	}
	return sessionResponse{
		ID:         sess.ID,
		Title:      sess.Title,
		PatientID:  sess.PatientID,
		Status:     string(sess.Status),
		Live:       s.sessions.IsLive(sess.ID),
		Summary:    sess.Summary,
		Transcript: repository.JoinTranscript(sess.Segments),
		AudioRef:   sess.AudioRef,
		DurationMs: sess.Duration.Milliseconds(),
		StartedAt:  sess.StartedAt,
		FinishedAt: sess.FinishedAt,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
		Segments:   segments,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}
	sess, err := s.sessions.CreateSession(r.Context(), userID, repository.CreateSessionInput{
		Title:     strings.TrimSpace(req.Title),
		PatientID: strings.TrimSpace(req.PatientID),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.newSessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.sessions.ListSessions(r.Context(), userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]sessionSummaryResponse, 0, len(list))
	for _, item := range list {
		out = append(out, sessionSummaryResponse{
			ID:                item.ID,
			Title:             item.Title,
			PatientID:         item.PatientID,
			Status:            string(item.Status),
			Live:              s.sessions.IsLive(item.ID),
			TranscriptPreview: item.TranscriptPreview,
			SegmentCount:      item.SegmentCount,
			DurationMs:        item.Duration.Milliseconds(),
			AudioRef:          item.AudioRef,
			CreatedAt:         item.CreatedAt,
			UpdatedAt:         item.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, userID string) {
	sess, err := s.sessions.GetSession(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newSessionResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.sessions.DeleteSession(r.Context(), userID, r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patientRequest struct {
	Name   string `json:"name"`
	Age    int    `json:"age"`
	Gender string `json:"gender"`
	Number string `json:"number"`
}

type patientResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Age       int       `json:"age"`
	Gender    string    `json:"gender"`
	Number    string    `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

func newPatientResponse(p *repository.Patient) patientResponse {
	return patientResponse{
		ID:        p.ID,
		UserID:    p.UserID,
		Name:      p.Name,
		Age:       p.Age,
		Gender:    p.Gender,
		Number:    p.Number,
		CreatedAt: p.CreatedAt,
	}
}

func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request, userID string) {
	var req patientRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	p, err := s.patients.CreatePatient(r.Context(), userID, repository.CreatePatientInput{
		Name:   strings.TrimSpace(req.Name),
		Age:    req.Age,
		Gender: strings.TrimSpace(req.Gender),
		Number: strings.TrimSpace(req.Number),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("created patient", "patient_id", p.ID, "user_id", userID)
	writeJSON(w, http.StatusCreated, newPatientResponse(p))
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.patients.ListPatients(r.Context(), userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]patientResponse, 0, len(list))
	for i := range list {
		out = append(out, newPatientResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": out})
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := s.patients.GetPatient(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPatientResponse(p))
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
	case errors.Is(err, repository.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Patient not found")
	case errors.Is(err, repository.ErrInvalidPatient):
		writeError(w, http.StatusBadRequest, "invalid_patient", "Invalid patient ID")
	case errors.Is(err, repository.ErrInvalidPatientInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "Request timed out")
	default:
		slog.Error("session request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
