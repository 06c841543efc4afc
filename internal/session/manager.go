package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/auth"
	"github.com/foxseedlab/aiscribe/internal/config"
	"github.com/foxseedlab/aiscribe/internal/notify"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/transcriber"
)

const notifyTimeout = 30 * time.Second

var ErrShuttingDown = errors.New("session manager is shutting down")

// Manager tracks live streams and serves the session query surface.
type Manager struct {
	cfg         *config.Config
	store       repository.Store
	auth        auth.Authenticator
	transcriber transcriber.Transcriber
	decoders    audio.PayloadDecoderFactory
	sinks       audio.SinkFactory
	artifacts   audio.ArtifactRemover
	notifier    notify.Notifier
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*runningSession
	closed   bool
	live     sync.WaitGroup
	// pending counts Serve calls until their finished-session report is sent.
	// Add only happens under mu while closed is false.
	pending sync.WaitGroup
}

type runningSession struct {
	userID    string
	startedAt time.Time
	stop      context.CancelCauseFunc
	done      chan struct{}
}

func NewManager(
	cfg *config.Config,
	store repository.Store,
	authenticator auth.Authenticator,
	stt transcriber.Transcriber,
	decoders audio.PayloadDecoderFactory,
	sinks audio.SinkFactory,
	artifacts audio.ArtifactRemover,
	notifier notify.Notifier,
) *Manager {
	return &Manager{
		cfg:         cfg,
		store:       store,
		auth:        authenticator,
		transcriber: stt,
		decoders:    decoders,
		sinks:       sinks,
		artifacts:   artifacts,
		notifier:    notifier,
		now:         time.Now,
		sessions:    make(map[string]*runningSession),
	}
}

func (m *Manager) supervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxChunkBytes:          m.cfg.MaxChunkBytes,
		Format:                 audio.Format{SampleRate: m.cfg.AudioSampleRate, Channels: m.cfg.AudioChannels},
		Language:               m.cfg.DefaultTranscribeLanguage,
		CheckpointInterval:     m.cfg.CheckpointInterval(),
		MaxSessionDuration:     m.cfg.MaxSessionDuration(),
		MaxConsecutiveFailures: m.cfg.MaxConsecutiveFailures,
		Retry: RetryPolicy{
			MaxAttempts:    m.cfg.CheckpointMaxAttempts,
			InitialBackoff: m.cfg.CheckpointBackoff(),
			MaxBackoff:     m.cfg.CheckpointBackoff() * 10,
		},
	}
}

// localNow reads the clock in the transcript timezone so that default titles
// match the rendered transcript.
func (m *Manager) localNow() time.Time {
	return m.now().In(m.cfg.Location())
}

// Serve supervises one client connection until it closes.
func (m *Manager) Serve(ctx context.Context, req OpenRequest, t Transport) Result {
	if !m.beginServe() {
		if err := t.Send(ctx, Event{Type: EventError, SessionID: req.SessionID, Code: errorCodeSessionUnavailable, Message: ErrShuttingDown.Error()}); err != nil {
			slog.Debug("failed to send event", "error", err, "type", EventError)
		}
		return Result{Err: ErrShuttingDown}
	}
	stopCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	sup := NewSupervisor(m.supervisorConfig(), Dependencies{
		Auth:        m.auth,
		Store:       m.store,
		Transcriber: m.transcriber,
		Decoders:    m.decoders,
		Sinks:       m.sinks,
		Now:         m.localNow,
	})
	sup.attach = func(sessionID, userID string) (func(), error) {
		return m.register(sessionID, userID, stop)
	}

	res := sup.Run(stopCtx, req, t)
	m.dispatchReport(res)
	return res
}

func (m *Manager) beginServe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.pending.Add(1)
	return true
}

func (m *Manager) register(sessionID, userID string, stop context.CancelCauseFunc) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}
	if _, exists := m.sessions[sessionID]; exists {
		return nil, fmt.Errorf("register session %s: %w", sessionID, repository.ErrSessionBusy)
	}
	rs := &runningSession{
		userID:    userID,
		startedAt: m.now(),
		stop:      stop,
		done:      make(chan struct{}),
	}
	m.sessions[sessionID] = rs
	m.live.Add(1)
	slog.Info("session registered", "session_id", sessionID, "user_id", userID, "live_sessions", len(m.sessions))

	return func() {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		remaining := len(m.sessions)
		m.mu.Unlock()
		close(rs.done)
		m.live.Done()
		slog.Info("session unregistered", "session_id", sessionID, "live_sessions", remaining)
	}, nil
}

// IsLive reports whether a stream is currently attached to the session.
func (m *Manager) IsLive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// StopSession asks a live stream to drain and waits until it has closed.
func (m *Manager) StopSession(ctx context.Context, sessionID string, cause error) (bool, error) {
	m.mu.Lock()
	rs, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	slog.Info("stopping session", "session_id", sessionID, "reason", cause)
	rs.stop(cause)
	select {
	case <-rs.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// StopAllSessions refuses new streams, drains every live one and waits for
// pending notifications.
func (m *Manager) StopAllSessions(ctx context.Context, cause error) int {
	m.mu.Lock()
	m.closed = true
	stops := make([]context.CancelCauseFunc, 0, len(m.sessions))
	for _, rs := range m.sessions {
		stops = append(stops, rs.stop)
	}
	m.mu.Unlock()

	slog.Info("stopping all sessions", "count", len(stops), "reason", cause)
	for _, stop := range stops {
		stop(cause)
	}

	done := make(chan struct{})
	go func() {
		m.live.Wait()
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for sessions to stop", "error", ctx.Err())
	}
	return len(stops)
}

func (m *Manager) CreateSession(ctx context.Context, userID string, input repository.CreateSessionInput) (*repository.Session, error) {
	if input.Title == "" {
		input.Title = DefaultTitle(m.localNow())
	}
	sess, err := m.store.Create(ctx, userID, input)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("created session", "session_id", sess.ID, "user_id", userID, "patient_id", sess.PatientID)
	return sess, nil
}

func (m *Manager) ListSessions(ctx context.Context, userID string) ([]repository.SessionSummary, error) {
	return m.store.List(ctx, userID)
}

func (m *Manager) GetSession(ctx context.Context, userID, sessionID string) (*repository.Session, error) {
	return m.store.Get(ctx, userID, sessionID)
}

// DeleteSession stops a live stream of the session, deletes the record and
// removes its audio artifact.
func (m *Manager) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if _, err := m.store.Get(ctx, userID, sessionID); err != nil {
		return err
	}
	if _, err := m.StopSession(ctx, sessionID, ErrSessionDeleted); err != nil {
		return fmt.Errorf("stop live session: %w", err)
	}
	sess, err := m.store.Get(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, userID, sessionID); err != nil {
		return err
	}
	if sess.AudioRef != "" && m.artifacts != nil {
		if err := m.artifacts.Remove(sess.AudioRef); err != nil {
			slog.Warn("failed to remove audio artifact", "error", err, "session_id", sessionID, "audio_ref", sess.AudioRef)
		}
	}
	slog.Info("deleted session", "session_id", sessionID, "user_id", userID)
	return nil
}

// dispatchReport releases the pending slot taken by beginServe once the
// report, if any, has been sent.
func (m *Manager) dispatchReport(res Result) {
	if res.SessionID == "" || m.notifier == nil || res.Reason == ErrSessionDeleted.Error() {
		m.pending.Done()
		return
	}
	go func() {
		defer m.pending.Done()
		m.finalizeSession(res)
	}()
}

func (m *Manager) finalizeSession(res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	snap := res.Snapshot
	sess := repository.Session{
		ID:         res.SessionID,
		UserID:     res.UserID,
		Title:      snap.Title,
		PatientID:  res.PatientID,
		Status:     snap.Status,
		Segments:   snap.Segments,
		Summary:    snap.Summary,
		AudioRef:   snap.AudioRef,
		Duration:   snap.Duration,
		Version:    snap.Version,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	report := notify.Report{
		Session:        sess,
		Filename:       fmt.Sprintf("transcript-%s.txt", sess.ID),
		TranscriptText: buildTranscriptText(sess, m.cfg.TranscriptTimezone, m.cfg.Location()),
		Reason:         res.Reason,
	}
	if err := m.notifier.NotifySessionFinished(ctx, report); err != nil {
		slog.Error("failed to notify finished session", "error", err, "session_id", sess.ID)
		return
	}
	slog.Info("finished session notified", "session_id", sess.ID, "status", sess.Status, "reason", res.Reason)
}
