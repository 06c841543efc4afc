package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/auth"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/transcriber"
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const defaultFinalizeTimeout = 10 * time.Second

type SupervisorConfig struct {
	MaxChunkBytes          int
	Format                 audio.Format
	Language               string
	CheckpointInterval     time.Duration
	MaxSessionDuration     time.Duration
	MaxConsecutiveFailures int
	Retry                  RetryPolicy
	FinalizeTimeout        time.Duration
}

type Dependencies struct {
	Auth        auth.Authenticator
	Store       repository.Store
	Transcriber transcriber.Transcriber
	Decoders    audio.PayloadDecoderFactory
	Sinks       audio.SinkFactory
	Now         func() time.Time
}

// OpenRequest is what a client presents when it connects. An empty
// SessionID starts a new session; otherwise the stored active session is resumed.
type OpenRequest struct {
	Credential string
	SessionID  string
	Title      string
	PatientID  string
}

// Result describes how a supervised stream ended.
type Result struct {
	SessionID string
	UserID    string
	PatientID string
	Status    repository.SessionStatus
	Reason    string
	Snapshot  repository.Snapshot
	Err       error
}

// ServerFault reports whether the stream ended because of a failure on the
// server side rather than anything the client did.
func (r Result) ServerFault() bool {
	if r.Err != nil && r.SessionID != "" {
		return true
	}
	if r.Status != repository.SessionStatusFailed {
		return false
	}
	return r.Reason == stopReasonTranscriptionFailed || r.Reason == stopReasonPersistenceFailed
}

// attachFunc registers a live session and returns its detach function.
type attachFunc func(sessionID, userID string) (func(), error)

// Supervisor drives one client connection from authentication to close.
// Chunks are processed strictly one at a time in arrival order.
type Supervisor struct {
	cfg    SupervisorConfig
	deps   Dependencies
	attach attachFunc
	state  atomic.Int32
}

func NewSupervisor(cfg SupervisorConfig, deps Dependencies) *Supervisor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	s := &Supervisor{cfg: cfg, deps: deps}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		slog.Debug("supervisor state changed", "from", prev.String(), "to", next.String())
	}
}

type liveSession struct {
	id        string
	userID    string
	patientID string
	token    repository.OwnerToken
	agg      *Aggregator
	codec    *audio.Codec
	stream   transcriber.Stream
	sink     audio.Sink
	cp       *checkpointer
	detach   func()
	failures int
}

type inbound struct {
	frame Frame
	err   error
}

// Run blocks until the stream is closed. ctx cancellation is a stop request:
// the session drains and completes. context.Cause names the stop reason.
func (s *Supervisor) Run(ctx context.Context, req OpenRequest, t Transport) Result {
	s.setState(StateConnecting)
	live, err := s.connect(ctx, req, t)
	if err != nil {
		s.setState(StateClosed)
		return Result{Err: err}
	}
	defer s.release(ctx, live)

	if err := s.openStream(ctx, live); err != nil {
		return s.fail(ctx, live, t, stopReasonTranscriptionFailed, err)
	}
	s.setState(StateActive)
	s.send(ctx, t, Event{Type: EventSessionCreated, SessionID: live.id})
	slog.Info("session stream started", "session_id", live.id, "user_id", live.userID, "next_sequence", live.agg.NextSequence(), "partial_results", s.deps.Transcriber.SupportsPartial())
	return s.loop(ctx, live, t)
}

func (s *Supervisor) connect(ctx context.Context, req OpenRequest, t Transport) (*liveSession, error) {
	userID, err := s.deps.Auth.Authenticate(ctx, req.Credential)
	if err != nil {
		slog.Warn("stream authentication failed", "error", err)
		s.send(ctx, t, Event{Type: EventError, Code: errorCodeUnauthenticated, Message: messageUnauthenticated})
		return nil, fmt.Errorf("%w: %w", auth.ErrUnauthenticated, err)
	}

	sess, err := s.loadSession(ctx, userID, req)
	if err != nil {
		slog.Warn("stream session unavailable", "error", err, "user_id", userID, "session_id", req.SessionID)
		s.send(ctx, t, Event{Type: EventError, SessionID: req.SessionID, Code: errorCodeSessionUnavailable, Message: messageSessionUnavailable})
		return nil, err
	}

	token, err := s.deps.Store.Claim(ctx, userID, sess.ID)
	if err != nil {
		slog.Warn("failed to claim session", "error", err, "session_id", sess.ID)
		s.send(ctx, t, Event{Type: EventError, SessionID: sess.ID, Code: errorCodeSessionUnavailable, Message: err.Error()})
		return nil, err
	}

	detach := func() {}
	if s.attach != nil {
		d, err := s.attach(sess.ID, userID)
		if err != nil {
			s.releaseToken(ctx, sess.ID, token)
			s.send(ctx, t, Event{Type: EventError, SessionID: sess.ID, Code: errorCodeSessionUnavailable, Message: err.Error()})
			return nil, err
		}
		detach = d
	}

	agg := NewAggregator(s.deps.Now)
	if req.SessionID == "" {
		agg.Start(sess.ID, userID, sess.Title)
	} else if err := agg.Resume(sess); err != nil {
		detach()
		s.releaseToken(ctx, sess.ID, token)
		s.send(ctx, t, Event{Type: EventError, SessionID: sess.ID, Code: errorCodeSessionUnavailable, Message: messageSessionUnavailable})
		return nil, err
	}

	return &liveSession{
		id:        sess.ID,
		userID:    userID,
		patientID: sess.PatientID,
		token:     token,
		agg:    agg,
		cp:     newCheckpointer(ctx, s.deps.Store, sess.ID, token, s.cfg.Retry),
		detach: detach,
	}, nil
}

func (s *Supervisor) loadSession(ctx context.Context, userID string, req OpenRequest) (*repository.Session, error) {
	if req.SessionID == "" {
		title := req.Title
		if title == "" {
			title = DefaultTitle(s.deps.Now())
		}
		return s.deps.Store.Create(ctx, userID, repository.CreateSessionInput{Title: title, PatientID: req.PatientID})
	}
	// Claim and Resume reject sessions that are no longer active.
	return s.deps.Store.Get(ctx, userID, req.SessionID)
}

func (s *Supervisor) openStream(ctx context.Context, live *liveSession) error {
	var decoder audio.PayloadDecoder
	if s.deps.Decoders != nil {
		d, err := s.deps.Decoders(s.cfg.Format)
		if err != nil {
			return fmt.Errorf("create payload decoder: %w", err)
		}
		decoder = d
	}
	base := live.agg.ResumeOffset()
	live.codec = audio.NewCodec(s.cfg.MaxChunkBytes, s.cfg.Format, decoder).StartAt(base)

	stream, err := s.deps.Transcriber.Open(ctx, transcriber.State{
		SessionID:    live.id,
		UserID:       live.userID,
		Language:     s.cfg.Language,
		NextSequence: live.agg.NextSequence(),
		BaseOffset:   base,
	})
	if err != nil {
		return fmt.Errorf("open transcription stream: %w", err)
	}
	live.stream = stream

	if s.deps.Sinks != nil {
		sink, err := s.deps.Sinks(live.id)
		if err != nil {
			slog.Warn("audio artifact disabled for session", "error", err, "session_id", live.id)
		} else {
			live.sink = sink
		}
	}
	return nil
}

func (s *Supervisor) loop(ctx context.Context, live *liveSession, t Transport) Result {
	frames := make(chan inbound)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			f, err := t.Receive()
			select {
			case frames <- inbound{frame: f, err: err}:
			case <-readerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.checkpointInterval())
	defer ticker.Stop()
	var deadline <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxSessionDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if ctx.Err() != nil {
			return s.drain(ctx, live, t, stopReason(ctx))
		}
		select {
		case <-ctx.Done():
			return s.drain(ctx, live, t, stopReason(ctx))
		case <-deadline:
			return s.fail(ctx, live, t, stopReasonMaxDuration, ErrMaxDuration)
		case err := <-live.cp.Failures():
			return s.fail(ctx, live, t, stopReasonPersistenceFailed, err)
		case <-ticker.C:
			live.cp.Request(live.agg.Checkpoint())
		case in := <-frames:
			if in.err != nil {
				if errors.Is(in.err, ErrClientClosed) {
					return s.drain(ctx, live, t, stopReasonClientClosed)
				}
				if errors.Is(in.err, ErrFrameTooLarge) {
					slog.Warn("frame exceeded transport read limit", "error", in.err, "session_id", live.id)
					return s.drain(ctx, live, t, ErrFrameTooLarge.Error())
				}
				return s.fail(ctx, live, t, stopReasonDisconnected, in.err)
			}
			switch in.frame.Kind {
			case FrameStop:
				return s.drain(ctx, live, t, stopReasonEndRequested)
			case FrameInvalid:
				s.send(ctx, t, Event{Type: EventError, SessionID: live.id, Code: errorCodeInvalidControl, Message: messageInvalidControl})
			case FrameAudio, FrameOversize:
				if err := s.process(ctx, live, t, in.frame); err != nil {
					if errors.Is(err, ErrTooManyFailures) {
						return s.fail(ctx, live, t, stopReasonTooManyFailures, err)
					}
					return s.fail(ctx, live, t, stopReasonTranscriptionFailed, err)
				}
			}
		}
	}
}

func (s *Supervisor) checkpointInterval() time.Duration {
	if s.cfg.CheckpointInterval <= 0 {
		return 5 * time.Second
	}
	return s.cfg.CheckpointInterval
}

// process runs one chunk through decode, artifact, inference and
// aggregation. A non-nil error ends the session.
func (s *Supervisor) process(ctx context.Context, live *liveSession, t Transport, frame Frame) error {
	var (
		chunk audio.Chunk
		err   error
		size  = len(frame.Payload)
	)
	if frame.Kind == FrameOversize {
		size = frame.Size
		if err = live.codec.CheckSize(size); err == nil {
			err = fmt.Errorf("%w: %w (%d bytes)", audio.ErrDecode, audio.ErrChunkTooLarge, size)
		}
	} else {
		chunk, err = live.codec.Decode(frame.Payload)
	}
	if err != nil {
		slog.Warn("audio chunk rejected", "error", err, "session_id", live.id, "bytes", size)
		s.send(ctx, t, Event{Type: EventError, SessionID: live.id, Code: errorCodeDecode, Message: err.Error()})
		return s.recordFailure(live, err)
	}
	live.agg.Observe(s.deps.Now())

	if live.sink != nil {
		if err := live.sink.Write(chunk); err != nil {
			slog.Warn("failed to write audio artifact", "error", err, "session_id", live.id, "chunk_sequence", chunk.Sequence)
		}
	}

	segments, err := live.stream.Infer(ctx, chunk)
	if err != nil {
		if transcriber.IsFatal(err) {
			return err
		}
		slog.Warn("transcription unavailable for chunk", "error", err, "session_id", live.id, "chunk_sequence", chunk.Sequence)
		s.send(ctx, t, Event{Type: EventError, SessionID: live.id, Code: errorCodeTranscriptionUnavailable, Message: err.Error()})
		return s.recordFailure(live, err)
	}
	live.failures = 0
	for seg := range segments {
		s.apply(ctx, live, t, seg)
	}
	return nil
}

func (s *Supervisor) recordFailure(live *liveSession, err error) error {
	live.failures++
	if s.cfg.MaxConsecutiveFailures > 0 && live.failures > s.cfg.MaxConsecutiveFailures {
		return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, live.failures, err)
	}
	return nil
}

func (s *Supervisor) apply(ctx context.Context, live *liveSession, t Transport, seg repository.Segment) {
	if !seg.IsFinal() && !s.deps.Transcriber.SupportsPartial() {
		slog.Debug("dropping provisional segment from final-only engine", "session_id", live.id, "sequence", seg.Sequence)
		return
	}
	if err := live.agg.Apply(seg); err != nil {
		if errors.Is(err, ErrOutOfOrderSegment) {
			slog.Warn("dropping out-of-order segment", "error", err, "session_id", live.id, "sequence", seg.Sequence, "dropped", live.agg.Dropped())
		}
		return
	}
	s.send(ctx, t, Event{Type: EventTranscript, SessionID: live.id, Segment: &seg})
	if seg.IsFinal() {
		live.cp.Request(live.agg.Checkpoint())
	}
}

// drain flushes the engine, completes the session and writes the final
// checkpoint. No further chunks are read.
func (s *Supervisor) drain(ctx context.Context, live *liveSession, t Transport, reason string) Result {
	s.setState(StateDraining)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	segments, err := live.stream.Finish(fctx)
	if err != nil {
		if transcriber.IsFatal(err) {
			return s.fail(ctx, live, t, stopReasonTranscriptionFailed, err)
		}
		slog.Warn("failed to flush transcription stream", "error", err, "session_id", live.id)
	} else {
		for seg := range segments {
			s.apply(fctx, live, t, seg)
		}
	}
	return s.finish(fctx, live, t, repository.SessionStatusCompleted, reason)
}

func (s *Supervisor) fail(ctx context.Context, live *liveSession, t Transport, reason string, cause error) Result {
	s.setState(StateFailed)
	slog.Error("session stream failed", "error", cause, "session_id", live.id, "reason", reason)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	if reason != stopReasonDisconnected {
		s.send(fctx, t, Event{Type: EventError, SessionID: live.id, Code: failureCode(reason), Message: cause.Error()})
	}
	return s.finish(fctx, live, t, repository.SessionStatusFailed, reason)
}

func (s *Supervisor) finish(ctx context.Context, live *liveSession, t Transport, status repository.SessionStatus, reason string) Result {
	if live.sink != nil {
		ref, err := live.sink.Close()
		live.sink = nil
		if err != nil {
			slog.Warn("failed to close audio artifact", "error", err, "session_id", live.id)
		}
		live.agg.SetAudioRef(ref)
	}
	if err := live.agg.Finish(status); err != nil {
		slog.Warn("session already finished", "error", err, "session_id", live.id)
	}

	snap := live.agg.Checkpoint()
	res := Result{
		SessionID: live.id,
		UserID:    live.userID,
		PatientID: live.patientID,
		Status:    snap.Status,
		Reason:    reason,
		Snapshot:  snap,
	}
	if err := live.cp.Flush(ctx, snap); err != nil {
		res.Err = err
		s.send(ctx, t, Event{Type: EventError, SessionID: live.id, Code: errorCodePersistenceFailed, Message: err.Error()})
	}

	s.send(ctx, t, Event{
		Type:      EventSessionClosed,
		SessionID: live.id,
		Closed: &ClosedInfo{
			Status:     snap.Status,
			Reason:     reason,
			Transcript: repository.JoinTranscript(snap.Segments),
			Summary:    snap.Summary,
			Duration:   snap.Duration,
			AudioRef:   snap.AudioRef,
		},
	})
	var (
		chunks   int64
		audioLen time.Duration
	)
	if live.codec != nil {
		chunks = live.codec.Accepted()
		audioLen = live.codec.AudioDuration()
	}
	slog.Info("session stream closed",
		"session_id", live.id,
		"status", snap.Status,
		"reason", reason,
		"segments", len(snap.Segments),
		"dropped_segments", live.agg.Dropped(),
		"chunks", chunks,
		"audio_duration", audioLen,
		"duration", snap.Duration)
	return res
}

func (s *Supervisor) release(ctx context.Context, live *liveSession) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()
	live.cp.Close()
	if live.stream != nil {
		if err := live.stream.Close(); err != nil {
			slog.Warn("failed to close transcription stream", "error", err, "session_id", live.id)
		}
	}
	if live.sink != nil {
		if _, err := live.sink.Close(); err != nil {
			slog.Warn("failed to close audio artifact", "error", err, "session_id", live.id)
		}
	}
	if live.codec != nil {
		live.codec.Close()
	}
	s.releaseToken(rctx, live.id, live.token)
	live.detach()
	s.setState(StateClosed)
}

func (s *Supervisor) releaseToken(ctx context.Context, sessionID string, token repository.OwnerToken) {
	if err := s.deps.Store.Release(ctx, sessionID, token); err != nil {
		slog.Warn("failed to release session ownership", "error", err, "session_id", sessionID)
	}
}

func (s *Supervisor) send(ctx context.Context, t Transport, ev Event) {
	if err := t.Send(context.WithoutCancel(ctx), ev); err != nil {
		slog.Debug("failed to send event", "error", err, "type", ev.Type, "session_id", ev.SessionID)
	}
}
