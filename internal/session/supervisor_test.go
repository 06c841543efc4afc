package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/auth"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/transcriber"
)

type mockAuthenticator struct{}

func (mockAuthenticator) Authenticate(_ context.Context, credential string) (string, error) {
	if credential == "" || credential == "bad" {
		return "", auth.ErrUnauthenticated
	}
	return "user-" + credential, nil
}

type mockStore struct {
	mu          sync.Mutex
	sessions    map[string]*repository.Session
	tokens      map[string]repository.OwnerToken
	checkpoints []repository.Snapshot
	attempts    int
	released    []string
	nextID      int
	// claimInactive lets Claim hand out tokens for finished sessions.
	claimInactive bool
	// checkpointErr is consulted before every checkpoint attempt.
	checkpointErr func(attempt int, snap repository.Snapshot) error
	block         chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: make(map[string]*repository.Session),
		tokens:   make(map[string]repository.OwnerToken),
	}
}

func (m *mockStore) Create(_ context.Context, userID string, input repository.CreateSessionInput) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now()
	s := &repository.Session{
		ID:        fmt.Sprintf("session-%d", m.nextID),
		UserID:    userID,
		Title:     input.Title,
		PatientID: input.PatientID,
		Status:    repository.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[s.ID] = s
	out := *s
	return &out, nil
}

func (m *mockStore) put(s repository.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &s
}

func (m *mockStore) Claim(_ context.Context, userID, sessionID string) (repository.OwnerToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return "", repository.ErrNotFound
	}
	if s.Status != repository.SessionStatusActive && !m.claimInactive {
		return "", repository.ErrSessionNotActive
	}
	if _, busy := m.tokens[sessionID]; busy {
		return "", repository.ErrSessionBusy
	}
	token := repository.OwnerToken("token-" + sessionID)
	m.tokens[sessionID] = token
	return token, nil
}

func (m *mockStore) Checkpoint(ctx context.Context, sessionID string, token repository.OwnerToken, snap repository.Snapshot) error {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	block := m.block
	hook := m.checkpointErr
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hook != nil {
		if err := hook(attempt, snap); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	if m.tokens[sessionID] != token {
		return repository.ErrOwnershipMismatch
	}
	if snap.Version < s.Version {
		return nil
	}
	if !s.Status.CanTransition(snap.Status) {
		return repository.ErrStatusRegression
	}
	s.Version = snap.Version
	s.Status = snap.Status
	s.Title = snap.Title
	s.Segments = repository.CloneSegments(snap.Segments)
	s.Summary = snap.Summary
	s.AudioRef = snap.AudioRef
	s.Duration = snap.Duration
	s.StartedAt = snap.StartedAt
	s.FinishedAt = snap.FinishedAt
	m.checkpoints = append(m.checkpoints, snap)
	return nil
}

func (m *mockStore) Release(_ context.Context, sessionID string, token repository.OwnerToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens[sessionID] == token {
		delete(m.tokens, sessionID)
	}
	m.released = append(m.released, sessionID)
	return nil
}

func (m *mockStore) Get(_ context.Context, userID, sessionID string) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, repository.ErrNotFound
	}
	out := *s
	out.Segments = repository.CloneSegments(s.Segments)
	return &out, nil
}

func (m *mockStore) List(_ context.Context, userID string) ([]repository.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.SessionSummary
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, repository.Summarize(s))
		}
	}
	return out, nil
}

func (m *mockStore) Delete(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return repository.ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *mockStore) RecoverOrphans(context.Context) (int, error) { return 0, nil }
func (m *mockStore) Close() error                                { return nil }

func (m *mockStore) checkpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

func (m *mockStore) session(id string) repository.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *m.sessions[id]
	s.Segments = repository.CloneSegments(s.Segments)
	return s
}

// mockTranscriber emits one final segment per chunk unless infer is set.
type mockTranscriber struct {
	finalOnly bool

	mu      sync.Mutex
	states  []transcriber.State
	chunks  []int64
	infer   func(call int, chunk audio.Chunk, next int) ([]repository.Segment, error)
	finish  []string
	openErr error
	closed  bool
}

type mockStream struct {
	t    *mockTranscriber
	next int
	call int
}

func (m *mockTranscriber) SupportsPartial() bool { return !m.finalOnly }

func (m *mockTranscriber) Open(_ context.Context, state transcriber.State) (transcriber.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.states = append(m.states, state)
	return &mockStream{t: m, next: state.NextSequence}, nil
}

func (s *mockStream) Infer(_ context.Context, chunk audio.Chunk) (iter.Seq[repository.Segment], error) {
	s.t.mu.Lock()
	s.t.chunks = append(s.t.chunks, chunk.Sequence)
	infer := s.t.infer
	s.t.mu.Unlock()
	call := s.call
	s.call++
	if infer != nil {
		segs, err := infer(call, chunk, s.next)
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			if seg.IsFinal() && seg.Sequence >= s.next {
				s.next = seg.Sequence + 1
			}
		}
		return transcriber.Of(segs...), nil
	}
	seg := repository.Final(s.next, fmt.Sprintf("chunk %d", chunk.Sequence), chunk.Offset)
	s.next++
	return transcriber.Of(seg), nil
}

func (s *mockStream) Finish(context.Context) (iter.Seq[repository.Segment], error) {
	segs := make([]repository.Segment, 0, len(s.t.finish))
	for _, text := range s.t.finish {
		segs = append(segs, repository.Final(s.next, text, 0))
		s.next++
	}
	return transcriber.Of(segs...), nil
}

func (s *mockStream) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closed = true
	return nil
}

func (m *mockTranscriber) receivedChunks() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.chunks...)
}

type mockTransport struct {
	in        chan inbound
	closeOnce sync.Once

	mu     sync.Mutex
	events []Event
}

func newMockTransport() *mockTransport {
	return &mockTransport{in: make(chan inbound)}
}

func (m *mockTransport) Receive() (Frame, error) {
	in, ok := <-m.in
	if !ok {
		return Frame{}, ErrClientClosed
	}
	return in.frame, in.err
}

func (m *mockTransport) Send(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockTransport) audio(payload []byte) {
	m.in <- inbound{frame: Frame{Kind: FrameAudio, Payload: payload}}
}

func (m *mockTransport) oversize(size int) {
	m.in <- inbound{frame: Frame{Kind: FrameOversize, Size: size}}
}

func (m *mockTransport) stop() {
	m.in <- inbound{frame: Frame{Kind: FrameStop}}
}

func (m *mockTransport) drop(err error) {
	m.in <- inbound{err: err}
}

func (m *mockTransport) close() {
	m.closeOnce.Do(func() { close(m.in) })
}

func (m *mockTransport) eventsOf(typ EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (m *mockTransport) hasErrorCode(code string) bool {
	for _, ev := range m.eventsOf(EventError) {
		if ev.Code == code {
			return true
		}
	}
	return false
}

func testSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxChunkBytes:          1000,
		Format:                 audio.Format{SampleRate: 16000, Channels: 1},
		Language:               "en-US",
		CheckpointInterval:     time.Hour,
		MaxSessionDuration:     time.Hour,
		MaxConsecutiveFailures: 3,
		Retry:                  RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		FinalizeTimeout:        2 * time.Second,
	}
}

type supervisorHarness struct {
	store *mockStore
	stt   *mockTranscriber
	tr    *mockTransport
	sup   *Supervisor
}

func newSupervisorHarness(t *testing.T, cfg SupervisorConfig) *supervisorHarness {
	t.Helper()
	h := &supervisorHarness{
		store: newMockStore(),
		stt:   &mockTranscriber{},
		tr:    newMockTransport(),
	}
	h.sup = NewSupervisor(cfg, Dependencies{
		Auth:        mockAuthenticator{},
		Store:       h.store,
		Transcriber: h.stt,
	})
	t.Cleanup(h.tr.close)
	return h
}

func (h *supervisorHarness) start(ctx context.Context, req OpenRequest) <-chan Result {
	done := make(chan Result, 1)
	go func() {
		done <- h.sup.Run(ctx, req, h.tr)
	}()
	return done
}

func waitResult(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for supervisor to finish")
		return Result{}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition was not satisfied before timeout")
}

func pcm(n int) []byte {
	return make([]byte, n)
}

func TestSupervisor_CleanCloseCompletes(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.stt.finish = []string{"tail"}
	done := h.start(context.Background(), OpenRequest{Credential: "alice", Title: "standup"})

	h.tr.audio(pcm(320))
	h.tr.audio(pcm(320))
	h.tr.close()

	res := waitResult(t, done)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Status != repository.SessionStatusCompleted || res.Reason != stopReasonClientClosed {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
	stored := h.store.session(res.SessionID)
	if stored.Status != repository.SessionStatusCompleted {
		t.Fatalf("expected stored status completed, got %s", stored.Status)
	}
	if len(stored.Segments) != 3 || stored.Segments[2].Text != "tail" {
		t.Fatalf("expected flushed tail segment, got %+v", stored.Segments)
	}
	if stored.Summary != "Brief audio recording session" {
		t.Fatalf("unexpected summary: %q", stored.Summary)
	}
	if stored.Title != "standup" || stored.FinishedAt == nil {
		t.Fatalf("unexpected stored session: %+v", stored)
	}
	if h.sup.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", h.sup.State())
	}
	if len(h.tr.eventsOf(EventSessionCreated)) != 1 || len(h.tr.eventsOf(EventTranscript)) != 3 {
		t.Fatalf("unexpected events: %+v", h.tr.events)
	}
	closed := h.tr.eventsOf(EventSessionClosed)
	if len(closed) != 1 || closed[0].Closed.Transcript != "chunk 0 chunk 1 tail" {
		t.Fatalf("unexpected session_closed event: %+v", closed)
	}
	if len(h.store.released) != 1 {
		t.Fatalf("expected ownership to be released once, got %v", h.store.released)
	}
}

func TestSupervisor_EndRequestCompletes(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))
	h.tr.stop()

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusCompleted || res.Reason != stopReasonEndRequested {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
	if got := h.stt.receivedChunks(); len(got) != 1 {
		t.Fatalf("expected one chunk to reach the transcriber, got %v", got)
	}
}

func TestSupervisor_DropAfterTwoCheckpointsFails(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))
	waitUntil(t, time.Second, func() bool { return h.store.checkpointCount() >= 1 })
	h.tr.audio(pcm(320))
	waitUntil(t, time.Second, func() bool { return h.store.checkpointCount() >= 2 })
	h.tr.drop(io.ErrUnexpectedEOF)

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusFailed || res.Reason != stopReasonDisconnected {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
	stored := h.store.session(res.SessionID)
	if stored.Status != repository.SessionStatusFailed {
		t.Fatalf("expected stored status failed, got %s", stored.Status)
	}
	if len(stored.Segments) != 2 {
		t.Fatalf("expected both checkpointed segments, got %+v", stored.Segments)
	}
	for i, seg := range stored.Segments {
		if seg.Sequence != i || !seg.IsFinal() {
			t.Fatalf("unexpected segment %d: %+v", i, seg)
		}
	}
}

func TestSupervisor_DropWithUnwritableFinalKeepsLastCheckpoint(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.store.checkpointErr = func(_ int, snap repository.Snapshot) error {
		if snap.Status.IsTerminal() {
			return repository.ErrOwnershipMismatch
		}
		return nil
	}
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))
	h.tr.audio(pcm(320))
	waitUntil(t, time.Second, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		n := len(h.store.checkpoints)
		return n > 0 && len(h.store.checkpoints[n-1].Segments) == 2
	})
	h.store.mu.Lock()
	last := h.store.checkpoints[len(h.store.checkpoints)-1]
	h.store.mu.Unlock()
	h.tr.drop(io.ErrUnexpectedEOF)

	res := waitResult(t, done)
	if !errors.Is(res.Err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", res.Err)
	}
	stored := h.store.session(res.SessionID)
	if stored.Version != last.Version || len(stored.Segments) != len(last.Segments) {
		t.Fatalf("stored session diverged from last checkpoint: %+v vs %+v", stored, last)
	}
	for i := range last.Segments {
		if stored.Segments[i] != last.Segments[i] {
			t.Fatalf("segment %d differs: %+v vs %+v", i, stored.Segments[i], last.Segments[i])
		}
	}
}

func TestSupervisor_StopRequestUsesCause(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	ctx, stop := context.WithCancelCause(context.Background())
	done := h.start(ctx, OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))
	waitUntil(t, time.Second, func() bool { return len(h.stt.receivedChunks()) == 1 })
	stop(ErrServerShutdown)

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusCompleted || res.Reason != ErrServerShutdown.Error() {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
}

func TestSupervisor_UnauthenticatedIsRejected(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	res := waitResult(t, h.start(context.Background(), OpenRequest{Credential: "bad"}))

	if !errors.Is(res.Err, auth.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated error, got %v", res.Err)
	}
	if res.SessionID != "" || len(h.store.sessions) != 0 {
		t.Fatal("no session must be created for a rejected credential")
	}
	if !h.tr.hasErrorCode(errorCodeUnauthenticated) {
		t.Fatalf("expected unauthenticated event, got %+v", h.tr.events)
	}
}

func TestSupervisor_ResumeContinuesSequence(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.store.put(repository.Session{
		ID:       "session-resume",
		UserID:   "user-alice",
		Title:    "resumed",
		Status:   repository.SessionStatusActive,
		Segments: []repository.Segment{repository.Final(0, "a", 0), repository.Final(1, "b", 0)},
		Version:  7,
	})
	done := h.start(context.Background(), OpenRequest{Credential: "alice", SessionID: "session-resume"})

	h.tr.audio(pcm(320))
	h.tr.close()

	res := waitResult(t, done)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if h.stt.states[0].NextSequence != 2 {
		t.Fatalf("expected transcriber to continue at 2, got %d", h.stt.states[0].NextSequence)
	}
	stored := h.store.session("session-resume")
	if len(stored.Segments) != 3 || stored.Segments[2].Sequence != 2 {
		t.Fatalf("unexpected segments: %+v", stored.Segments)
	}
	if stored.Version <= 7 {
		t.Fatalf("expected version to advance past 7, got %d", stored.Version)
	}
}

func TestSupervisor_ResumeFinishedSessionIsRejected(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.store.put(repository.Session{ID: "done", UserID: "user-alice", Status: repository.SessionStatusCompleted})
	res := waitResult(t, h.start(context.Background(), OpenRequest{Credential: "alice", SessionID: "done"}))

	if !errors.Is(res.Err, repository.ErrSessionNotActive) {
		t.Fatalf("expected not active error, got %v", res.Err)
	}
	if !h.tr.hasErrorCode(errorCodeSessionUnavailable) {
		t.Fatalf("expected session_unavailable event, got %+v", h.tr.events)
	}
}

func TestSupervisor_ChunkSizeLimitWithinSession(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(1000))
	h.tr.audio(pcm(1002))
	h.tr.audio(pcm(2))
	h.tr.close()

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusCompleted {
		t.Fatalf("oversized chunk must not end the session: %s", res.Status)
	}
	if got := h.stt.receivedChunks(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("expected chunks 0 and 1 to reach the transcriber, got %v", got)
	}
	if !h.tr.hasErrorCode(errorCodeDecode) {
		t.Fatalf("expected decode_error event, got %+v", h.tr.events)
	}
}

func TestSupervisor_ConsecutiveFailuresEndSession(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	for range 4 {
		h.tr.audio(pcm(3))
	}

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusFailed || res.Reason != stopReasonTooManyFailures {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
	if !h.tr.hasErrorCode(errorCodeTooManyFailures) {
		t.Fatalf("expected too_many_failures event, got %+v", h.tr.events)
	}
}

func TestSupervisor_UnavailableChunkIsSkipped(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.stt.infer = func(call int, _ audio.Chunk, next int) ([]repository.Segment, error) {
		if call == 0 {
			return nil, transcriber.ErrUnavailable
		}
		return []repository.Segment{repository.Final(next, "ok", 0)}, nil
	}
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))
	h.tr.audio(pcm(320))
	h.tr.close()

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusCompleted {
		t.Fatalf("unexpected status: %s", res.Status)
	}
	if len(res.Snapshot.Segments) != 1 || res.Snapshot.Segments[0].Text != "ok" {
		t.Fatalf("unexpected segments: %+v", res.Snapshot.Segments)
	}
	if !h.tr.hasErrorCode(errorCodeTranscriptionUnavailable) {
		t.Fatalf("expected transcription_unavailable event, got %+v", h.tr.events)
	}
}

func TestSupervisor_FatalTranscriptionFails(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.stt.infer = func(int, audio.Chunk, int) ([]repository.Segment, error) {
		return nil, fmt.Errorf("%w: quota revoked", transcriber.ErrFatal)
	}
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusFailed || res.Reason != stopReasonTranscriptionFailed {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
	if h.store.session(res.SessionID).Status != repository.SessionStatusFailed {
		t.Fatal("expected failed status to be stored")
	}
}

func TestSupervisor_ProvisionalThenFinalInterleaving(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	script := [][]repository.Segment{
		{repository.Provisional(0, "zero", 0)},
		{repository.Provisional(1, "one", 0)},
		{repository.Final(1, "ONE", 0)},
		{repository.Provisional(2, "two", 0)},
	}
	h.stt.infer = func(call int, _ audio.Chunk, _ int) ([]repository.Segment, error) {
		return script[call], nil
	}
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	for range script {
		h.tr.audio(pcm(320))
	}
	h.tr.close()

	res := waitResult(t, done)
	segs := res.Snapshot.Segments
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %+v", segs)
	}
	if segs[0].IsFinal() || !segs[1].IsFinal() || segs[1].Text != "ONE" || segs[2].IsFinal() {
		t.Fatalf("unexpected segments: %+v", segs)
	}
}

func TestSupervisor_MaxDurationFails(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.MaxSessionDuration = 30 * time.Millisecond
	h := newSupervisorHarness(t, cfg)

	res := waitResult(t, h.start(context.Background(), OpenRequest{Credential: "alice"}))
	if res.Status != repository.SessionStatusFailed || res.Reason != stopReasonMaxDuration {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
}

func TestSupervisor_CheckpointBudgetExhaustedFails(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.store.checkpointErr = func(int, repository.Snapshot) error {
		return errors.New("connection refused")
	}
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusFailed || res.Reason != stopReasonPersistenceFailed {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
	if !errors.Is(res.Err, ErrPersistence) {
		t.Fatalf("expected persistence error on final checkpoint, got %v", res.Err)
	}
}

func TestSupervisor_OpenFailureMarksSessionFailed(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.stt.openErr = fmt.Errorf("%w: credentials rejected", transcriber.ErrFatal)

	res := waitResult(t, h.start(context.Background(), OpenRequest{Credential: "alice"}))
	if res.Status != repository.SessionStatusFailed {
		t.Fatalf("unexpected status: %s", res.Status)
	}
	if h.store.session(res.SessionID).Status != repository.SessionStatusFailed {
		t.Fatal("expected failed status to be stored")
	}
}

func TestSupervisor_FinalOnlyEngineDropsProvisionalSegments(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.stt.finalOnly = true
	h.stt.infer = func(call int, chunk audio.Chunk, next int) ([]repository.Segment, error) {
		if call == 0 {
			return []repository.Segment{repository.Provisional(next, "maybe", chunk.Offset)}, nil
		}
		return []repository.Segment{repository.Final(next, "surely", chunk.Offset)}, nil
	}
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))
	h.tr.audio(pcm(320))
	h.tr.close()

	res := waitResult(t, done)
	stored := h.store.session(res.SessionID)
	if len(stored.Segments) != 1 || stored.Segments[0] != repository.Final(0, "surely", 10*time.Millisecond) {
		t.Fatalf("unexpected stored segments: %+v", stored.Segments)
	}
	for _, ev := range h.tr.eventsOf(EventTranscript) {
		if !ev.Segment.IsFinal() {
			t.Fatalf("provisional segment must not reach the client: %+v", ev.Segment)
		}
	}
}

func TestSupervisor_ResumeKeepsDurationAndOffsets(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.store.put(repository.Session{
		ID:       "session-resume",
		UserID:   "user-alice",
		Title:    "resumed",
		Status:   repository.SessionStatusActive,
		Segments: []repository.Segment{repository.Final(0, "earlier", 9*time.Minute)},
		Duration: 10 * time.Minute,
		Version:  5,
	})
	done := h.start(context.Background(), OpenRequest{Credential: "alice", SessionID: "session-resume"})

	h.tr.audio(pcm(320))
	h.tr.audio(pcm(320))
	h.tr.close()

	res := waitResult(t, done)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if got := h.stt.states[0].BaseOffset; got != 10*time.Minute {
		t.Fatalf("expected transcriber base offset 10m, got %s", got)
	}
	stored := h.store.session("session-resume")
	if stored.Duration < 10*time.Minute {
		t.Fatalf("resumed session duration went down to %s", stored.Duration)
	}
	want := []time.Duration{9 * time.Minute, 10 * time.Minute, 10*time.Minute + 10*time.Millisecond}
	if len(stored.Segments) != len(want) {
		t.Fatalf("unexpected segments: %+v", stored.Segments)
	}
	for i, offset := range want {
		if stored.Segments[i].Offset != offset {
			t.Fatalf("segment %d: expected offset %s, got %s", i, offset, stored.Segments[i].Offset)
		}
	}
}

func TestSupervisor_ResumeRejectedAfterClaimNotifiesClient(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	h.store.claimInactive = true
	h.store.put(repository.Session{ID: "done", UserID: "user-alice", Status: repository.SessionStatusCompleted})

	res := waitResult(t, h.start(context.Background(), OpenRequest{Credential: "alice", SessionID: "done"}))
	if !errors.Is(res.Err, repository.ErrSessionNotActive) {
		t.Fatalf("expected not active error, got %v", res.Err)
	}
	if !h.tr.hasErrorCode(errorCodeSessionUnavailable) {
		t.Fatalf("expected session_unavailable event, got %+v", h.tr.events)
	}
	if len(h.store.tokens) != 0 {
		t.Fatalf("ownership must be released, got %v", h.store.tokens)
	}
}

func TestSupervisor_OversizeFrameIsRejectedAndSessionContinues(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.oversize(16386)
	h.tr.audio(pcm(320))
	h.tr.close()

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusCompleted {
		t.Fatalf("unexpected status: %s (%s)", res.Status, res.Reason)
	}
	if !h.tr.hasErrorCode(errorCodeDecode) {
		t.Fatalf("expected decode_error event, got %+v", h.tr.events)
	}
	if got := h.stt.receivedChunks(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("oversize frame must not reach the engine, got chunks %v", got)
	}
}

func TestSupervisor_FrameBeyondTransportLimitCompletes(t *testing.T) {
	h := newSupervisorHarness(t, testSupervisorConfig())
	done := h.start(context.Background(), OpenRequest{Credential: "alice"})

	h.tr.audio(pcm(320))
	h.tr.drop(fmt.Errorf("%w: read limit exceeded", ErrFrameTooLarge))

	res := waitResult(t, done)
	if res.Status != repository.SessionStatusCompleted || res.Reason != ErrFrameTooLarge.Error() {
		t.Fatalf("unexpected result: status=%s reason=%s", res.Status, res.Reason)
	}
	if res.ServerFault() {
		t.Fatal("an oversize frame is not a server fault")
	}
}
