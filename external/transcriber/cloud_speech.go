package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/transcriber"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	speechAPIEndpointPort = 443
	resultBufferSize      = 64
)

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Language        string
	Location        string
	Model           string
	SampleRate      int
	Channels        int
}

type CloudSpeechTranscriber struct {
	projectID       string
	credentialsJSON string
	defaultLanguage string
	location        string
	model           string
	sampleRate      int
	channels        int
}

func NewCloudSpeechTranscriber(cfg CloudSpeechConfig) *CloudSpeechTranscriber {
	return &CloudSpeechTranscriber{
		projectID:       cfg.ProjectID,
		credentialsJSON: cfg.CredentialsJSON,
		defaultLanguage: cfg.Language,
		location:        strings.TrimSpace(cfg.Location),
		model:           strings.TrimSpace(cfg.Model),
		sampleRate:      cfg.SampleRate,
		channels:        cfg.Channels,
	}
}

func (t *CloudSpeechTranscriber) SupportsPartial() bool { return true }

func (t *CloudSpeechTranscriber) Open(ctx context.Context, state transcriber.State) (transcriber.Stream, error) {
	language := state.Language
	if language == "" {
		language = t.defaultLanguage
	}
	slog.Info("starting cloud speech streaming", "session_id", state.SessionID, "location", t.location, "language", language, "model", t.model)

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(t.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: detect credentials: %w", transcriber.ErrFatal, err)
	}

	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if t.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", t.location, speechAPIEndpointPort)))
	}

	// The recognition stream outlives a stop request so that Finish can
	// still flush buffered audio.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	client, err := speech.NewClient(streamCtx, opts...)
	if err != nil {
		cancel()
		return nil, classifyError(err)
	}

	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", t.projectID, t.location)
	config := &speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         t.model,
					LanguageCodes: []string{language},
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(t.sampleRate),
							AudioChannelCount: int32(t.channels),
						},
					},
					Features: &speechpb.RecognitionFeatures{EnableAutomaticPunctuation: true},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	}

	s := &cloudStream{
		sessionID: state.SessionID,
		seq:       newSequencer(state.NextSequence, state.BaseOffset),
		results:   make(chan recognized, resultBufferSize),
		quit:      make(chan struct{}),
		newStreamFn: func() (speechpb.Speech_StreamingRecognizeClient, error) {
			next, err := client.StreamingRecognize(streamCtx)
			if err != nil {
				return nil, err
			}
			if err := next.Send(config); err != nil {
				_ = next.CloseSend()
				return nil, err
			}
			return next, nil
		},
		closeFn: func() error {
			cancel()
			return client.Close()
		},
	}
	stream, err := s.newStreamFn()
	if err != nil {
		_ = s.closeFn()
		return nil, classifyError(err)
	}
	s.stream = stream
	s.startReceiver(stream)
	slog.Info("cloud speech stream initialized", "session_id", state.SessionID)
	return s, nil
}

// recognized is one result as reported by the engine, before a sequence
// number is assigned.
type recognized struct {
	text   string
	final  bool
	offset time.Duration
}

// sequencer numbers engine results. Interim results revise the current
// sequence number and a final result closes it. Offsets reported by the
// engine are relative to the stream and are moved onto the session timeline.
type sequencer struct {
	next int
	base time.Duration
}

func newSequencer(next int, base time.Duration) *sequencer {
	return &sequencer{next: next, base: base}
}

func (q *sequencer) assign(r recognized) repository.Segment {
	offset := q.base + r.offset
	if !r.final {
		return repository.Provisional(q.next, r.text, offset)
	}
	seg := repository.Final(q.next, r.text, offset)
	q.next++
	return seg
}

// recognizedFromResponse turns one streaming response into results. Final
// results are reported one by one; interim results of the same response are
// joined into a single provisional result.
func recognizedFromResponse(resp *speechpb.StreamingRecognizeResponse) []recognized {
	var (
		out     []recognized
		interim []string
		offset  time.Duration
	)
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		text := strings.TrimSpace(alts[0].GetTranscript())
		if text == "" {
			continue
		}
		end := result.GetResultEndOffset().AsDuration()
		if result.GetIsFinal() {
			out = append(out, recognized{text: text, final: true, offset: end})
			continue
		}
		interim = append(interim, text)
		offset = end
	}
	if len(interim) > 0 {
		out = append(out, recognized{text: strings.Join(interim, " "), offset: offset})
	}
	return out
}

type cloudStream struct {
	sessionID string
	seq       *sequencer
	results   chan recognized

	mu          sync.Mutex
	closed      bool
	quit        chan struct{}
	stream      speechpb.Speech_StreamingRecognizeClient
	recv        *receiver
	newStreamFn func() (speechpb.Speech_StreamingRecognizeClient, error)
	closeFn     func() error
}

func (s *cloudStream) Infer(_ context.Context, chunk audio.Chunk) (iter.Seq[repository.Segment], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %w", transcriber.ErrFatal, io.ErrClosedPipe)
	}
	if err := s.receiveErrLocked(); err != nil {
		return nil, err
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: chunk.Payload,
		},
	}
	if err := s.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return nil, classifyError(err)
		}
		slog.Warn("transcriber send failed with reconnectable error; reconnecting", "error", err, "session_id", s.sessionID)
		if err := s.reconnectLocked(); err != nil {
			return nil, fmt.Errorf("reconnect stream: %w", classifyError(err))
		}
		if err := s.stream.Send(req); err != nil {
			return nil, classifyError(err)
		}
	}
	return transcriber.Of(s.drainLocked()...), nil
}

// drainLocked collects results that already arrived without waiting.
func (s *cloudStream) drainLocked() []repository.Segment {
	var out []repository.Segment
	for {
		select {
		case r := <-s.results:
			out = append(out, s.seq.assign(r))
		default:
			return out
		}
	}
}

func (s *cloudStream) receiveErrLocked() error {
	select {
	case <-s.recv.done:
	default:
		return nil
	}
	if s.recv.err == nil || isReconnectableStreamError(s.recv.err) {
		slog.Warn("transcriber receive loop ended; reconnecting", "error", s.recv.err, "session_id", s.sessionID)
		if err := s.reconnectLocked(); err != nil {
			return fmt.Errorf("reconnect stream: %w", classifyError(err))
		}
		return nil
	}
	return classifyError(s.recv.err)
}

func (s *cloudStream) Finish(ctx context.Context) (iter.Seq[repository.Segment], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transcriber.Empty(), nil
	}
	if err := s.stream.CloseSend(); err != nil {
		slog.Warn("failed to half-close transcriber stream", "error", err, "session_id", s.sessionID)
	}
	recv := s.recv
	var out []repository.Segment
	for {
		select {
		case r := <-s.results:
			out = append(out, s.seq.assign(r))
		case <-recv.done:
			out = append(out, s.drainLocked()...)
			if recv.err != nil && !isReconnectableStreamError(recv.err) {
				return transcriber.Of(out...), classifyError(recv.err)
			}
			return transcriber.Of(out...), nil
		case <-ctx.Done():
			return transcriber.Of(out...), fmt.Errorf("%w: %w", transcriber.ErrUnavailable, ctx.Err())
		}
	}
}

func (s *cloudStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.quit)
	_ = s.stream.CloseSend()
	return s.closeFn()
}

func (s *cloudStream) reconnectLocked() error {
	_ = s.stream.CloseSend()
	next, err := s.newStreamFn()
	if err != nil {
		slog.Error("failed to reconnect transcriber stream", "error", err, "session_id", s.sessionID)
		return err
	}
	s.stream = next
	s.startReceiver(next)
	slog.Info("transcriber stream reconnected", "session_id", s.sessionID)
	return nil
}

// receiver tracks one Recv loop. err is written before done is closed.
type receiver struct {
	done chan struct{}
	err  error
}

// startReceiver must be called with mu held or before the stream is shared.
func (s *cloudStream) startReceiver(stream speechpb.Speech_StreamingRecognizeClient) {
	r := &receiver{done: make(chan struct{})}
	s.recv = r
	go func() {
		defer close(r.done)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Info("transcriber receive loop stopped", "reason", err.Error(), "session_id", s.sessionID)
				}
				r.err = err
				return
			}
			for _, res := range recognizedFromResponse(resp) {
				select {
				case s.results <- res:
				case <-s.quit:
					return
				}
			}
		}
	}()
}

// classifyError maps gRPC failures onto the transcriber taxonomy. Unknown
// failures count as recoverable.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transcriber.ErrFatal) || errors.Is(err, transcriber.ErrUnavailable) {
		return err
	}
	st, ok := status.FromError(err)
	if ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound, codes.FailedPrecondition, codes.Unimplemented:
			return fmt.Errorf("%w: %w", transcriber.ErrFatal, err)
		}
	}
	return fmt.Errorf("%w: %w", transcriber.ErrUnavailable, err)
}

func isReconnectableStreamError(err error) bool {
	if errors.Is(err, io.EOF) || strings.Contains(strings.ToLower(err.Error()), "eof") {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}
