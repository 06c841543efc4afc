package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/foxseedlab/aiscribe/internal/auth"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/session"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	actionEndSession = "end_session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wireEvent is the JSON shape of every outbound event.
type wireEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	Sequence   *int   `json:"sequence,omitempty"`
	Text       string `json:"text,omitempty"`
	IsFinal    *bool  `json:"is_final,omitempty"`
	OffsetMs   *int64 `json:"offset_ms,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Summary    string `json:"summary,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
	AudioRef   string `json:"audio_ref,omitempty"`
}

func newWireEvent(e session.Event) wireEvent {
	w := wireEvent{
		Type:      string(e.Type),
		SessionID: e.SessionID,
		Code:      e.Code,
		Message:   e.Message,
	}
	if seg := e.Segment; seg != nil {
		seq, final, offset := seg.Sequence, seg.IsFinal(), seg.Offset.Milliseconds()
		w.Sequence, w.IsFinal, w.OffsetMs = &seq, &final, &offset
		w.Text = seg.Text
	}
	if c := e.Closed; c != nil {
		duration := c.Duration.Milliseconds()
		w.Status = string(c.Status)
		w.Reason = c.Reason
		w.Transcript = c.Transcript
		w.Summary = c.Summary
		w.DurationMs = &duration
		w.AudioRef = c.AudioRef
	}
	return w
}

type controlMessage struct {
	Action string `json:"action"`
}

// wsTransport adapts a websocket connection to session.Transport.
type wsTransport struct {
	conn     *websocket.Conn
	maxChunk int
	writeMu  sync.Mutex
}

// newWSTransport reads binary frames up to maxChunk bytes. Larger frames are
// discarded and reported as oversize until readLimit, where the connection
// itself gives up.
func newWSTransport(conn *websocket.Conn, maxChunk int, readLimit int64) *wsTransport {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: conn, maxChunk: maxChunk}
}

func (t *wsTransport) Receive() (session.Frame, error) {
	for {
		kind, r, err := t.conn.NextReader()
		if err != nil {
			return session.Frame{}, t.receiveError(err)
		}
		switch kind {
		case websocket.BinaryMessage:
			frame, err := t.readAudio(r)
			if err != nil {
				return session.Frame{}, t.receiveError(err)
			}
			_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
			return frame, nil
		case websocket.TextMessage:
			data, err := io.ReadAll(r)
			if err != nil {
				return session.Frame{}, t.receiveError(err)
			}
			_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return session.Frame{Kind: session.FrameInvalid, Payload: data}, nil
			}
			if msg.Action == actionEndSession {
				return session.Frame{Kind: session.FrameStop}, nil
			}
			slog.Debug("ignoring unknown control action", "action", msg.Action)
		}
	}
}

// readAudio buffers at most maxChunk+1 bytes of a binary frame and discards
// the rest of an oversize one.
func (t *wsTransport) readAudio(r io.Reader) (session.Frame, error) {
	if t.maxChunk <= 0 {
		data, err := io.ReadAll(r)
		return session.Frame{Kind: session.FrameAudio, Payload: data}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(t.maxChunk)+1))
	if err != nil {
		return session.Frame{}, err
	}
	if len(data) <= t.maxChunk {
		return session.Frame{Kind: session.FrameAudio, Payload: data}, nil
	}
	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return session.Frame{}, err
	}
	return session.Frame{Kind: session.FrameOversize, Size: len(data) + int(rest)}, nil
}

func (t *wsTransport) receiveError(err error) error {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return session.ErrClientClosed
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: %w", session.ErrFrameTooLarge, err)
	default:
		return err
	}
}

func (t *wsTransport) Send(ctx context.Context, event session.Event) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(newWireEvent(event))
}

// keepAlive pings the client until ctx is done. WriteControl is safe to
// call concurrently with Send.
func (t *wsTransport) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = t.conn.Close()
}

// closeCode picks the close frame for a finished stream.
func closeCode(res session.Result) int {
	if res.SessionID == "" {
		switch {
		case errors.Is(res.Err, auth.ErrUnauthenticated),
			errors.Is(res.Err, repository.ErrNotFound),
			errors.Is(res.Err, repository.ErrSessionNotActive),
			errors.Is(res.Err, repository.ErrSessionBusy),
			errors.Is(res.Err, repository.ErrInvalidPatient):
			return websocket.ClosePolicyViolation
		case errors.Is(res.Err, session.ErrShuttingDown):
			return websocket.CloseGoingAway
		default:
			return websocket.CloseInternalServerErr
		}
	}
	switch {
	case res.Reason == session.ErrServerShutdown.Error():
		return websocket.CloseGoingAway
	case res.Reason == session.ErrFrameTooLarge.Error():
		return websocket.CloseMessageTooBig
	case res.ServerFault():
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}

func (s *Server) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	t := newWSTransport(conn, s.maxChunkBytes, s.readLimit)
	slog.Info("audio stream connected", "remote", conn.RemoteAddr().String(), "session_id", q.Get("session_id"))

	ctx, cancel := context.WithCancel(s.baseContext(r))
	defer cancel()
	go t.keepAlive(ctx)

	res := s.sessions.Serve(ctx, session.OpenRequest{
		Credential: q.Get("token"),
		SessionID:  q.Get("session_id"),
		Title:      q.Get("title"),
		PatientID:  q.Get("patient_id"),
	}, t)
	code := closeCode(res)
	slog.Info("audio stream closed", "session_id", res.SessionID, "status", res.Status, "reason", res.Reason, "close_code", code)
	t.close(code, res.Reason)
}
