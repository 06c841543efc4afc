package audio

import (
	"errors"
	"time"
)

var (
	ErrDecode        = errors.New("audio chunk rejected")
	ErrEmptyChunk    = errors.New("audio chunk is empty")
	ErrChunkTooLarge = errors.New("audio chunk exceeds maximum size")
	ErrMisalignedPCM = errors.New("pcm payload length is not a multiple of the sample width")
)

const (
	EncodingPCM16 = "pcm16"
	EncodingOpus  = "opus"

	pcm16SampleWidth = 2
)

// Chunk is one accepted unit of inbound audio. It is owned by the stream
// supervisor for a single processing step and never retained afterwards.
type Chunk struct {
	Sequence int64
	Payload  []byte
	Samples  int
	Duration time.Duration
	Offset   time.Duration
}

// Format describes the PCM stream produced by the codec.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) durationOf(samples int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := samples / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// PayloadDecoder turns a validated wire payload into 16-bit little-endian PCM.
type PayloadDecoder interface {
	Decode(payload []byte) ([]byte, error)
	Close()
}

type PayloadDecoderFactory func(format Format) (PayloadDecoder, error)

// Sink receives every accepted chunk of a session. Close returns the
// reference of the stored artifact, or an empty string when nothing was kept.
type Sink interface {
	Write(chunk Chunk) error
	Close() (string, error)
}

type SinkFactory func(sessionID string) (Sink, error)

// ArtifactRemover deletes a stored artifact by the reference a Sink returned.
type ArtifactRemover interface {
	Remove(ref string) error
}
