package audio

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Codec validates inbound payloads for one connection and assigns arrival
// sequence numbers to accepted chunks.
type Codec struct {
	maxBytes int
	format   Format
	decoder  PayloadDecoder
	base     time.Duration

	next    atomic.Int64
	samples atomic.Int64
}

func NewCodec(maxBytes int, format Format, decoder PayloadDecoder) *Codec {
	if decoder == nil {
		decoder = PCM16Decoder{}
	}
	return &Codec{maxBytes: maxBytes, format: format, decoder: decoder}
}

// StartAt shifts chunk offsets by base. It must be called before the first
// Decode.
func (c *Codec) StartAt(base time.Duration) *Codec {
	c.base = base
	return c
}

func (c *Codec) Decode(raw []byte) (Chunk, error) {
	if len(raw) == 0 {
		return Chunk{}, fmt.Errorf("%w: %w", ErrDecode, ErrEmptyChunk)
	}
	if err := c.CheckSize(len(raw)); err != nil {
		return Chunk{}, err
	}
	pcm, err := c.decoder.Decode(raw)
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(pcm)%pcm16SampleWidth != 0 {
		return Chunk{}, fmt.Errorf("%w: %w", ErrDecode, ErrMisalignedPCM)
	}

	samples := len(pcm) / pcm16SampleWidth
	before := c.samples.Add(int64(samples)) - int64(samples)
	return Chunk{
		Sequence: c.next.Add(1) - 1,
		Payload:  pcm,
		Samples:  samples,
		Duration: c.format.durationOf(samples),
		Offset:   c.base + c.format.durationOf(int(before)),
	}, nil
}

// CheckSize rejects payloads above the chunk limit. Exactly the limit is
// accepted.
func (c *Codec) CheckSize(n int) error {
	if c.maxBytes > 0 && n > c.maxBytes {
		return fmt.Errorf("%w: %w (%d > %d bytes)", ErrDecode, ErrChunkTooLarge, n, c.maxBytes)
	}
	return nil
}

// Accepted returns the number of chunks decoded so far.
func (c *Codec) Accepted() int64 {
	return c.next.Load()
}

// AudioDuration returns the total duration of audio accepted by this codec.
func (c *Codec) AudioDuration() time.Duration {
	return c.format.durationOf(int(c.samples.Load()))
}

func (c *Codec) Close() {
	c.decoder.Close()
}

// PCM16Decoder passes 16-bit PCM through unchanged.
type PCM16Decoder struct{}

func (PCM16Decoder) Decode(payload []byte) ([]byte, error) {
	return payload, nil
}

func (PCM16Decoder) Close() {}
