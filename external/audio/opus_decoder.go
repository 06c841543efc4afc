//go:build opus

package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/hraban/opus"
)

// maxOpusFrameMs is the longest frame an Opus packet can carry.
const maxOpusFrameMs = 120

type opusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewOpusDecoder decodes one Opus packet per binary frame into PCM16.
func NewOpusDecoder(format audio.Format) (audio.PayloadDecoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:      dec,
		channels: format.Channels,
		pcm:      make([]int16, format.SampleRate*maxOpusFrameMs/1000*format.Channels),
	}, nil
}

func (d *opusDecoder) Decode(payload []byte) ([]byte, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, err
	}
	samples := d.pcm[:n*d.channels]
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (d *opusDecoder) Close() {}

func opusAvailable() bool { return true }
