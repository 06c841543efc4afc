//go:build !opus

package audio

import "github.com/foxseedlab/aiscribe/internal/audio"

func NewOpusDecoder(audio.Format) (audio.PayloadDecoder, error) {
	return nil, ErrOpusUnsupported
}

func opusAvailable() bool { return false }
