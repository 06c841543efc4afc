package audio

import (
	"errors"

	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/config"
	"github.com/samber/do/v2"
)

var ErrOpusUnsupported = errors.New("opus support is not compiled in; build with -tags opus")

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*WAVStore, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewWAVStore(c.AudioDir, audio.Format{SampleRate: c.AudioSampleRate, Channels: c.AudioChannels}), nil
	})
	do.Provide(injector, func(i do.Injector) (audio.SinkFactory, error) {
		store := do.MustInvoke[*WAVStore](i)
		return store.NewSink, nil
	})
	do.Provide(injector, func(i do.Injector) (audio.ArtifactRemover, error) {
		return do.MustInvoke[*WAVStore](i), nil
	})
	do.Provide(injector, func(i do.Injector) (audio.PayloadDecoderFactory, error) {
		c := do.MustInvoke[*config.Config](i)
		return DecoderFactory(c.AudioEncoding)
	})
}

// DecoderFactory selects the payload decoder for the configured encoding.
func DecoderFactory(encoding string) (audio.PayloadDecoderFactory, error) {
	switch encoding {
	case audio.EncodingOpus:
		if !opusAvailable() {
			return nil, ErrOpusUnsupported
		}
		return NewOpusDecoder, nil
	default:
		return func(audio.Format) (audio.PayloadDecoder, error) {
			return audio.PCM16Decoder{}, nil
		}, nil
	}
}
