package transcriber

import (
	"github.com/foxseedlab/aiscribe/internal/config"
	"github.com/foxseedlab/aiscribe/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (transcriber.Transcriber, error) {
		c := do.MustInvoke[*config.Config](i)
		if c.TranscriberBackend == config.TranscriberBackendMock {
			return NewMockTranscriber(), nil
		}
		return NewCloudSpeechTranscriber(CloudSpeechConfig{
			ProjectID:       c.GoogleCloudProjectID,
			CredentialsJSON: c.GoogleCloudCredentialsJSON,
			Language:        c.DefaultTranscribeLanguage,
			Location:        c.GoogleCloudSpeechLocation,
			Model:           c.GoogleCloudSpeechModel,
			SampleRate:      c.AudioSampleRate,
			Channels:        c.AudioChannels,
		}), nil
	})
}
