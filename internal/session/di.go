package session

import (
	"github.com/foxseedlab/aiscribe/internal/audio"
	"github.com/foxseedlab/aiscribe/internal/auth"
	"github.com/foxseedlab/aiscribe/internal/config"
	"github.com/foxseedlab/aiscribe/internal/notify"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		store := do.MustInvoke[repository.Store](i)
		authenticator := do.MustInvoke[auth.Authenticator](i)
		stt := do.MustInvoke[transcriber.Transcriber](i)
		decoders := do.MustInvoke[audio.PayloadDecoderFactory](i)
		sinks := do.MustInvoke[audio.SinkFactory](i)
		artifacts := do.MustInvoke[audio.ArtifactRemover](i)
		notifier := do.MustInvoke[notify.Notifier](i)
		return NewManager(cfg, store, authenticator, stt, decoders, sinks, artifacts, notifier), nil
	})
}
