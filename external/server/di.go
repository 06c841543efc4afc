package server

import (
	"github.com/foxseedlab/aiscribe/internal/auth"
	"github.com/foxseedlab/aiscribe/internal/config"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/session"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		c := do.MustInvoke[*config.Config](i)
		manager := do.MustInvoke[*session.Manager](i)
		patients := do.MustInvoke[repository.PatientStore](i)
		authenticator := do.MustInvoke[auth.Authenticator](i)
		return NewServer(c.HTTPAddr, c.MaxChunkBytes, manager, patients, authenticator), nil
	})
}
