package discord

import (
	"github.com/foxseedlab/aiscribe/internal/config"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Notifier, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewNotifier(c.DiscordToken, c.DiscordNotifyChannelID)
	})
}
