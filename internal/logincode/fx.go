package logincode

import (
	"github.com/keylinehq/keyline/internal/logincode/hasher"
	"github.com/keylinehq/keyline/internal/logincode/repository"
	"github.com/keylinehq/keyline/internal/logincode/service"
	"go.uber.org/fx"
)

var Module = fx.Module("logincode",
	fx.Provide(hasher.NewArgon2),
	fx.Provide(repository.New),
	fx.Provide(service.New),
)
