package signup

import (
	"github.com/keylinehq/keyline/internal/signup/service"
	"go.uber.org/fx"
)

var Module = fx.Module("signup",
	fx.Provide(service.New),
)
