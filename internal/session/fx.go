package session

import (
	"github.com/keylinehq/keyline/internal/session/repository"
	"github.com/keylinehq/keyline/internal/session/service"
	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(repository.New),
	fx.Provide(service.New),
)
