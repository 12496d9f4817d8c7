package externallogin

import (
	"github.com/keylinehq/keyline/internal/externallogin/carrier"
	"github.com/keylinehq/keyline/internal/externallogin/provider"
	"github.com/keylinehq/keyline/internal/externallogin/repository"
	"github.com/keylinehq/keyline/internal/externallogin/service"
	"go.uber.org/fx"
)

var Module = fx.Module("externallogin",
	fx.Provide(carrier.New),
	fx.Provide(provider.NewClient),
	fx.Provide(repository.New),
	fx.Provide(service.New),
)
