package audit

import (
	"github.com/keylinehq/keyline/internal/audit/repository"
	"github.com/keylinehq/keyline/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
