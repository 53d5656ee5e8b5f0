package account

import (
	"github.com/sessionlane/paylane/internal/account/repository"
	"github.com/sessionlane/paylane/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
