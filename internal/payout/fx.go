package payout

import (
	"github.com/sessionlane/paylane/internal/payout/repository"
	"github.com/sessionlane/paylane/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
