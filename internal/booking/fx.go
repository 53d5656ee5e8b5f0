package booking

import (
	"github.com/sessionlane/paylane/internal/booking/repository"
	"github.com/sessionlane/paylane/internal/booking/service"
	"go.uber.org/fx"
)

var Module = fx.Module("booking",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
