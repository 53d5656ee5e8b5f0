package webhook

import (
	"github.com/sessionlane/paylane/internal/webhook/dispatcher"
	"github.com/sessionlane/paylane/internal/webhook/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook",
	fx.Provide(repository.Provide),
	fx.Provide(dispatcher.NewService),
)
