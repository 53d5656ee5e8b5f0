package observability

import (
	"github.com/sessionlane/paylane/internal/config"
	"github.com/sessionlane/paylane/internal/observability/logger"
	"github.com/sessionlane/paylane/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(provideLoggerConfig),
	fx.Provide(logger.New),
	fx.Provide(metrics.Engine),
	fx.Provide(metrics.HTTP),
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
		Version:     cfg.AppVersion,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Debug:       cfg.Environment != "production",
	}
}
