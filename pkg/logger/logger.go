package logger

import (
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger picks the zap preset matching the configured environment.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	env := ""
	if cfg != nil {
		env = cfg.Environment
	}
	return ForEnvironment(env)
}

func ForEnvironment(env string) (*zap.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	switch env {
	case config.EnvProd:
		l, err = zap.NewProduction()
	case config.EnvTest:
		l = zap.NewExample()
	default:
		dev := zap.NewDevelopmentConfig()
		dev.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err = dev.Build()
	}

	return l, err
}

func MustNewLogger(cfg *config.Config) *zap.Logger {
	return zap.Must(NewLogger(cfg))
}

// Component returns a named child logger, falling back to a no-op logger.
func Component(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.Named(name)
}
