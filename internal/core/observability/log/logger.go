package log

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel overrides the default log level. Accepted values: debug, info,
// warn, error.
const EnvLevel = "LOG_LEVEL"

// New builds the process logger. Runtime events are structured JSON on
// stderr; per-key metric records go to their own CSV sinks, not here.
func New(level zapcore.Level) *zap.Logger {
	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    true,
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// FromEnv builds a logger at the level named by EnvLevel, defaulting to info.
func FromEnv() *zap.Logger {
	return New(parseLevel(os.Getenv(EnvLevel)))
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
