package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerEnvironment string

const (
	LoggerEnvDevelopment LoggerEnvironment = "development"
	LoggerEnvProduction  LoggerEnvironment = "production"
)

var Logger *zap.SugaredLogger = zap.NewNop().Sugar()

// InitLogger builds the global sugared logger. Besides the two environments,
// a plain level name ("debug", "info", "warn", "error") is accepted so the
// configured log.level can be passed straight through.
func InitLogger(env LoggerEnvironment) {
	var conf zap.Config
	switch env {
	case LoggerEnvDevelopment:
		conf = zap.NewDevelopmentConfig()
	case LoggerEnvProduction:
		conf = zap.NewProductionConfig()
	default:
		conf = zap.NewProductionConfig()
		level, err := zapcore.ParseLevel(strings.ToLower(string(env)))
		if err == nil {
			conf.Level = zap.NewAtomicLevelAt(level)
		}
	}
	conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := conf.Build()
	if err != nil {
		l = zap.NewExample()
	}
	Logger = l.Sugar()
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
