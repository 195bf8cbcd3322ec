package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the service logger. Outside of dev it emits JSON.
func New(env, level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// Nop is a logger that discards everything; handy in tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// CronAdapter lets robfig/cron report through zap.
type CronAdapter struct {
	Log *zap.SugaredLogger
}

func (c CronAdapter) Info(msg string, keysAndValues ...interface{}) {
	c.Log.Debugw(msg, keysAndValues...)
}

func (c CronAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	c.Log.Errorw(msg, append(keysAndValues, "error", err)...)
}
