package logx

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RecentCapacity is how many entries the in-memory ring keeps for /v1/logs.
const RecentCapacity = 100

var (
	lg          atomic.Pointer[zap.SugaredLogger]
	defaultOnce sync.Once
	recent      = NewRing(RecentCapacity)
)

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// Init builds the process logger. Every entry is also kept in the recent ring.
func Init(level string) {
	lvl := parseLevel(level)

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, recent.Core(lvl))
	}))
	if err != nil {
		z = zap.NewNop()
	}
	lg.Store(z.Sugar())
}

// L returns the process logger, building an info-level one on first use
// when Init was never called.
func L() *zap.SugaredLogger {
	if l := lg.Load(); l != nil {
		return l
	}
	defaultOnce.Do(func() {
		if lg.Load() == nil {
			Init("info")
		}
	})
	return lg.Load()
}

// Recent exposes the ring of latest entries.
func Recent() *Ring { return recent }

func Sync() { _ = L().Sync() }
