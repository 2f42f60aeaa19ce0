package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/taskflow/internal/config"
)

func sampledLogger(cfg SamplingConfig) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(TraceLevel)
	return &Logger{zap: zap.New(newSampledCore(core, cfg)), config: NewDefaultConfig()}, observed
}

func TestSampling_Disabled(t *testing.T) {
	l, observed := sampledLogger(SamplingConfig{Enabled: false})
	for i := 0; i < 50; i++ {
		l.Debug(context.Background(), "same")
	}
	assert.Equal(t, 50, observed.Len())
}

func TestSampling_PerLevel(t *testing.T) {
	l, observed := sampledLogger(SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.DebugLevel: {Initial: 2, Thereafter: 0},
			zapcore.InfoLevel:  {Initial: 5, Thereafter: 5},
		},
	})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		l.Debug(ctx, "debug")
		l.Info(ctx, "info")
		l.Warn(ctx, "warn")
		l.Error(ctx, "error")
	}

	assert.Equal(t, 2, observed.FilterLevelExact(zapcore.DebugLevel).Len())
	assert.Equal(t, 8, observed.FilterLevelExact(zapcore.InfoLevel).Len())
	assert.Equal(t, 20, observed.FilterLevelExact(zapcore.WarnLevel).Len(), "unconfigured levels are not sampled")
	assert.Equal(t, 20, observed.FilterLevelExact(zapcore.ErrorLevel).Len(), "errors are never sampled")
}

func TestLevelFilterCore_With(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	filtered := &levelFilterCore{Core: core, match: func(l zapcore.Level) bool { return l == zapcore.InfoLevel }}
	child := zap.New(filtered).With(zap.String("k", "v"))

	child.Info("kept")
	child.Warn("dropped")

	assert.Equal(t, 1, observed.Len())
	assert.Equal(t, "v", observed.All()[0].ContextMap()["k"])
}
