package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestShouldSampleBounds(t *testing.T) {
	assert.True(t, ShouldSample(1.0))
	assert.False(t, ShouldSample(0))
}

func TestLogSamplingStatsResets(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	for i := 0; i < 20; i++ {
		ShouldSample(0.5)
	}
	assert.Equal(t, int64(20), GetSamplingStats().Total)

	LogSamplingStats(logger)
	assert.Equal(t, 1, logs.FilterMessage("sampling stats").Len())
	assert.Equal(t, SamplingStats{}, GetSamplingStats())

	LogSamplingStats(logger)
	assert.Equal(t, 1, logs.Len(), "nothing logged without samples")
}

func TestGetSamplingRate(t *testing.T) {
	t.Setenv("ENV", "development")
	assert.Equal(t, 1.0, GetSamplingRate())
	t.Setenv("ENV", "production")
	assert.Equal(t, 0.1, GetSamplingRate())
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")
	assert.Equal(t, zapcore.WarnLevel, getLogLevel())
}

func TestRegistriesSatisfyInterface(t *testing.T) {
	var _ MetricsRegistry = NewNoOpRegistry()
	var _ MetricsRegistry = NewPrometheusRegistry()
}
