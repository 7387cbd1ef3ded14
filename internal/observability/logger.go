package observability

import (
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultServiceName names the logger and tracer when SERVICE_NAME is unset.
const DefaultServiceName = "adtrack"

// InitLogger constructs a production zap.Logger using the default service name.
func InitLogger() (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), DefaultServiceName)
}

// InitLoggerWithService constructs a production zap.Logger for serviceName at the
// level selected by ENV and LOG_LEVEL.
func InitLoggerWithService(serviceName string) (*zap.Logger, error) {
	return InitLoggerWithLevel(getLogLevel(), serviceName)
}

// InitLoggerWithLevel constructs a JSON zap.Logger at the provided level.
// The returned logger is named with the service name and installed as the global logger.
func InitLoggerWithLevel(level zapcore.Level, serviceName string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	// Field names are shared with the log shipping pipeline.
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	logger = logger.Named(serviceName).With(zap.String("service", serviceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// getLogLevel picks a level from ENV, overridden by an explicit LOG_LEVEL.
func getLogLevel() zapcore.Level {
	env := strings.ToLower(os.Getenv("ENV"))
	logLevel := strings.ToUpper(os.Getenv("LOG_LEVEL"))

	if logLevel == "" {
		if env == "development" || env == "dev" {
			return zap.DebugLevel
		}
		return zap.InfoLevel
	}

	switch logLevel {
	case "DEBUG":
		return zap.DebugLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SamplingStats counts how many high-volume log lines were considered and kept.
type SamplingStats struct {
	Total   int64
	Sampled int64
}

var (
	sampledTotal atomic.Int64
	sampledKept  atomic.Int64
)

// ShouldSample returns true if a high-volume log line should be emitted.
// rate is between 0.0 and 1.0 (e.g. 0.1 keeps roughly one line in ten).
func ShouldSample(rate float64) bool {
	if rate >= 1.0 {
		return true
	}
	if rate <= 0.0 {
		return false
	}
	sampledTotal.Add(1)
	if rand.Float64() < rate {
		sampledKept.Add(1)
		return true
	}
	return false
}

// GetSamplingRate returns the sampling rate for per-event logs in the current ENV.
func GetSamplingRate() float64 {
	switch strings.ToLower(os.Getenv("ENV")) {
	case "development", "dev":
		return 1.0
	case "staging", "test":
		return 0.5
	default:
		return 0.1
	}
}

// GetSamplingStats returns a snapshot of the sampling counters.
func GetSamplingStats() SamplingStats {
	return SamplingStats{Total: sampledTotal.Load(), Sampled: sampledKept.Load()}
}

// LogSamplingStats logs and resets the sampling counters.
func LogSamplingStats(logger *zap.Logger) {
	total := sampledTotal.Swap(0)
	kept := sampledKept.Swap(0)
	if total == 0 {
		return
	}
	logger.Info("sampling stats",
		zap.Int64("total_logs", total),
		zap.Int64("sampled_logs", kept),
		zap.Float64("actual_rate", float64(kept)/float64(total)),
	)
}
