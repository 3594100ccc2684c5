package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/veiloq/emberkv/config"
)

// LogFileName is the rotating log written under the runtime base path when no
// test is available to log to.
const LogFileName = "LOG"

// InitLogger picks the logger for an extension or engine.
//
// A logger supplied with config.WithLogger always wins. With a non-nil tb the
// result is a zaptest logger bound to that test. Otherwise a development logger
// writes to stdout and to a rotating file in basePath.
func InitLogger(tb testing.TB, settings *config.Settings, basePath string) (*zap.Logger, error) {
	if settings != nil && settings.Logger() != nil {
		return settings.Logger(), nil
	}

	if tb != nil {
		var opts []zaptest.LoggerOption
		if settings != nil && settings.ZapTestLevel() != nil {
			opts = append(opts, zaptest.Level(*settings.ZapTestLevel()))
		}
		logger := zaptest.NewLogger(tb, opts...)
		if settings != nil && len(settings.ZapOptions()) > 0 {
			logger = logger.WithOptions(settings.ZapOptions()...)
		}
		return logger, nil
	}

	if basePath == "" {
		basePath = ".emberkv"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", basePath, err)
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(basePath, LogFileName),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     7, // days
	}

	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	sink := zapcore.NewMultiWriteSyncer(zapcore.Lock(os.Stdout), zapcore.AddSync(file))
	core := zapcore.NewCore(encoder, sink, zap.DebugLevel)

	opts := []zap.Option{zap.Development(), zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if settings != nil {
		opts = append(opts, settings.ZapOptions()...)
	}
	logger := zap.New(core, opts...)
	logger.Debug("Initialized development logger (no testing.TB provided)", zap.String("file", file.Filename))
	return logger, nil
}
