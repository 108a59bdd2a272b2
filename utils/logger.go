package utils

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	log  *zap.Logger
	once sync.Once
)

// InitLogger initializes the global logger instance. Console output goes
// to stdout; the file sink rotates through lumberjack so long-running
// keepers do not fill the disk.
func InitLogger(debug bool) *zap.Logger {
	once.Do(func() {
		level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if debug {
			level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "timestamp"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderCfg.StacktraceKey = "stacktrace"

		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   "dloop-engine.log",
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})

		core := zapcore.NewTee(
			zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileSink, level),
			zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), level),
		)

		log = zap.New(core,
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		)
	})

	return log
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if log == nil {
		return InitLogger(false)
	}
	return log
}

// CleanupLogger flushes any buffered log entries
func CleanupLogger() {
	if log != nil {
		_ = log.Sync()
	}
}
