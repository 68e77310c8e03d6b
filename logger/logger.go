// Package logger configures the process-wide zap logger and the field
// names shared across docpipe.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process logger. It is a no-op until Initialize runs so
// packages can log at load time.
var Logger = zap.NewNop().Sugar()

// JSONOutput reports whether Initialize selected JSON output.
var JSONOutput bool

// Initialize sets up the global logger. verbosity is the CLI -v count.
// JSON output is meant for log shippers and tags every entry with the
// service name; console output is colored and goes to stderr so command
// results on stdout stay pipeable.
func Initialize(jsonOutput bool, verbosity int) error {
	level := VerbosityToLevel(verbosity)

	var (
		zapLogger *zap.Logger
		err       error
	)
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.InitialFields = map[string]interface{}{"service": "docpipe"}
		zapLogger, err = config.Build()
		if err != nil {
			return err
		}
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encoderConfig.CallerKey = ""
		zapLogger = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	JSONOutput = jsonOutput
	Logger = zapLogger.Sugar()
	return nil
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	_ = Logger.Sync()
}
