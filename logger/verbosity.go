package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the CLI -v flag count.
const (
	VerbosityUser  = 0 // Results, warnings and errors
	VerbosityInfo  = 1 // -v: job lifecycle, startup, provider selection
	VerbosityDebug = 2 // -vv: prompt sizes, HTTP requests, maintenance runs
)

// VerbosityToLevel maps the -v count to a zap level. Negative counts are
// treated as none.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
