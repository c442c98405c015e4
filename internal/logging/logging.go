// Package logging provides the module-wide structured logger. It wraps
// zap.SugaredLogger behind a package-level variable so every package can log
// immediately at import time (against a no-op core) without threading a
// logger through every constructor.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It starts as a no-op and becomes live once
// Initialize is called from main.
var Log *zap.SugaredLogger

func init() {
	Log = zap.NewNop().Sugar()
}

// Initialize switches Log to a real core. jsonOutput selects the production
// JSON encoder (used for `ddk worker run`, the process the host's supervisor
// runs in the background);
// otherwise a compact console encoder is used, suited to running `ddk host
// run` interactively in a terminal.
func Initialize(jsonOutput bool) {
	level := parseLevel(os.Getenv("DDK_LOG_LEVEL"))

	var core zapcore.Core
	if jsonOutput {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core = zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stdout), level)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), level)
	}

	Log = zap.New(core).Sugar()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Cleanup flushes any buffered log entries. Call from a deferred main.
func Cleanup() {
	if Log != nil {
		_ = Log.Sync()
	}
}

// Named returns a child logger scoped to subsystem, e.g. Named("supervisor").
func Named(subsystem string) *zap.SugaredLogger {
	return Log.Named(subsystem)
}

// RedactToken truncates a token-shaped string before it can reach a log
// field, enforcing that no access token ever appears in log output at
// default verbosity.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + "(redacted)"
}
