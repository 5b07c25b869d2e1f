package atriumlogger // import "github.com/atriumhq/atrium/atriumlogger"

import (
	"context"
	"os"
	"runtime/debug"

	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// usingProdLogging reports whether remote log shipping (Sentry, Logz.io)
// should be enabled. We only ship logs from deployed environments.
func usingProdLogging() bool {
	return !metadata.IsLocalEnv() && !metadata.IsRunningInCI()
}

// Initialize sets up the logging infrastructure for a service. The
// serviceName is attached to every shipped event so we can tell the
// host-service and relay-service apart in the aggregators.
func Initialize(serviceName string) {
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	allPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return true
	})

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	// High-priority output goes to standard error, everything else to
	// standard out.
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), highPriority),
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl < zapcore.ErrorLevel
		})),
	}

	if sentryCore := newSentryCore(serviceName, highPriority); sentryCore != nil {
		cores = append(cores, sentryCore)
	}
	if logzCore := newLogzioCore(serviceName, allPriority); logzCore != nil {
		cores = append(cores, logzCore)
	}

	logger = zap.New(zapcore.NewTee(cores...))
}

func init() {
	// Tests and packages that log before Initialize() still get console
	// output.
	Initialize("uninitialized")
}

// Close flushes all production logging (i.e. Sentry and Logz.io).
func Close() {
	flushSentry()
	flushLogzio()
	logger.Sync()
}

// Info logs some info + timestamp, but does not ship it to Sentry.
func Info(v ...interface{}) {
	logger.Sugar().Info(v...)
}

// Infof is like Info, but it respects printf syntax.
func Infof(format string, v ...interface{}) {
	logger.Sugar().Infof(format, v...)
}

// Infow logs a message with structured context fields.
func Infow(msg string, keysAndValues ...interface{}) {
	logger.Sugar().Infow(msg, keysAndValues...)
}

// Error logs an error and ships it to Sentry.
func Error(err error) {
	logger.Sugar().Error(err)
}

// Errorf is like Error, but it respects printf syntax.
func Errorf(format string, v ...interface{}) {
	logger.Sugar().Errorf(format, v...)
}

// Errorw logs an error with structured context fields.
func Errorw(msg string, keysAndValues ...interface{}) {
	logger.Sugar().Errorw(msg, keysAndValues...)
}

// Warning logs an error like Error, but doesn't ship it to Sentry.
func Warning(err error) {
	logger.Sugar().Warn(err)
}

// Warningf is like Warning, but it respects printf syntax.
func Warningf(format string, v ...interface{}) {
	logger.Sugar().Warnf(format, v...)
}

// Panic ships an error to Sentry and "pretends" to panic on it by printing
// the stack trace and calling the provided global context-cancelling
// function. This causes all the goroutines in the program to kill
// themselves (cleanly). This function should not be used except to
// initiate termination of an entire service. Passing in a nil globalCancel
// parameter will panic on `err` for real instead.
func Panic(globalCancel context.CancelFunc, err error) {
	PrintStackTrace()

	if globalCancel != nil {
		Error(err)
		globalCancel()
	} else {
		// If we're truly trying to panic, at least flush the shipping queues
		// first so this error actually gets sent.
		flushSentry()
		flushLogzio()
		logger.Sugar().Panic(err)
	}
}

// Panicf is like Panic, but it respects printf syntax.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace: ")
	debug.PrintStack()
}
