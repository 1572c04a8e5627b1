// Package brokerlogger is the logging package for the broker. It wraps a zap
// logger whose output is teed to the console and, in deployed environments,
// to logz.io and Sentry. All other packages in this module log through this
// package so that nothing gets printed with `fmt` or `log` and silently
// skips the production transports.
package brokerlogger // import "github.com/osworld-broker/broker/brokerlogger"

import (
	"context"
	"os"
	"runtime/debug"

	"github.com/osworld-broker/broker/metadata"
	"github.com/osworld-broker/broker/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	// First, define our level-handling logic.
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})

	// High-priority output should go to standard error, and low-priority
	// output should go to standard out.
	consoleDebugging := zapcore.Lock(os.Stdout)
	consoleErrors := zapcore.Lock(os.Stderr)

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()

	// Enable colored output on stdout
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	// Join the outputs, encoders, and level-handling functions into
	// zapcore.Cores, then tee the cores together. The logz.io and Sentry
	// cores are no-ops when their transports are not configured, so the tee
	// shape is the same in every environment.
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleErrors, highPriority),
		zapcore.NewCore(consoleEncoder, consoleDebugging, lowPriority),
	}

	if logzioCore := newLogzioCore(zapcore.NewJSONEncoder(newLogzioEncoderConfig()), lowPriority); logzioCore != nil {
		cores = append(cores, logzioCore)
	}

	if sentryCore := newSentryCore(zapcore.NewJSONEncoder(newSentryEncoderConfig()), highPriority); sentryCore != nil {
		cores = append(cores, sentryCore)
	}

	logger = zap.New(zapcore.NewTee(cores...))
}

// usingProdLogging returns true if we should set up the production logging
// transports (logz.io and Sentry).
func usingProdLogging() bool {
	return !metadata.IsLocalEnv()
}

// Sync flushes all logging transports (i.e. console, Sentry and logz.io).
func Sync() {
	FlushSentry()
	FlushLogzio()
	logger.Sync()
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(v ...interface{}) {
	logger.Sugar().Info(v...)
}

// Infow constructs an info message with additional context fields.
func Infow(msg string, fields []interface{}) {
	logger.Sugar().Infow(msg, fields...)
}

// Debug logs a message that is only useful while debugging the broker itself.
func Debug(v ...interface{}) {
	logger.Sugar().Debug(v...)
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	logger.Sugar().Error(err)
}

// Warning logs an error in red text, like Error, but doesn't send it to
// Sentry.
func Warning(err error) {
	logger.Sugar().Warn(err)
}

// Panic sends an error to Sentry and "pretends" to panic on it by printing the
// stack trace and calling the provided global context-cancelling function.
// This causes all the goroutines in the program to kill themselves (cleanly).
// This function should not be used except to initiate termination of the
// entire broker. Note that passing in a nil first argument would cause this
// function to _actually_ panic, and if we're gonna panic we might as well do
// so in a useful way. Therefore, passing in a nil `globalCancel` parameter
// will just panic on `err` instead.
func Panic(globalCancel context.CancelFunc, err error) {
	PrintStackTrace()

	if globalCancel != nil {
		Info(err)
		globalCancel()
	} else {
		// If we're truly trying to panic, let's at least flush our logging
		// queues first so this error actually gets sent.
		FlushLogzio()
		FlushSentry()
		logger.Sugar().Panic(err)
	}
}

// Infof is identical to Info, since Info already respects printf syntax. We
// only include Infof for consistency with Errorf, Warningf, and Panicf.
func Infof(format string, v ...interface{}) {
	logger.Sugar().Infof(format, v...)
}

// Debugf is like Debug, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Debugf(format string, v ...interface{}) {
	logger.Sugar().Debugf(format, v...)
}

// Errorf is like Error, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Errorf(format string, v ...interface{}) {
	logger.Sugar().Errorf(format, v...)
}

// Warningf is like Warning, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Warningf(format string, v ...interface{}) {
	logger.Sugar().Warnf(format, v...)
}

// Panicf is like Panic, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace: ")
	debug.PrintStack()
}
