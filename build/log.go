// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package build holds the build-tag driven logging defaults shared by the
// joinpool packages and binaries.
package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault leaves logging to the binary, which hands sub loggers
	// to each package through UseLogger.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation.  Packages call it from init so that unit tests built with
// the stdlog tag print their output, while binaries replace the logger through
// UseLogger once the log backend is configured.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch LoggingType {

	// Default logging is used when running the binary.  Use the optional
	// sublogger constructor so every subsystem shares the same backend.
	case LogTypeDefault:
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

	// Logging to stdout is used in unit tests.  It is not important that
	// they share the same backend, since all output is written to stdout.
	case LogTypeStdOut:
		backend := btclog.NewBackend(os.Stdout)
		logger := backend.Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	// For any other configurations, we'll disable logging.
	return btclog.Disabled
}
