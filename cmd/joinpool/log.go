// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/joinpool/chain"
	"github.com/btcsuite/joinpool/chain/bitcoind"
	"github.com/btcsuite/joinpool/chain/electrum"
	"github.com/btcsuite/joinpool/coordinator"
	"github.com/btcsuite/joinpool/pool"
	"github.com/btcsuite/joinpool/relay/nostr"
	"github.com/btcsuite/joinpool/session"
	"github.com/btcsuite/joinpool/txbuilder"
	"github.com/btcsuite/joinpool/wallet"
	"github.com/jrick/logrotate/rotator"
)

// relaySubsystem tags the log output of relay connections.
const relaySubsystem = "RELY"

// logWriter implements an io.Writer that outputs to both standard error and
// the log rotator, once it is initialized.  Standard output is left to command
// results.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stderr.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add a reference to the subsystems map below.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log btclog.Logger
)

// subsystems maps each subsystem identifier to the packages logging under
// it.
var subsystems = map[string][]func(btclog.Logger){
	coordinator.Subsystem: {coordinator.UseLogger},
	pool.Subsystem:        {pool.UseLogger},
	session.Subsystem:     {session.UseLogger},
	txbuilder.Subsystem:   {txbuilder.UseLogger},
	wallet.Subsystem:      {wallet.UseLogger},
	relaySubsystem:        {nostr.UseLogger},
	chain.Subsystem: {
		chain.UseLogger,
		electrum.UseLogger,
		bitcoind.UseLogger,
	},
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = make(map[string]btclog.Logger)

func init() {
	for subsystemID, useLoggers := range subsystems {
		logger := backendLog.Logger(subsystemID)
		subsystemLoggers[subsystemID] = logger
		for _, useLogger := range useLoggers {
			useLogger(logger)
		}
	}

	// The binary shares its subsystem with the coordinator it drives.
	log = subsystemLoggers[coordinator.Subsystem]
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r
	return nil
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystemIDs := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystemIDs = append(subsystemIDs, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystemIDs)
	return subsystemIDs
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
