// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package nostr

import (
	"bytes"
	"io"

	"github.com/btcsuite/btclog"
	gonostr "github.com/nbd-wtf/go-nostr"
)

// log is a logger that is initialized with no output filters.  This
// means the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	DisableLog()
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	log = btclog.Disabled
	gonostr.InfoLogger.SetOutput(io.Discard)
}

// UseLogger uses a specified Logger to output package logging info.  The
// messages of the nostr library are logged at the debug level.
func UseLogger(logger btclog.Logger) {
	log = logger
	gonostr.InfoLogger.SetFlags(0)
	gonostr.InfoLogger.SetPrefix("")
	gonostr.InfoLogger.SetOutput(libraryWriter{})
}

// libraryWriter forwards the output of the nostr library logger.
type libraryWriter struct{}

func (libraryWriter) Write(p []byte) (int, error) {
	log.Debugf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}
