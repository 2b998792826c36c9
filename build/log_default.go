// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType is a log type that defers to the binary's log backend.
const LoggingType = LogTypeDefault
