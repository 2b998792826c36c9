// Copyright (c) 2026 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrTransport indicates the relay or chain backend could not be
	// reached or refused a request.  It is retryable by the caller, never
	// by a session.
	ErrTransport ErrorCode = iota

	// ErrInvalidConfig indicates a pool configuration violates the pool
	// invariants (denomination, peer count, fee or duration).
	ErrInvalidConfig

	// ErrIncompatibleConfig indicates a peer cannot take part in a pool
	// with the advertised parameters.
	ErrIncompatibleConfig

	// ErrInvalidCommitment indicates a commitment violates the protocol
	// rules.
	ErrInvalidCommitment

	// ErrPeerMismatch indicates a received advertisement disagrees with the
	// pool parameters held locally.
	ErrPeerMismatch

	// ErrTimeout indicates the pool deadline elapsed while waiting for
	// peers.
	ErrTimeout

	// ErrCanceled indicates the caller canceled the session.
	ErrCanceled

	// ErrPoolFull indicates the pool filled up with other peers' inputs
	// before the local input was committed.
	ErrPoolFull

	// ErrBalance indicates the inputs of a transaction do not exactly pay
	// for its outputs plus the pool fee.
	ErrBalance

	// ErrSignatureMismatch indicates a signature does not verify against
	// the key committed for its input.
	ErrSignatureMismatch

	// ErrMissingSignature indicates an input has no signature at
	// assembly time.
	ErrMissingSignature

	// ErrMalformedMessage indicates a relay message failed decoding or
	// validation.  Such messages are skipped.
	ErrMalformedMessage

	// ErrSigning indicates the local wallet failed to produce a signature.
	ErrSigning
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrTransport:          "ErrTransport",
	ErrInvalidConfig:      "ErrInvalidConfig",
	ErrIncompatibleConfig: "ErrIncompatibleConfig",
	ErrInvalidCommitment:  "ErrInvalidCommitment",
	ErrPeerMismatch:       "ErrPeerMismatch",
	ErrTimeout:            "ErrTimeout",
	ErrCanceled:           "ErrCanceled",
	ErrPoolFull:           "ErrPoolFull",
	ErrBalance:            "ErrBalance",
	ErrSignatureMismatch:  "ErrSignatureMismatch",
	ErrMissingSignature:   "ErrMissingSignature",
	ErrMalformedMessage:   "ErrMalformedMessage",
	ErrSigning:            "ErrSigning",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error is a typed error for all errors arising while coordinating a pool.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error.
func NewError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether err is, or wraps, an Error with the given code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	return e.ErrorCode == code
}

// Code extracts the ErrorCode of err.  The second return value is false when
// err does not carry an Error.
func Code(err error) (ErrorCode, bool) {
	var e Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.ErrorCode, true
}
