// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants identify the kinds of Error the store returns.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this code is set, the Err field of the Error will be set to the
	// error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrData describes an error where data stored in the transaction
	// database is incorrect.  This may be due to missing values, values
	// of wrong sizes, or data in buckets that is not understood by this
	// version of the package.
	ErrData

	// ErrInput describes an error where the caller passed invalid
	// parameters to a store operation, such as a credit index past the
	// end of a transaction's outputs.
	ErrInput

	// ErrNoExists describes an error where a transaction record required
	// for the requested update is not saved in the store.
	ErrNoExists

	// ErrUnknownVersion describes an error where the store was created
	// by a newer version of this package and cannot be safely used.
	ErrUnknownVersion
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:       "ErrDatabase",
	ErrData:           "ErrData",
	ErrInput:          "ErrInput",
	ErrNoExists:       "ErrNoExists",
	ErrUnknownVersion: "ErrUnknownVersion",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error provides a single type for errors that can happen during store
// operation.
type Error struct {
	Code ErrorCode // Describes the kind of error
	Desc string    // Human-readable description of the issue
	Err  error     // Underlying error, optional
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}
	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// storeError creates an Error given a set of arguments.
func storeError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// IsNoExists returns whether err is an Error with the ErrNoExists code.
func IsNoExists(err error) bool {
	serr, ok := err.(Error)
	return ok && serr.Code == ErrNoExists
}
