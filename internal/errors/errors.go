// Package errors provides error handling for LidarEyeball.
//
// It re-exports github.com/cockroachdb/errors and defines the error taxonomy
// shared by the correction pipeline. Errors created by the pipeline are marked
// with one of the sentinels below so callers can classify them with Is, no
// matter how many times they were wrapped on the way up.
//
//	if errors.Is(err, errors.ErrDegenerateFit) {
//	    // skip this window
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetailf  = crdb.WithDetailf
	Mark         = crdb.Mark
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	UnwrapAll    = crdb.UnwrapAll
	FlattenHints = crdb.FlattenHints
	Combine      = crdb.CombineErrors
)

// Taxonomy sentinels. Use the constructors below rather than wrapping these
// directly so the message stays specific to the failing input.
var (
	// ErrInvalidInput covers non-physical parameters, empty data and
	// mismatched geometry.
	ErrInvalidInput = New("invalid input")

	// ErrDegenerateFit is returned when normalization or inversion produced
	// non-physical results.
	ErrDegenerateFit = New("degenerate fit")

	// ErrOutOfRange is returned for timestamps or altitudes outside the
	// supported domain.
	ErrOutOfRange = New("out of range")

	// ErrPartialFailure reports that a subset of windows, or of storage
	// writes, failed while the run as a whole completed.
	ErrPartialFailure = New("partial failure")
)

// InvalidInputf returns a formatted error marked as ErrInvalidInput.
func InvalidInputf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidInput)
}

// DegenerateFitf returns a formatted error marked as ErrDegenerateFit.
func DegenerateFitf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrDegenerateFit)
}

// OutOfRangef returns a formatted error marked as ErrOutOfRange.
func OutOfRangef(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrOutOfRange)
}

// PartialFailuref returns a formatted error marked as ErrPartialFailure.
func PartialFailuref(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrPartialFailure)
}

// Kind returns a short label for the taxonomy class of err, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrInvalidInput):
		return "invalid_input"
	case Is(err, ErrDegenerateFit):
		return "degenerate_fit"
	case Is(err, ErrOutOfRange):
		return "out_of_range"
	case Is(err, ErrPartialFailure):
		return "partial_failure"
	default:
		return "unknown"
	}
}
