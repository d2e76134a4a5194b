package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a rejected input file or query; no job is created.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the job handle is unknown to the backend.
	ErrNotFound = errors.New("not found")

	// ErrNotReady indicates results were requested before the job completed.
	ErrNotReady = errors.New("job not ready")

	// ErrTransport indicates the backend could not be reached or answered garbage.
	ErrTransport = errors.New("transport failure")

	// ErrOutOfRange indicates a page number below 1.
	ErrOutOfRange = errors.New("page out of range")

	// ErrInvalidTransition indicates a job mutation that would break its lifecycle.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrAlreadyExists indicates a second write of immutable data.
	ErrAlreadyExists = errors.New("already exists")
)

// JobError wraps a classified error with the operation and job it concerns.
type JobError struct {
	Op    string
	JobID string
	Err   error
}

func (e *JobError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsNotReady(err error) bool   { return errors.Is(err, ErrNotReady) }
func IsTransport(err error) bool  { return errors.Is(err, ErrTransport) }
func IsOutOfRange(err error) bool { return errors.Is(err, ErrOutOfRange) }

// Classified reports whether err already belongs to the public taxonomy.
func Classified(err error) bool {
	return IsValidation(err) || IsNotFound(err) || IsNotReady(err) || IsTransport(err) || IsOutOfRange(err)
}

// Wire error codes.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeNotReady   = "NOT_READY"
	CodeOutOfRange = "OUT_OF_RANGE"
	CodeTransport  = "TRANSPORT_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
)

func Code(err error) string {
	switch {
	case IsValidation(err):
		return CodeValidation
	case IsNotFound(err):
		return CodeNotFound
	case IsNotReady(err):
		return CodeNotReady
	case IsOutOfRange(err):
		return CodeOutOfRange
	case IsTransport(err):
		return CodeTransport
	}
	return CodeInternal
}

// FromCode maps a wire code back to its sentinel; unknown codes yield nil.
func FromCode(code string) error {
	switch code {
	case CodeValidation:
		return ErrValidation
	case CodeNotFound:
		return ErrNotFound
	case CodeNotReady:
		return ErrNotReady
	case CodeOutOfRange:
		return ErrOutOfRange
	case CodeTransport:
		return ErrTransport
	}
	return nil
}
