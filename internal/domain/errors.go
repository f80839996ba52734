package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds reported in run summaries.
const (
	KindMalformedRecord = "malformed_record"
	KindExternalService = "external_service"
	KindConfiguration   = "configuration"
	KindStageIO         = "stage_io"
	KindCanceled        = "canceled"
	KindInternal        = "internal"
)

// MalformedRecordError marks a single unusable input row. The stage skips
// the row and tallies it.
type MalformedRecordError struct {
	Row    int
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

// ExternalServiceError is a geocoding or download call that failed after
// all retries.
type ExternalServiceError struct {
	Service  string
	Op       string
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Service, e.Op, e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ConfigurationError is an invalid or missing option, detected before any
// stage runs.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Option, e.Reason)
}

// StageIOError is an artifact a stage needs that is missing or unreadable,
// or one it could not write.
type StageIOError struct {
	Stage string
	Path  string
	Err   error
}

func (e *StageIOError) Error() string {
	return fmt.Sprintf("%s: artifact %s: %v", e.Stage, e.Path, e.Err)
}

func (e *StageIOError) Unwrap() error { return e.Err }

// ErrorKind classifies err for reporting.
func ErrorKind(err error) string {
	var (
		malformed *MalformedRecordError
		external  *ExternalServiceError
		cfgErr    *ConfigurationError
		ioErr     *StageIOError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.As(err, &ioErr):
		return KindStageIO
	case errors.As(err, &external):
		return KindExternalService
	case errors.As(err, &malformed):
		return KindMalformedRecord
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
