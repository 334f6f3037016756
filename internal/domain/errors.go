package domain

import (
	"context"
	"errors"
)

var (
	// ErrRemoteUnavailable covers network failures, timeouts and 5xx responses.
	// The affected datastream is retried on the next run.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrRemoteNotFound is a 404 for a specific entity: it is not present on
	// that source.
	ErrRemoteNotFound = errors.New("remote entity not found")

	// ErrDataIntegrity marks a malformed or inconsistent remote record. The
	// record is skipped and the run continues.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrStorage wraps a failed local commit or query.
	ErrStorage = errors.New("storage failure")

	// ErrRunInProgress is returned when another run holds the ingestion lock.
	ErrRunInProgress = errors.New("ingestion run already in progress")
)

// ErrorKind is the label used for an error in logs, metrics and the run summary.
type ErrorKind string

const (
	KindRemoteUnavailable ErrorKind = "remote_unavailable"
	KindRemoteNotFound    ErrorKind = "remote_not_found"
	KindDataIntegrity     ErrorKind = "data_integrity"
	KindStorage           ErrorKind = "storage"
	KindCanceled          ErrorKind = "canceled"
	KindUnknown           ErrorKind = "unknown"
)

// Classify maps an error onto the taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRemoteNotFound):
		return KindRemoteNotFound
	case errors.Is(err, ErrRemoteUnavailable):
		return KindRemoteUnavailable
	case errors.Is(err, ErrDataIntegrity):
		return KindDataIntegrity
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}
