package model

import "errors"

var (
	ErrFetch         = errors.New("fetch failed")
	ErrGeneration    = errors.New("generation failed")
	ErrArchive       = errors.New("archive failed")
	ErrNotify        = errors.New("notify failed")
	ErrLedgerCorrupt = errors.New("ledger corrupt")
	ErrLedgerCommit  = errors.New("ledger commit failed")
)

// StageError tags a cause with one of the error kinds above so callers can
// match either with errors.Is.
type StageError struct {
	Kind error
	Err  error
}

// Wrap returns nil when err is nil.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: kind, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
