package model

import "time"

// Outcome tags what happened to a message the last time a run considered it.
type Outcome string

const (
	OutcomeSummarized Outcome = "summarized"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSummarized, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// ProcessedRecord is one entry of the dedup ledger.
type ProcessedRecord struct {
	ID          string    `json:"id" db:"id" yaml:"id"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at" yaml:"processed_at"`
	Outcome     Outcome   `json:"outcome" db:"outcome" yaml:"outcome"`
}
