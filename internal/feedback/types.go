// Package feedback stores coder review decisions on recommended billing
// codes. Accepted and corrected recommendations are the raw material for
// recalibrating the confidence policy later.
package feedback

import (
	"context"
	"io"
	"time"
)

// Verdict represents the coder's decision on one recommended code.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
	VerdictModified Verdict = "modified"
)

// IsValid validates the verdict value.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictAccepted, VerdictRejected, VerdictModified:
		return true
	default:
		return false
	}
}

// Feedback represents a coder's review of one recommended code for one query.
type Feedback struct {
	ID            int64     `json:"id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`   // Pipeline run that produced the recommendation
	Query         string    `json:"query"`                  // Original clinical note text
	CodeID        string    `json:"code_id"`                // Recommended code being reviewed
	Verdict       Verdict   `json:"verdict"`                // Coder's decision
	CorrectedCode string    `json:"corrected_code,omitempty"` // Replacement code when verdict is modified
	Confidence    int       `json:"confidence"`             // System confidence at recommendation time
	Notes         string    `json:"notes,omitempty"`        // Coder notes
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store defines the interface for feedback storage operations.
type Store interface {
	// Save stores or updates feedback. Feedback for the same query+code_id
	// pair is updated in place, so re-reviews replace earlier verdicts.
	Save(ctx context.Context, feedback *Feedback) error

	// Get retrieves the feedback for a query+code pair, nil when absent.
	Get(ctx context.Context, query, codeID string) (*Feedback, error)

	// List returns feedback entries newest first with pagination.
	List(ctx context.Context, limit, offset int) ([]*Feedback, error)

	// Count returns the total number of feedback entries.
	Count(ctx context.Context) (int64, error)

	// Delete removes a feedback entry by ID.
	Delete(ctx context.Context, id int64) error

	// ExportJSON exports all feedback to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON imports feedback from a JSON reader.
	// Returns the number of imported and skipped entries.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// Export represents the JSON export format.
type Export struct {
	Version    string      `json:"version"`
	ExportedAt time.Time   `json:"exported_at"`
	Count      int         `json:"count"`
	Feedback   []*Feedback `json:"feedback"`
}
