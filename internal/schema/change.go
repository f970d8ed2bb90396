package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is the kind of mutation a PendingChange carries.
type Op string

const (
	// OpSet overwrites the whole remote document.
	OpSet Op = "set"
	// OpUpdate applies the document as a shallow patch.
	OpUpdate Op = "update"
	// OpDelete removes the remote document.
	OpDelete Op = "delete"
)

// ChangeStatus tracks whether a change is still retried automatically.
type ChangeStatus string

const (
	// StatusPending changes are attempted on every drain pass.
	StatusPending ChangeStatus = "pending"
	// StatusFailed changes exhausted their attempts and wait for manual action.
	StatusFailed ChangeStatus = "failed"
)

// PendingChange is a local mutation not yet confirmed by the remote store.
type PendingChange struct {
	ID         string     `json:"id"`
	Op         Op         `json:"op"`
	Collection Collection `json:"collection"`
	Key        string     `json:"key"`
	Document   Document   `json:"document,omitempty"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	Attempts      int          `json:"attempts"`
	Status        ChangeStatus `json:"status"`
	LastError     string       `json:"last_error,omitempty"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
}

// NewChange builds a pending change with a fresh id.
func NewChange(op Op, c Collection, key string, doc Document, message string) *PendingChange {
	return &PendingChange{
		ID:         uuid.NewString(),
		Op:         op,
		Collection: c,
		Key:        key,
		Document:   doc.Clone(),
		Message:    message,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusPending,
	}
}

// Validate checks the change is deliverable.
func (p *PendingChange) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: change id is required", ErrInvalid)
	}
	switch p.Op {
	case OpSet, OpUpdate:
		if p.Document.IsNull() {
			return fmt.Errorf("%w: %s change requires a document", ErrInvalid, p.Op)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalid, p.Op)
	}
	if err := p.Collection.ValidateKey(p.Key); err != nil {
		return err
	}
	if p.Attempts < 0 {
		return fmt.Errorf("%w: attempts must be >= 0 (got %d)", ErrInvalid, p.Attempts)
	}
	switch p.Status {
	case StatusPending, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, p.Status)
	}
	return nil
}

// Path returns the remote path the change is delivered to.
func (p *PendingChange) Path() string {
	return Path(p.Collection, p.Key)
}

// Failed reports whether automatic retries have stopped for this change.
func (p *PendingChange) Failed() bool {
	return p.Status == StatusFailed
}

// Clone returns a deep copy.
func (p *PendingChange) Clone() *PendingChange {
	out := *p
	out.Document = p.Document.Clone()
	if p.LastAttemptAt != nil {
		at := *p.LastAttemptAt
		out.LastAttemptAt = &at
	}
	return &out
}
