package docs

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy of the engine. Handlers map these onto HTTP statuses; the
// batch jobs use IsIrrecoverable to decide whether a retry could ever help.
var (
	// ErrNotFound signals that the document (or the target revision) does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden signals a policy check rejection.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict signals an operation that is structurally impossible in
	// the current state, e.g. restoring the revision that is already the
	// head of the history.
	ErrConflict = errors.New("conflict")

	// ErrNothingMatched signals a hard-delete request that matched no
	// section in any revision. Distinct from ErrNotFound: the document
	// exists, the reference does not.
	ErrNothingMatched = errors.New("no section matched")
)

// Violation is one validation failure, addressed by the ids of the
// document/revision/section it was found in.
type Violation struct {
	DocumentID string `json:"documentId,omitempty"`
	RevisionID string `json:"revisionId,omitempty"`
	SectionKey string `json:"sectionKey,omitempty"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
}

func (v Violation) String() string {
	parts := make([]string, 0, 4)
	if v.RevisionID != "" {
		parts = append(parts, "revision "+v.RevisionID)
	}
	if v.SectionKey != "" {
		parts = append(parts, "section "+v.SectionKey)
	}
	if v.Field != "" {
		parts = append(parts, "field "+v.Field)
	}
	parts = append(parts, v.Message)
	return strings.Join(parts, ": ")
}

// ValidationError carries every violation found while checking one revision
// build or one audit pass. The interactive path fails on the first offending
// section but still reports all problems of that section; the audit path
// accumulates across the whole history.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "validation failed: " + e.Violations[0].String()
	}
	return fmt.Sprintf("validation failed with %d violations: %s", len(e.Violations), e.Violations[0].String())
}

func (e *ValidationError) add(v Violation) {
	e.Violations = append(e.Violations, v)
}

func (e *ValidationError) empty() bool { return len(e.Violations) == 0 }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IrrecoverableError marks a failure that automated retry logic must not
// attempt to self-heal; the stored data needs manual repair first.
type IrrecoverableError struct {
	Err error
}

func (e *IrrecoverableError) Error() string { return "irrecoverable: " + e.Err.Error() }

func (e *IrrecoverableError) Unwrap() error { return e.Err }

// IsIrrecoverable reports whether err is flagged as needing manual repair.
func IsIrrecoverable(err error) bool {
	var ie *IrrecoverableError
	return errors.As(err, &ie)
}
