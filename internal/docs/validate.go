package docs

import (
	"context"
	"errors"
	"fmt"
)

// ValidationReport is the outcome of an integrity audit over one document.
// Violations are accumulated, never truncated at the first failure; the
// report is keyed by document/revision/section ids through each Violation.
type ValidationReport struct {
	DocumentID string      `json:"documentId"`
	Violations []Violation `json:"violations"`

	// Irrecoverable is set when stored history data itself violates the
	// schema. Automated retry or regeneration cannot heal that; the data
	// needs manual repair. Projection drift alone is recoverable (a
	// regenerate pass fixes it) and leaves this false.
	Irrecoverable bool `json:"irrecoverable"`
}

func (r *ValidationReport) OK() bool { return len(r.Violations) == 0 }

// Err converts a failed report into the engine error taxonomy: nil when
// clean, an IrrecoverableError around a ValidationError when history data is
// broken, a bare ValidationError otherwise.
func (r *ValidationReport) Err() error {
	if r.OK() {
		return nil
	}
	verr := &ValidationError{Violations: r.Violations}
	if r.Irrecoverable {
		return &IrrecoverableError{Err: verr}
	}
	return verr
}

// ValidateDocument audits the stored projection and every historical
// revision against the structural schema and the content contracts. Used for
// integrity audits, never on the request path.
func (e *Engine) ValidateDocument(ctx context.Context, documentID string) (report *ValidationReport, err error) {
	done := e.observe("validate")
	defer func() { done(err) }()

	docLock, err := e.takeDocumentLock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, docLock)

	history, err := e.loadHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}

	report = &ValidationReport{DocumentID: documentID}

	var prevOrder int64
	for i := range history {
		rev := &history[i]
		if rev.Order <= prevOrder {
			report.addIrrecoverable(Violation{DocumentID: documentID, RevisionID: rev.ID, Field: "order", Message: "revision order is not strictly increasing"})
		}
		prevOrder = rev.Order
		e.validateRevision(report, rev)
	}

	stored, err := e.deps.Projections.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			report.add(Violation{DocumentID: documentID, Message: "projection record is missing"})
			return report, nil
		}
		return nil, err
	}
	e.validateProjection(report, stored, history)
	return report, nil
}

func (e *Engine) validateRevision(report *ValidationReport, rev *DocumentRevision) {
	if err := checkPlacement(rev.RoomID, rev.PublicContext, rev.RoomContext); err != nil {
		for _, v := range err.(*ValidationError).Violations {
			v.RevisionID = rev.ID
			report.addIrrecoverable(v)
		}
	}

	seenKeys := map[string]bool{}
	for i := range rev.Sections {
		sec := &rev.Sections[i]
		if sec.Key == "" {
			report.addIrrecoverable(Violation{RevisionID: rev.ID, Field: "key", Message: "section key is empty"})
		} else if seenKeys[sec.Key] {
			report.addIrrecoverable(Violation{RevisionID: rev.ID, SectionKey: sec.Key, Field: "key", Message: "duplicate section key"})
		}
		seenKeys[sec.Key] = true
		if sec.Revision == "" {
			report.addIrrecoverable(Violation{RevisionID: rev.ID, SectionKey: sec.Key, Field: "revision", Message: "section revision id is empty"})
		}

		if sec.IsDeleted() {
			if sec.Content != nil {
				report.addIrrecoverable(Violation{RevisionID: rev.ID, SectionKey: sec.Key, Field: "content", Message: "hard-deleted section still carries content"})
			}
			continue
		}
		if sec.Content == nil {
			report.addIrrecoverable(Violation{RevisionID: rev.ID, SectionKey: sec.Key, Field: "content", Message: "content is null without deletion metadata"})
			continue
		}

		plugin, ok := e.deps.Registry.Get(sec.Type)
		if !ok {
			report.addIrrecoverable(Violation{RevisionID: rev.ID, SectionKey: sec.Key, Field: "type", Message: fmt.Sprintf("unknown section type %q", sec.Type)})
			continue
		}
		if cerr := plugin.ValidateContent(sec.Content); cerr != nil {
			if ve, ok := cerr.(*ValidationError); ok {
				for _, v := range ve.Violations {
					v.RevisionID = rev.ID
					v.SectionKey = sec.Key
					report.addIrrecoverable(v)
				}
			} else {
				report.addIrrecoverable(Violation{RevisionID: rev.ID, SectionKey: sec.Key, Field: "content", Message: cerr.Error()})
			}
		}
	}
}

// validateProjection flags drift between the stored projection and what the
// history derives. Drift is recoverable via regenerateDocument.
func (e *Engine) validateProjection(report *ValidationReport, stored *Document, history []DocumentRevision) {
	fresh := BuildProjection(history)
	if stored.Revision != fresh.Revision {
		report.add(Violation{DocumentID: stored.ID, Field: "revision", Message: "projection does not point at the latest revision"})
	}
	if stored.Order != fresh.Order {
		report.add(Violation{DocumentID: stored.ID, Field: "order", Message: "projection order drifted from the latest revision"})
	}
	if stored.Title != fresh.Title {
		report.add(Violation{DocumentID: stored.ID, Field: "title", Message: "projection title drifted from the latest revision"})
	}
	if stored.RoomID != fresh.RoomID {
		report.add(Violation{DocumentID: stored.ID, Field: "roomId", Message: "projection placement drifted from the latest revision"})
	}
	if !stringsEqual(stored.CDNResources, fresh.CDNResources) {
		report.add(Violation{DocumentID: stored.ID, Field: "cdnResources", Message: "projection cdnResources drifted from the latest revision"})
	}
	if len(stored.Sections) != len(fresh.Sections) {
		report.add(Violation{DocumentID: stored.ID, Field: "sections", Message: "projection section count drifted from the latest revision"})
		return
	}
	for i := range stored.Sections {
		if stored.Sections[i].Revision != fresh.Sections[i].Revision {
			report.add(Violation{DocumentID: stored.ID, SectionKey: stored.Sections[i].Key, Field: "revision", Message: "projection section drifted from the latest revision"})
		}
	}
}

func (r *ValidationReport) add(v Violation) {
	if v.DocumentID == "" {
		v.DocumentID = r.DocumentID
	}
	r.Violations = append(r.Violations, v)
}

func (r *ValidationReport) addIrrecoverable(v Violation) {
	r.Irrecoverable = true
	r.add(v)
}
