package docs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docuroom/docuroom/internal/database"
	"github.com/docuroom/docuroom/internal/locks"
	"github.com/docuroom/docuroom/internal/rooms"
	"github.com/docuroom/docuroom/internal/storage"
	"github.com/docuroom/docuroom/pkg/logger"
	"github.com/docuroom/docuroom/pkg/metrics"
)

// RevisionPolicy decides whether a user may land a given revision in a given
// context. Implementations live in internal/policy; any rejection surfaces
// to engine callers as ErrForbidden.
type RevisionPolicy interface {
	CheckRevisionOnCreate(newRev *DocumentRevision, room *rooms.Room, user User) error
	CheckRevisionOnUpdate(prevRev, newRev *DocumentRevision, room *rooms.Room, user User) error
}

// EngineDeps are the collaborators of the document engine.
type EngineDeps struct {
	Revisions   RevisionStore
	Projections ProjectionStore
	Orders      OrderSource
	Rooms       rooms.Store
	Locks       locks.Manager
	Txn         database.TxnRunner
	Registry    PluginRegistry
	Policy      RevisionPolicy
	Resources   storage.ResourceStore

	// Now and NewID override the clock and id generator; nil means the
	// real ones. Tests use these for deterministic records.
	Now   func() time.Time
	NewID func() string
}

// Engine orchestrates all mutations of the revision history and the current
// projection. Every mutating operation takes the document lock (and the room
// lock when room membership changes), runs its writes inside one transaction
// and releases locks on every exit path.
type Engine struct {
	deps  EngineDeps
	now   func() time.Time
	newID func() string
}

func NewEngine(deps EngineDeps) *Engine {
	e := &Engine{
		deps:  deps,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	if deps.Now != nil {
		e.now = deps.Now
	}
	if deps.NewID != nil {
		e.newID = deps.NewID
	}
	return e
}

// HardDeleteSectionInput identifies the section content to redact across the
// history of one document.
type HardDeleteSectionInput struct {
	DocumentID         string `json:"documentId"`
	SectionKey         string `json:"sectionKey"`
	SectionRevision    string `json:"sectionRevision"`
	Reason             string `json:"reason"`
	DeleteAllRevisions bool   `json:"deleteAllRevisions"`
}

// CreateDocument creates a new document together with its first revision.
func (e *Engine) CreateDocument(ctx context.Context, in RevisionInput, user User) (doc *Document, err error) {
	done := e.observe("create")
	defer func() { done(err) }()

	documentID := e.newID()

	// Reserve the upload directory before the first save so media uploads
	// have a destination. Best-effort: a failure here must not block the save.
	mediaPath := storage.MediaPath(documentID)
	placeholderCreated := false
	if perr := e.deps.Resources.CreatePlaceholder(ctx, mediaPath); perr != nil {
		logger.Warnf("create document %s: placeholder not created: %v", documentID, perr)
	} else {
		placeholderCreated = true
	}
	defer func() {
		// Compensate outside the transaction: the placeholder lives in a
		// different subsystem. The original error always takes precedence.
		if err != nil && placeholderCreated {
			if derr := e.deps.Resources.DeletePlaceholder(ctx, mediaPath); derr != nil {
				logger.Errorf("create document %s: placeholder cleanup failed: %v", documentID, derr)
			}
		}
	}()

	docLock, err := e.takeDocumentLock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, docLock)

	// Lock order is fixed: document before room, against updateDocument
	// which only ever holds the document lock.
	if in.RoomID != "" {
		roomLock, lerr := e.takeRoomLock(ctx, in.RoomID)
		if lerr != nil {
			return nil, lerr
		}
		defer e.release(ctx, roomLock)
	}

	room, err := e.resolveRoom(ctx, in.RoomID)
	if err != nil {
		return nil, err
	}

	err = e.deps.Txn.WithTransaction(ctx, func(ctx context.Context) error {
		existing, terr := e.deps.Revisions.AllByDocumentID(ctx, documentID)
		if terr != nil {
			return terr
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: document %s already has revisions", ErrConflict, documentID)
		}

		order, terr := e.deps.Orders.NextOrder(ctx)
		if terr != nil {
			return terr
		}
		rev, terr := BuildRevision(nil, in, user, e.deps.Registry, e.now(), e.newID)
		if terr != nil {
			return terr
		}
		rev.DocumentID = documentID
		rev.Order = order

		if perr := e.deps.Policy.CheckRevisionOnCreate(rev, room, user); perr != nil {
			return fmt.Errorf("%w: %v", ErrForbidden, perr)
		}

		if terr := e.deps.Revisions.Insert(ctx, rev); terr != nil {
			return terr
		}
		doc = BuildProjection([]DocumentRevision{*rev})
		if terr := e.deps.Projections.Save(ctx, doc); terr != nil {
			return terr
		}
		if room != nil {
			if terr := e.deps.Rooms.AppendDocumentID(ctx, room.ID, documentID); terr != nil {
				return terr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateDocument appends a new revision built from a whole-document edit.
// Room membership cannot change through a content update, so only the
// document lock is needed.
func (e *Engine) UpdateDocument(ctx context.Context, documentID string, in RevisionInput, user User) (doc *Document, err error) {
	done := e.observe("update")
	defer func() { done(err) }()

	docLock, err := e.takeDocumentLock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, docLock)

	err = e.deps.Txn.WithTransaction(ctx, func(ctx context.Context) error {
		history, terr := e.loadHistory(ctx, documentID)
		if terr != nil {
			return terr
		}
		prev := &history[len(history)-1]

		// Placement is sticky: the edit cannot move the document between
		// rooms or flip it public.
		in.RoomID = prev.RoomID
		if in.PublicContext == nil && prev.RoomID == "" {
			in.PublicContext = prev.PublicContext
		}
		if in.RoomContext == nil && prev.RoomID != "" {
			in.RoomContext = prev.RoomContext
		}

		room, terr := e.resolveRoom(ctx, prev.RoomID)
		if terr != nil {
			return terr
		}

		order, terr := e.deps.Orders.NextOrder(ctx)
		if terr != nil {
			return terr
		}
		rev, terr := BuildRevision(prev, in, user, e.deps.Registry, e.now(), e.newID)
		if terr != nil {
			return terr
		}
		rev.Order = order

		if perr := e.deps.Policy.CheckRevisionOnUpdate(prev, rev, room, user); perr != nil {
			return fmt.Errorf("%w: %v", ErrForbidden, perr)
		}

		if terr := e.deps.Revisions.Insert(ctx, rev); terr != nil {
			return terr
		}
		doc = BuildProjection(append(history, *rev))
		return e.deps.Projections.Save(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// RestoreRevision appends a new revision whose content equals an earlier
// one. The restore is tracked as a change relative to the current head, not
// as a time-jump: section revision ids are diffed against the head, and
// restoredFrom records the provenance.
func (e *Engine) RestoreRevision(ctx context.Context, documentID, revisionID string, user User) (doc *Document, err error) {
	done := e.observe("restore")
	defer func() { done(err) }()

	docLock, err := e.takeDocumentLock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, docLock)

	err = e.deps.Txn.WithTransaction(ctx, func(ctx context.Context) error {
		history, terr := e.loadHistory(ctx, documentID)
		if terr != nil {
			return terr
		}
		head := &history[len(history)-1]
		if head.ID == revisionID {
			return fmt.Errorf("%w: revision %s is already the latest", ErrConflict, revisionID)
		}
		var target *DocumentRevision
		for i := range history {
			if history[i].ID == revisionID {
				target = &history[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("%w: revision %s", ErrNotFound, revisionID)
		}

		rev := e.buildRestoredRevision(target, head, user)

		order, terr := e.deps.Orders.NextOrder(ctx)
		if terr != nil {
			return terr
		}
		rev.Order = order

		if terr := e.deps.Revisions.Insert(ctx, rev); terr != nil {
			return terr
		}
		doc = BuildProjection(append(history, *rev))
		return e.deps.Projections.Save(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// buildRestoredRevision clones the target revision's sections on top of the
// current head. Redacted sections stay redacted; live sections keep their id
// where their content matches the head and get a fresh one where it differs.
func (e *Engine) buildRestoredRevision(target, head *DocumentRevision, user User) *DocumentRevision {
	headSections := map[string]*Section{}
	for i := range head.Sections {
		headSections[head.Sections[i].Key] = &head.Sections[i]
	}

	sections := make([]Section, 0, len(target.Sections))
	for i := range target.Sections {
		src := target.Sections[i]
		sec := src
		if !src.IsDeleted() {
			if plugin, ok := e.deps.Registry.Get(src.Type); ok {
				sec.Content = plugin.CloneContent(src.Content)
			}
			ancestor := headSections[src.Key]
			if ancestor == nil || ancestor.Type != src.Type || !contentEqual(ancestor.Content, src.Content) {
				sec.Revision = e.newID()
			} else {
				sec.Revision = ancestor.Revision
			}
		}
		sections = append(sections, sec)
	}

	return &DocumentRevision{
		ID:            e.newID(),
		DocumentID:    target.DocumentID,
		CreatedOn:     e.now(),
		CreatedBy:     user.ID,
		RestoredFrom:  target.ID,
		Title:         target.Title,
		Slug:          target.Slug,
		Sections:      sections,
		RoomID:        head.RoomID,
		PublicContext: target.PublicContext,
		RoomContext:   target.RoomContext,
		CDNResources:  ExtractCDNResources(sections, e.deps.Registry),
	}
}

// HardDeleteSection irreversibly redacts matching section content across the
// document's history. Touched revisions are replaced by fresh records (new
// _id, same order) so their cdnResources are recomputed without the deleted
// content; untouched revisions keep their identity.
func (e *Engine) HardDeleteSection(ctx context.Context, in HardDeleteSectionInput, user User) (err error) {
	done := e.observe("hardDeleteSection")
	defer func() { done(err) }()

	docLock, err := e.takeDocumentLock(ctx, in.DocumentID)
	if err != nil {
		return err
	}
	defer e.release(ctx, docLock)

	return e.deps.Txn.WithTransaction(ctx, func(ctx context.Context) error {
		history, terr := e.loadHistory(ctx, in.DocumentID)
		if terr != nil {
			return terr
		}

		deletedOn := e.now()
		oldIDs := []string{}
		rewritten := []DocumentRevision{}
		for i := range history {
			rev := &history[i]
			touched := false
			for j := range rev.Sections {
				sec := &rev.Sections[j]
				if sec.Key != in.SectionKey || sec.Content == nil {
					continue
				}
				if !in.DeleteAllRevisions && sec.Revision != in.SectionRevision {
					continue
				}
				sec.DeletedOn = &deletedOn
				sec.DeletedBy = user.ID
				sec.DeletedBecause = in.Reason
				sec.Content = nil
				touched = true
			}
			if touched {
				oldIDs = append(oldIDs, rev.ID)
				next := RebuildRevision(rev, e.deps.Registry, e.newID)
				history[i] = *next
				rewritten = append(rewritten, *next)
			}
		}
		if len(rewritten) == 0 {
			return fmt.Errorf("%w: key %s revision %s in document %s", ErrNothingMatched, in.SectionKey, in.SectionRevision, in.DocumentID)
		}

		if terr := e.deps.Revisions.DeleteByIDs(ctx, oldIDs); terr != nil {
			return terr
		}
		if terr := e.deps.Revisions.InsertMany(ctx, rewritten); terr != nil {
			return terr
		}
		return e.deps.Projections.Save(ctx, BuildProjection(history))
	})
}

// HardDeleteDocument removes the projection, the entire revision history and
// the room membership entry, then clears the upload directory placeholder.
func (e *Engine) HardDeleteDocument(ctx context.Context, documentID string) (err error) {
	done := e.observe("hardDeleteDocument")
	defer func() { done(err) }()

	docLock, err := e.takeDocumentLock(ctx, documentID)
	if err != nil {
		return err
	}
	defer e.release(ctx, docLock)

	doc, err := e.deps.Projections.Get(ctx, documentID)
	if err != nil {
		return err
	}

	var roomLock locks.Lock
	if doc.RoomID != "" {
		if roomLock, err = e.takeRoomLock(ctx, doc.RoomID); err != nil {
			return err
		}
		defer e.release(ctx, roomLock)
	}

	err = e.deps.Txn.WithTransaction(ctx, func(ctx context.Context) error {
		if terr := e.deps.Revisions.DeleteByDocumentID(ctx, documentID); terr != nil {
			return terr
		}
		if terr := e.deps.Projections.Delete(ctx, documentID); terr != nil {
			return terr
		}
		if doc.RoomID != "" {
			return e.deps.Rooms.RemoveDocumentID(ctx, doc.RoomID, documentID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if perr := e.deps.Resources.DeletePlaceholder(ctx, storage.MediaPath(documentID)); perr != nil {
		logger.Warnf("hard-delete document %s: placeholder cleanup failed: %v", documentID, perr)
	}
	return nil
}

// RegenerateDocument rebuilds the projection from the unchanged history.
// Used for repairing drift between the two stores.
func (e *Engine) RegenerateDocument(ctx context.Context, documentID string) (doc *Document, err error) {
	done := e.observe("regenerate")
	defer func() { done(err) }()

	docLock, err := e.takeDocumentLock(ctx, documentID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, docLock)

	err = e.deps.Txn.WithTransaction(ctx, func(ctx context.Context) error {
		history, terr := e.loadHistory(ctx, documentID)
		if terr != nil {
			return terr
		}
		doc = BuildProjection(history)
		return e.deps.Projections.Save(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ConsolidateCDNResources recomputes cdnResources on every historical
// revision and on the projection, writing back only values that drifted.
// Idempotent: a second run in a row performs zero writes. Safe to run in
// bulk as an offline batch job; each invocation is lock-protected.
func (e *Engine) ConsolidateCDNResources(ctx context.Context, documentID string) (err error) {
	done := e.observe("consolidate")
	defer func() { done(err) }()

	docLock, err := e.takeDocumentLock(ctx, documentID)
	if err != nil {
		return err
	}
	defer e.release(ctx, docLock)

	return e.deps.Txn.WithTransaction(ctx, func(ctx context.Context) error {
		history, terr := e.loadHistory(ctx, documentID)
		if terr != nil {
			return terr
		}
		for i := range history {
			rev := &history[i]
			recomputed := ExtractCDNResources(rev.Sections, e.deps.Registry)
			if stringsEqual(rev.CDNResources, recomputed) {
				continue
			}
			if terr := e.deps.Revisions.SaveCDNResources(ctx, rev.ID, recomputed); terr != nil {
				return terr
			}
			rev.CDNResources = recomputed
		}

		fresh := BuildProjection(history)
		stored, terr := e.deps.Projections.Get(ctx, documentID)
		if terr != nil && !errors.Is(terr, ErrNotFound) {
			return terr
		}
		if stored != nil && stringsEqual(stored.CDNResources, fresh.CDNResources) {
			return nil
		}
		return e.deps.Projections.Save(ctx, fresh)
	})
}

// GetDocument returns the current projection.
func (e *Engine) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	return e.deps.Projections.Get(ctx, documentID)
}

// GetRevisions returns the full ordered history of a document.
func (e *Engine) GetRevisions(ctx context.Context, documentID string) ([]DocumentRevision, error) {
	return e.loadHistory(ctx, documentID)
}

// GetRevision returns one revision of a document by id.
func (e *Engine) GetRevision(ctx context.Context, documentID, revisionID string) (*DocumentRevision, error) {
	history, err := e.loadHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].ID == revisionID {
			return &history[i], nil
		}
	}
	return nil, fmt.Errorf("%w: revision %s", ErrNotFound, revisionID)
}

func (e *Engine) loadHistory(ctx context.Context, documentID string) ([]DocumentRevision, error) {
	history, err := e.deps.Revisions.AllByDocumentID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}
	return history, nil
}

func (e *Engine) resolveRoom(ctx context.Context, roomID string) (*rooms.Room, error) {
	if roomID == "" {
		return nil, nil
	}
	room, err := e.deps.Rooms.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrNotFound) {
			return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
		}
		return nil, err
	}
	return room, nil
}

func (e *Engine) takeDocumentLock(ctx context.Context, documentID string) (locks.Lock, error) {
	l, err := e.deps.Locks.TakeDocumentLock(ctx, documentID)
	if err == nil {
		metrics.LockAcquisitions.WithLabelValues("document").Inc()
	}
	return l, err
}

func (e *Engine) takeRoomLock(ctx context.Context, roomID string) (locks.Lock, error) {
	l, err := e.deps.Locks.TakeRoomLock(ctx, roomID)
	if err == nil {
		metrics.LockAcquisitions.WithLabelValues("room").Inc()
	}
	return l, err
}

// release frees a lock on any exit path. Uses a detached context so a
// canceled request cannot leave a document permanently locked.
func (e *Engine) release(ctx context.Context, l locks.Lock) {
	if err := e.deps.Locks.Release(context.WithoutCancel(ctx), l); err != nil {
		logger.Errorf("lock release failed for %s: %v", l.Key(), err)
	}
}

// observe times the operation on the wall clock. The injected Now override
// is for record timestamps only and must not leak into metrics.
func (e *Engine) observe(op string) func(error) {
	start := time.Now()
	return func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.EngineOps.WithLabelValues(op, outcome).Inc()
		metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
