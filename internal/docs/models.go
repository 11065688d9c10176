package docs

import (
	"reflect"
	"time"
)

// Content is the type-specific payload of a section. It is nil once the
// section has been hard-deleted.
type Content = map[string]any

// ContentPlugin is the per-content-type capability set the engine depends on.
// Implementations live in internal/plugins; the engine only ever resolves
// them through a PluginRegistry.
type ContentPlugin interface {
	Type() string
	DefaultContent() Content
	ValidateContent(content Content) error
	CloneContent(content Content) Content
	ExtractResources(content Content) []string
	// RedactContent blanks resource references that are not reachable from
	// the target room. The engine never calls it; the export collaborator does.
	RedactContent(content Content, targetRoomID string) Content
}

// PluginRegistry resolves a content plugin by its type tag.
type PluginRegistry interface {
	Get(typeTag string) (ContentPlugin, bool)
}

// Section is the atomic unit of content inside a document revision.
// Key identifies the slot across all revisions; Revision fingerprints one
// particular version of the slot's content.
type Section struct {
	Key            string     `bson:"key" json:"key"`
	Revision       string     `bson:"revision" json:"revision"`
	Type           string     `bson:"type" json:"type"`
	Content        Content    `bson:"content" json:"content"`
	DeletedOn      *time.Time `bson:"deletedOn,omitempty" json:"deletedOn,omitempty"`
	DeletedBy      string     `bson:"deletedBy,omitempty" json:"deletedBy,omitempty"`
	DeletedBecause string     `bson:"deletedBecause,omitempty" json:"deletedBecause,omitempty"`
}

// IsDeleted reports whether the section content was hard-deleted.
func (s *Section) IsDeleted() bool { return s.DeletedOn != nil }

// PublicContext is the placement metadata of a document outside any room.
type PublicContext struct {
	Archived  bool `bson:"archived" json:"archived"`
	Verified  bool `bson:"verified" json:"verified"`
	Protected bool `bson:"protected" json:"protected"`
}

// RoomContext is the placement metadata of a document inside a room.
type RoomContext struct {
	Draft bool `bson:"draft" json:"draft"`
}

// DocumentRevision is one immutable snapshot in a document's history.
// Revisions of a document are totally ordered by Order, which is assigned
// from a global monotonically increasing counter.
type DocumentRevision struct {
	ID            string         `bson:"_id" json:"_id"`
	DocumentID    string         `bson:"documentId" json:"documentId"`
	Order         int64          `bson:"order" json:"order"`
	CreatedOn     time.Time      `bson:"createdOn" json:"createdOn"`
	CreatedBy     string         `bson:"createdBy" json:"createdBy"`
	RestoredFrom  string         `bson:"restoredFrom,omitempty" json:"restoredFrom,omitempty"`
	Title         string         `bson:"title" json:"title"`
	Slug          string         `bson:"slug" json:"slug"`
	Sections      []Section      `bson:"sections" json:"sections"`
	RoomID        string         `bson:"roomId,omitempty" json:"roomId,omitempty"`
	PublicContext *PublicContext `bson:"publicContext,omitempty" json:"publicContext,omitempty"`
	RoomContext   *RoomContext   `bson:"roomContext,omitempty" json:"roomContext,omitempty"`
	CDNResources  []string       `bson:"cdnResources" json:"cdnResources"`
}

// Document is the materialized current-state projection of a document,
// fully derivable from its revision history. It is a read cache, never a
// second source of truth.
type Document struct {
	ID            string         `bson:"_id" json:"_id"`
	Revision      string         `bson:"revision" json:"revision"`
	Order         int64          `bson:"order" json:"order"`
	CreatedOn     time.Time      `bson:"createdOn" json:"createdOn"`
	CreatedBy     string         `bson:"createdBy" json:"createdBy"`
	UpdatedOn     time.Time      `bson:"updatedOn" json:"updatedOn"`
	UpdatedBy     string         `bson:"updatedBy" json:"updatedBy"`
	Title         string         `bson:"title" json:"title"`
	Slug          string         `bson:"slug" json:"slug"`
	Sections      []Section      `bson:"sections" json:"sections"`
	RoomID        string         `bson:"roomId,omitempty" json:"roomId,omitempty"`
	PublicContext *PublicContext `bson:"publicContext,omitempty" json:"publicContext,omitempty"`
	RoomContext   *RoomContext   `bson:"roomContext,omitempty" json:"roomContext,omitempty"`
	CDNResources  []string       `bson:"cdnResources" json:"cdnResources"`
	Contributors  []string       `bson:"contributors" json:"contributors"`
}

// User identifies the actor of an engine operation.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// SectionInput is one section slot of an incoming edit.
type SectionInput struct {
	Key     string  `json:"key"`
	Type    string  `json:"type"`
	Content Content `json:"content"`
}

// RevisionInput is the whole-document edit submission the builder turns into
// a revision. Create and update both use it; update seeds missing placement
// fields from the previous revision.
type RevisionInput struct {
	Title         string         `json:"title"`
	Slug          string         `json:"slug"`
	Sections      []SectionInput `json:"sections"`
	RoomID        string         `json:"roomId,omitempty"`
	PublicContext *PublicContext `json:"publicContext,omitempty"`
	RoomContext   *RoomContext   `json:"roomContext,omitempty"`
}

// contentEqual is the change detector behind section revision minting.
// Payloads are plain maps of JSON-compatible values, so deep equality is the
// same comparison the original history was written with.
func contentEqual(a, b Content) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// BuildProjection derives the Document projection from the full ordered
// revision history. The last revision supplies the current state, the first
// supplies creation metadata, and contributors are collected across all
// revisions in first-seen order.
func BuildProjection(revisions []DocumentRevision) *Document {
	if len(revisions) == 0 {
		return nil
	}
	first := revisions[0]
	last := revisions[len(revisions)-1]

	contributors := make([]string, 0, 4)
	seen := map[string]bool{}
	for _, rev := range revisions {
		if !seen[rev.CreatedBy] {
			seen[rev.CreatedBy] = true
			contributors = append(contributors, rev.CreatedBy)
		}
	}

	return &Document{
		ID:            last.DocumentID,
		Revision:      last.ID,
		Order:         last.Order,
		CreatedOn:     first.CreatedOn,
		CreatedBy:     first.CreatedBy,
		UpdatedOn:     last.CreatedOn,
		UpdatedBy:     last.CreatedBy,
		Title:         last.Title,
		Slug:          last.Slug,
		Sections:      last.Sections,
		RoomID:        last.RoomID,
		PublicContext: last.PublicContext,
		RoomContext:   last.RoomContext,
		CDNResources:  last.CDNResources,
		Contributors:  contributors,
	}
}
