package docs

import (
	"time"
)

// BuildRevision turns a whole-document edit submission into a well-formed,
// immutable revision record. prev is the current head of the history (nil on
// first save). The function is pure: no I/O, no locking, ids come from the
// injected generator and timestamps from now.
//
// A section keeps its prior revision id when its content is unchanged against
// the same-key section of prev; any content change (or a key without an
// ancestor) mints a fresh id.
func BuildRevision(prev *DocumentRevision, in RevisionInput, actor User, reg PluginRegistry, now time.Time, newID func() string) (*DocumentRevision, error) {
	if err := checkPlacement(in.RoomID, in.PublicContext, in.RoomContext); err != nil {
		return nil, err
	}

	ancestors := map[string]*Section{}
	if prev != nil {
		for i := range prev.Sections {
			ancestors[prev.Sections[i].Key] = &prev.Sections[i]
		}
	}

	sections := make([]Section, 0, len(in.Sections))
	for _, si := range in.Sections {
		sec, err := buildSection(si, ancestors[si.Key], reg, newID)
		if err != nil {
			return nil, err
		}
		sections = append(sections, *sec)
	}

	rev := &DocumentRevision{
		ID:            newID(),
		CreatedOn:     now,
		CreatedBy:     actor.ID,
		Title:         in.Title,
		Slug:          in.Slug,
		Sections:      sections,
		RoomID:        in.RoomID,
		PublicContext: in.PublicContext,
		RoomContext:   in.RoomContext,
		CDNResources:  ExtractCDNResources(sections, reg),
	}
	if prev != nil {
		rev.DocumentID = prev.DocumentID
	}
	return rev, nil
}

// RebuildRevision re-derives the denormalized parts of an existing revision
// record (currently only cdnResources) under a fresh identity. Used by the
// hard-delete rewrite, which replaces touched revisions instead of mutating
// them in place.
func RebuildRevision(rev *DocumentRevision, reg PluginRegistry, newID func() string) *DocumentRevision {
	out := *rev
	out.ID = newID()
	out.CDNResources = ExtractCDNResources(out.Sections, reg)
	return &out
}

// ExtractCDNResources flattens the resource references of every non-deleted
// section, de-duplicated in first-seen order. Sections whose type is unknown
// to the registry contribute nothing; the validation audit reports those
// separately.
func ExtractCDNResources(sections []Section, reg PluginRegistry) []string {
	out := make([]string, 0, 8)
	seen := map[string]bool{}
	for i := range sections {
		sec := &sections[i]
		if sec.IsDeleted() || sec.Content == nil {
			continue
		}
		plugin, ok := reg.Get(sec.Type)
		if !ok {
			continue
		}
		for _, res := range plugin.ExtractResources(sec.Content) {
			if res == "" || seen[res] {
				continue
			}
			seen[res] = true
			out = append(out, res)
		}
	}
	return out
}

func buildSection(in SectionInput, ancestor *Section, reg PluginRegistry, newID func() string) (*Section, error) {
	verr := &ValidationError{}
	if in.Key == "" {
		verr.add(Violation{SectionKey: in.Key, Field: "key", Message: "section key must not be empty"})
	}
	plugin, ok := reg.Get(in.Type)
	if !ok {
		verr.add(Violation{SectionKey: in.Key, Field: "type", Message: "unknown section type '" + in.Type + "'"})
		return nil, verr
	}

	// An already-redacted slot stays redacted: content is nil and the
	// deletion metadata is carried forward untouched.
	if ancestor != nil && ancestor.IsDeleted() && contentEqual(in.Content, nil) {
		sec := *ancestor
		return &sec, nil
	}

	if in.Content == nil {
		verr.add(Violation{SectionKey: in.Key, Field: "content", Message: "content must not be null"})
		return nil, verr
	}
	collectContentViolations(verr, in.Key, plugin, in.Content)
	if !verr.empty() {
		return nil, verr
	}

	sec := &Section{
		Key:     in.Key,
		Type:    in.Type,
		Content: plugin.CloneContent(in.Content),
	}
	if ancestor != nil && ancestor.Type == in.Type && contentEqual(ancestor.Content, in.Content) {
		sec.Revision = ancestor.Revision
	} else {
		sec.Revision = newID()
	}
	return sec, nil
}

func collectContentViolations(verr *ValidationError, key string, plugin ContentPlugin, content Content) {
	if err := plugin.ValidateContent(content); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			for _, v := range ve.Violations {
				v.SectionKey = key
				verr.add(v)
			}
			return
		}
		verr.add(Violation{SectionKey: key, Field: "content", Message: err.Error()})
	}
}

// checkPlacement enforces the placement invariant: publicContext is present
// iff the document lives outside a room, roomContext iff inside one.
func checkPlacement(roomID string, pub *PublicContext, room *RoomContext) error {
	verr := &ValidationError{}
	if roomID == "" {
		if pub == nil {
			verr.add(Violation{Field: "publicContext", Message: "publicContext is required for documents outside a room"})
		}
		if room != nil {
			verr.add(Violation{Field: "roomContext", Message: "roomContext must not be set for documents outside a room"})
		}
	} else {
		if room == nil {
			verr.add(Violation{Field: "roomContext", Message: "roomContext is required for documents inside a room"})
		}
		if pub != nil {
			verr.add(Violation{Field: "publicContext", Message: "publicContext must not be set for documents inside a room"})
		}
	}
	if verr.empty() {
		return nil
	}
	return verr
}
