package docs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/docuroom/docuroom/internal/database"
	"github.com/docuroom/docuroom/internal/docs"
	"github.com/docuroom/docuroom/internal/locks"
	"github.com/docuroom/docuroom/internal/plugins"
	"github.com/docuroom/docuroom/internal/policy"
	"github.com/docuroom/docuroom/internal/rooms"
	"github.com/docuroom/docuroom/internal/storage"
	"github.com/docuroom/docuroom/pkg/metrics"
)

type fixture struct {
	engine      *docs.Engine
	revisions   *docs.MemoryRevisionStore
	projections *docs.MemoryProjectionStore
	rooms       *rooms.MemoryStore
	resources   *storage.MemoryResourceStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		revisions:   docs.NewMemoryRevisionStore(),
		projections: docs.NewMemoryProjectionStore(),
		rooms:       rooms.NewMemoryStore(),
		resources:   storage.NewMemoryResourceStore(),
	}
	f.engine = docs.NewEngine(docs.EngineDeps{
		Revisions:   f.revisions,
		Projections: f.projections,
		Orders:      docs.NewMemoryOrderSource(),
		Rooms:       f.rooms,
		Locks:       locks.NewMemoryManager(),
		Txn:         database.DirectTxnRunner{},
		Registry:    plugins.DefaultRegistry(),
		Policy:      policy.Default{},
		Resources:   f.resources,
	})
	return f
}

var (
	alice = docs.User{ID: "alice", DisplayName: "Alice"}
	bob   = docs.User{ID: "bob", DisplayName: "Bob"}
)

func TestCreateDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("First Doc", markdownSection("s1", "hello")), alice)
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)
	require.Equal(t, "First Doc", doc.Title)
	require.Equal(t, "alice", doc.CreatedBy)
	require.Equal(t, []string{"alice"}, doc.Contributors)

	history, err := f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, doc.Revision, history[0].ID)
	require.Equal(t, doc.Order, history[0].Order)

	require.True(t, f.resources.Has(storage.MediaPath(doc.ID)), "upload placeholder must exist after create")
}

func TestCreateDocument_InRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rooms.Put(&rooms.Room{ID: "room1", Owner: "alice", Members: []string{"bob"}})

	in := docs.RevisionInput{
		Title:       "Room Doc",
		Sections:    []docs.SectionInput{markdownSection("s1", "hi")},
		RoomID:      "room1",
		RoomContext: &docs.RoomContext{},
	}
	doc, err := f.engine.CreateDocument(ctx, in, bob)
	require.NoError(t, err)

	room, err := f.rooms.Get(ctx, "room1")
	require.NoError(t, err)
	require.Contains(t, room.Documents, doc.ID)
}

func TestCreateDocument_ForbiddenRollsBackPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rooms.Put(&rooms.Room{ID: "room1", Owner: "alice"})

	in := docs.RevisionInput{
		Title:       "Intruder Doc",
		Sections:    []docs.SectionInput{markdownSection("s1", "hi")},
		RoomID:      "room1",
		RoomContext: &docs.RoomContext{},
	}
	_, err := f.engine.CreateDocument(ctx, in, docs.User{ID: "mallory"})
	require.ErrorIs(t, err, docs.ErrForbidden)

	// the compensating action removed the placeholder again
	ids, err := f.projections.AllIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Zero(t, f.resources.Count())
}

func TestCreateDocument_ValidationFailure(t *testing.T) {
	f := newFixture(t)

	in := publicInput("Bad Doc", docs.SectionInput{Key: "s1", Type: "nope", Content: docs.Content{}})
	_, err := f.engine.CreateDocument(context.Background(), in, alice)
	require.True(t, docs.IsValidation(err))
	require.Zero(t, f.resources.Count(), "placeholder must be compensated on a failed create")
}

func TestCreateDocument_PlaceholderFailureDoesNotBlockSave(t *testing.T) {
	f := newFixture(t)
	f.resources.FailCreate = errors.New("object store unavailable")

	// the placeholder is best-effort housekeeping: its failure must not
	// block the first save
	doc, err := f.engine.CreateDocument(context.Background(), publicInput("Doc", markdownSection("s1", "a")), alice)
	require.NoError(t, err)
	require.Zero(t, f.resources.Count())

	got, err := f.engine.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Revision, got.Revision)
}

func TestCreateDocument_CompensationFailureKeepsOriginalError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rooms.Put(&rooms.Room{ID: "room1", Owner: "alice"})
	f.resources.FailDelete = errors.New("object store unavailable")

	in := docs.RevisionInput{
		Title:       "Intruder Doc",
		Sections:    []docs.SectionInput{markdownSection("s1", "hi")},
		RoomID:      "room1",
		RoomContext: &docs.RoomContext{},
	}
	_, err := f.engine.CreateDocument(ctx, in, docs.User{ID: "mallory"})

	// the failed cleanup must not mask the policy rejection
	require.ErrorIs(t, err, docs.ErrForbidden)
	require.Equal(t, 1, f.resources.Count(), "placeholder survives when its cleanup fails")
}

func TestUpdateDocument_WorkedExample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "a")), alice)
	require.NoError(t, err)
	rev1Section := doc.Sections[0]

	doc2, err := f.engine.UpdateDocument(ctx, doc.ID, publicInput("Doc", markdownSection("s1", "b")), bob)
	require.NoError(t, err)

	history, err := f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotEqual(t, rev1Section.Revision, history[1].Sections[0].Revision)
	require.Equal(t, rev1Section.Revision, history[0].Sections[0].Revision, "first revision must be untouched")

	// projection mirrors the latest revision
	require.Equal(t, history[1].ID, doc2.Revision)
	require.Equal(t, history[1].Sections, doc2.Sections)
	require.Equal(t, []string{"alice", "bob"}, doc2.Contributors)
}

func TestUpdateDocument_UntouchedSectionsKeepRevisionIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "a"), markdownSection("s2", "b")), alice)
	require.NoError(t, err)

	doc2, err := f.engine.UpdateDocument(ctx, doc.ID, publicInput("Doc", markdownSection("s1", "a"), markdownSection("s2", "changed")), alice)
	require.NoError(t, err)

	require.Equal(t, doc.Sections[0].Revision, doc2.Sections[0].Revision)
	require.NotEqual(t, doc.Sections[1].Revision, doc2.Sections[1].Revision)
}

func TestUpdateDocument_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.UpdateDocument(context.Background(), "missing", publicInput("Doc", markdownSection("s1", "a")), alice)
	require.ErrorIs(t, err, docs.ErrNotFound)
}

func TestRestoreRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "a"), markdownSection("s2", "same")), alice)
	require.NoError(t, err)
	history, err := f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	rev1 := history[0]

	_, err = f.engine.UpdateDocument(ctx, doc.ID, publicInput("Doc", markdownSection("s1", "b"), markdownSection("s2", "same")), bob)
	require.NoError(t, err)

	restored, err := f.engine.RestoreRevision(ctx, doc.ID, rev1.ID, alice)
	require.NoError(t, err)

	history, err = f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	head := history[2]
	require.Equal(t, rev1.ID, head.RestoredFrom)
	require.Equal(t, restored.Revision, head.ID)

	// s1 differs between target and the previous head: fresh revision id.
	// s2 is identical: id preserved.
	require.NotEqual(t, history[1].Sections[0].Revision, head.Sections[0].Revision)
	require.NotEqual(t, rev1.Sections[0].Revision, head.Sections[0].Revision)
	require.Equal(t, history[1].Sections[1].Revision, head.Sections[1].Revision)
	require.Equal(t, "a", head.Sections[0].Content["text"])
}

func TestRestoreRevision_HeadRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "a")), alice)
	require.NoError(t, err)

	_, err = f.engine.RestoreRevision(ctx, doc.ID, doc.Revision, alice)
	require.ErrorIs(t, err, docs.ErrConflict)

	_, err = f.engine.RestoreRevision(ctx, doc.ID, "no-such-revision", alice)
	require.ErrorIs(t, err, docs.ErrNotFound)
}

func TestHardDeleteSection_SingleRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "a")), alice)
	require.NoError(t, err)
	_, err = f.engine.UpdateDocument(ctx, doc.ID, publicInput("Doc", markdownSection("s1", "b")), alice)
	require.NoError(t, err)

	history, err := f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	targetSectionRev := history[1].Sections[0].Revision
	oldRevisionID := history[1].ID

	err = f.engine.HardDeleteSection(ctx, docs.HardDeleteSectionInput{
		DocumentID:      doc.ID,
		SectionKey:      "s1",
		SectionRevision: targetSectionRev,
		Reason:          "legal request",
	}, bob)
	require.NoError(t, err)

	history, err = f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// revision 1 untouched, revision 2 rewritten under a fresh _id with the
	// same order
	require.Equal(t, "a", history[0].Sections[0].Content["text"])
	require.Nil(t, history[0].Sections[0].DeletedOn)
	require.NotEqual(t, oldRevisionID, history[1].ID)
	require.Equal(t, int64(2), history[1].Order)
	require.Nil(t, history[1].Sections[0].Content)
	require.NotNil(t, history[1].Sections[0].DeletedOn)
	require.Equal(t, "bob", history[1].Sections[0].DeletedBy)
	require.Equal(t, "legal request", history[1].Sections[0].DeletedBecause)

	// projection follows the rewritten head
	got, err := f.engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, history[1].ID, got.Revision)
	require.Nil(t, got.Sections[0].Content)
}

func TestHardDeleteSection_AllRevisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in1 := publicInput("Doc",
		markdownSection("s1", "see cdn://media/d/a.png"),
		markdownSection("s2", "see cdn://media/d/keep.png"),
	)
	doc, err := f.engine.CreateDocument(ctx, in1, alice)
	require.NoError(t, err)
	in2 := publicInput("Doc",
		markdownSection("s1", "see cdn://media/d/b.png"),
		markdownSection("s2", "see cdn://media/d/keep.png"),
	)
	_, err = f.engine.UpdateDocument(ctx, doc.ID, in2, alice)
	require.NoError(t, err)

	err = f.engine.HardDeleteSection(ctx, docs.HardDeleteSectionInput{
		DocumentID:         doc.ID,
		SectionKey:         "s1",
		Reason:             "copyright",
		DeleteAllRevisions: true,
	}, bob)
	require.NoError(t, err)

	history, err := f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	for _, rev := range history {
		require.Nil(t, rev.Sections[0].Content)
		require.NotNil(t, rev.Sections[0].DeletedOn)
		// resources only reachable through s1 are gone, s2's remain
		require.Equal(t, []string{"cdn://media/d/keep.png"}, rev.CDNResources)
	}
}

func TestHardDeleteSection_NothingMatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "a")), alice)
	require.NoError(t, err)

	err = f.engine.HardDeleteSection(ctx, docs.HardDeleteSectionInput{
		DocumentID:      doc.ID,
		SectionKey:      "s1",
		SectionRevision: "bogus",
		Reason:          "r",
	}, alice)
	require.ErrorIs(t, err, docs.ErrNothingMatched)

	err = f.engine.HardDeleteSection(ctx, docs.HardDeleteSectionInput{
		DocumentID: "missing", SectionKey: "s1", Reason: "r", DeleteAllRevisions: true,
	}, alice)
	require.ErrorIs(t, err, docs.ErrNotFound)
}

func TestHardDeleteSection_RestoreCannotResurrect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "secret")), alice)
	require.NoError(t, err)
	_, err = f.engine.UpdateDocument(ctx, doc.ID, publicInput("Doc", markdownSection("s1", "public")), alice)
	require.NoError(t, err)

	err = f.engine.HardDeleteSection(ctx, docs.HardDeleteSectionInput{
		DocumentID: doc.ID, SectionKey: "s1", Reason: "secret leak", DeleteAllRevisions: true,
	}, alice)
	require.NoError(t, err)

	history, err := f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)

	restored, err := f.engine.RestoreRevision(ctx, doc.ID, history[0].ID, alice)
	require.NoError(t, err)
	require.Nil(t, restored.Sections[0].Content, "restore must not bring redacted content back")
	require.NotNil(t, restored.Sections[0].DeletedOn)
}

func TestHardDeleteDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rooms.Put(&rooms.Room{ID: "room1", Owner: "alice"})

	in := docs.RevisionInput{
		Title:       "Doomed",
		Sections:    []docs.SectionInput{markdownSection("s1", "x")},
		RoomID:      "room1",
		RoomContext: &docs.RoomContext{},
	}
	doc, err := f.engine.CreateDocument(ctx, in, alice)
	require.NoError(t, err)
	require.True(t, f.resources.Has(storage.MediaPath(doc.ID)))

	require.NoError(t, f.engine.HardDeleteDocument(ctx, doc.ID))

	_, err = f.engine.GetDocument(ctx, doc.ID)
	require.ErrorIs(t, err, docs.ErrNotFound)
	_, err = f.engine.GetRevisions(ctx, doc.ID)
	require.ErrorIs(t, err, docs.ErrNotFound)

	room, err := f.rooms.Get(ctx, "room1")
	require.NoError(t, err)
	require.NotContains(t, room.Documents, doc.ID)
	require.False(t, f.resources.Has(storage.MediaPath(doc.ID)))
}

func TestRegenerateDocument_RepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "a")), alice)
	require.NoError(t, err)

	// corrupt the projection
	broken := *doc
	broken.Title = "Drifted"
	broken.Revision = "wrong"
	require.NoError(t, f.projections.Save(ctx, &broken))

	fixed, err := f.engine.RegenerateDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Revision, fixed.Revision)
	require.Equal(t, "Doc", fixed.Title)
}

// countingRevisionStore spies on consolidation writes.
type countingRevisionStore struct {
	*docs.MemoryRevisionStore
	mu     sync.Mutex
	writes int
}

func (s *countingRevisionStore) SaveCDNResources(ctx context.Context, revisionID string, resources []string) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.MemoryRevisionStore.SaveCDNResources(ctx, revisionID, resources)
}

type countingProjectionStore struct {
	*docs.MemoryProjectionStore
	mu     sync.Mutex
	writes int
}

func (s *countingProjectionStore) Save(ctx context.Context, doc *docs.Document) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.MemoryProjectionStore.Save(ctx, doc)
}

func TestConsolidateCDNResources_Idempotent(t *testing.T) {
	revs := &countingRevisionStore{MemoryRevisionStore: docs.NewMemoryRevisionStore()}
	projs := &countingProjectionStore{MemoryProjectionStore: docs.NewMemoryProjectionStore()}
	engine := docs.NewEngine(docs.EngineDeps{
		Revisions:   revs,
		Projections: projs,
		Orders:      docs.NewMemoryOrderSource(),
		Rooms:       rooms.NewMemoryStore(),
		Locks:       locks.NewMemoryManager(),
		Txn:         database.DirectTxnRunner{},
		Registry:    plugins.DefaultRegistry(),
		Policy:      policy.AllowAll{},
		Resources:   storage.NewMemoryResourceStore(),
	})
	ctx := context.Background()

	doc, err := engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "cdn://media/d/a.png")), alice)
	require.NoError(t, err)

	// simulate drift from an older extraction pass
	require.NoError(t, revs.MemoryRevisionStore.SaveCDNResources(ctx, doc.Revision, []string{"cdn://media/stale.png"}))

	revs.writes, projs.writes = 0, 0
	require.NoError(t, engine.ConsolidateCDNResources(ctx, doc.ID))
	require.Equal(t, 1, revs.writes, "drifted revision must be rewritten")

	revs.writes, projs.writes = 0, 0
	require.NoError(t, engine.ConsolidateCDNResources(ctx, doc.ID))
	require.Zero(t, revs.writes, "second run must perform zero revision writes")
	require.Zero(t, projs.writes, "second run must perform zero projection writes")
}

func TestConcurrentUpdates_Serialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "base")), alice)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, text := range []string{"from A", "from B"} {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			_, errs[i] = f.engine.UpdateDocument(ctx, doc.ID, publicInput("Doc", markdownSection("s1", text)), bob)
		}(i, text)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	history, err := f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 3, "exactly two new revisions, none lost")
	require.Less(t, history[0].Order, history[1].Order)
	require.Less(t, history[1].Order, history[2].Order)

	got, err := f.engine.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, history[2].ID, got.Revision)
	require.Equal(t, history[2].Sections, got.Sections)
}

func TestValidateDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.engine.CreateDocument(ctx, publicInput("Doc", markdownSection("s1", "a")), alice)
	require.NoError(t, err)

	report, err := f.engine.ValidateDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, report.OK())
	require.NoError(t, report.Err())

	// projection drift is recoverable
	broken := *doc
	broken.Revision = "wrong"
	require.NoError(t, f.projections.Save(ctx, &broken))
	report, err = f.engine.ValidateDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.False(t, report.Irrecoverable)
	require.False(t, docs.IsIrrecoverable(report.Err()))

	// broken history data is not
	history, err := f.engine.GetRevisions(ctx, doc.ID)
	require.NoError(t, err)
	bad := history[0]
	bad.Sections[0].Type = "hologram"
	require.NoError(t, f.revisions.DeleteByIDs(ctx, []string{bad.ID}))
	require.NoError(t, f.revisions.Insert(ctx, &bad))
	report, err = f.engine.ValidateDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, report.Irrecoverable)
	require.True(t, docs.IsIrrecoverable(report.Err()))

	_, err = f.engine.ValidateDocument(ctx, "missing")
	require.ErrorIs(t, err, docs.ErrNotFound)
}

func TestEngineDurationsUseWallClock(t *testing.T) {
	// a clock override pins record timestamps, not the duration metric
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	engine := docs.NewEngine(docs.EngineDeps{
		Revisions:   docs.NewMemoryRevisionStore(),
		Projections: docs.NewMemoryProjectionStore(),
		Orders:      docs.NewMemoryOrderSource(),
		Rooms:       rooms.NewMemoryStore(),
		Locks:       locks.NewMemoryManager(),
		Txn:         database.DirectTxnRunner{},
		Registry:    plugins.DefaultRegistry(),
		Policy:      policy.AllowAll{},
		Resources:   storage.NewMemoryResourceStore(),
		Now:         func() time.Time { return past },
	})

	doc, err := engine.CreateDocument(context.Background(), publicInput("Doc", markdownSection("s1", "a")), alice)
	require.NoError(t, err)
	require.Equal(t, past, doc.CreatedOn)

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.EngineOpDuration)
	mfs, err := reg.Gather()
	require.NoError(t, err)

	found := false
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != "docuroom_engine_operation_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "operation" && lp.GetValue() == "create" {
					found = true
					sum = m.GetHistogram().GetSampleSum()
				}
			}
		}
	}
	require.True(t, found, "create duration histogram not observed")
	require.Less(t, sum, 3600.0, "duration must be measured on the wall clock, not the record clock")
}
