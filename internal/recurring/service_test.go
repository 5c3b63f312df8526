package recurring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/homeledger/internal/ledger"
)

type mockTemplateStore struct {
	templates map[string]*Template
	updates   []bookkeepingUpdate
	updateErr error
}

type bookkeepingUpdate struct {
	id              string
	expectedVersion int64
	lastGenerated   time.Time
	totalGenerated  int
}

func newMockTemplateStore(templates ...*Template) *mockTemplateStore {
	m := &mockTemplateStore{templates: make(map[string]*Template)}
	for _, t := range templates {
		m.templates[t.ID] = t
	}
	return m
}

func (m *mockTemplateStore) SaveTemplate(_ context.Context, t *Template) error {
	m.templates[t.ID] = t
	return nil
}

func (m *mockTemplateStore) Template(_ context.Context, id string) (*Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, &TemplateNotFoundError{TemplateID: id}
	}
	cp := *t
	return &cp, nil
}

func (m *mockTemplateStore) Templates(_ context.Context) ([]*Template, error) {
	var out []*Template
	for _, t := range m.templates {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockTemplateStore) UpdateBookkeeping(_ context.Context, id string, expectedVersion int64, lastGenerated time.Time, totalGenerated int) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, bookkeepingUpdate{id, expectedVersion, lastGenerated, totalGenerated})
	t := m.templates[id]
	t.LastGenerated = lastGenerated
	t.TotalGenerated = totalGenerated
	t.Version++
	return nil
}

type mockPoster struct {
	posted []*ledger.JournalEntry
	drafts []*ledger.JournalEntry
}

func (m *mockPoster) PostEntry(_ context.Context, entry *ledger.JournalEntry) error {
	entry.Status = ledger.StatusPosted
	m.posted = append(m.posted, entry)
	return nil
}

func (m *mockPoster) SaveDraft(_ context.Context, entry *ledger.JournalEntry) error {
	m.drafts = append(m.drafts, entry)
	return nil
}

func (m *mockPoster) TemplateDrafts(_ context.Context, templateID string) ([]*ledger.JournalEntry, error) {
	var out []*ledger.JournalEntry
	for _, e := range m.drafts {
		if e.TemplateID == templateID && e.Status == ledger.StatusDraft {
			out = append(out, e)
		}
	}
	return out, nil
}

func fixedToday(d time.Time) func() time.Time {
	return func() time.Time { return d }
}

func TestEntryFromTemplateDueAndFuture(t *testing.T) {
	tpl := monthlyTemplate(t, 1)
	today := date(2024, time.February, 1)

	due, err := EntryFromTemplate(tpl, date(2024, time.February, 1), today)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, due.Status)
	assert.Equal(t, tpl.ID, due.TemplateID)
	require.Len(t, due.Distributions, 2)
	// Multiplier and debit/credit are derived at materialization time.
	assert.Equal(t, 1, due.Distributions[0].Multiplier)
	assert.Equal(t, ledger.Debit, due.Distributions[0].DC)
	assert.Equal(t, -1, due.Distributions[1].Multiplier)
	assert.Equal(t, ledger.Credit, due.Distributions[1].DC)
	assert.True(t, due.IsBalanced())

	future, err := EntryFromTemplate(tpl, date(2024, time.March, 1), today)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDraft, future.Status)
}

func TestMaterializePostsDueAndDraftsFuture(t *testing.T) {
	tpl := monthlyTemplate(t, 1)
	store := newMockTemplateStore(tpl)
	poster := &mockPoster{}
	svc := NewService(store, poster, nil)
	svc.today = fixedToday(date(2024, time.February, 15))

	res, err := svc.Materialize(context.Background(), tpl.ID, date(2024, time.January, 1), date(2024, time.March, 31))
	require.NoError(t, err)

	// Jan 1 and Feb 1 are due, Mar 1 is still in the future.
	require.Len(t, res.Posted, 2)
	require.Len(t, res.Drafts, 1)
	assert.Equal(t, date(2024, time.January, 1), res.Posted[0].Date)
	assert.Equal(t, date(2024, time.February, 1), res.Posted[1].Date)
	assert.Equal(t, date(2024, time.March, 1), res.Drafts[0].Date)
	assert.Len(t, poster.posted, 2)
	assert.Len(t, poster.drafts, 1)

	require.Len(t, store.updates, 1)
	assert.Equal(t, int64(0), store.updates[0].expectedVersion)
	assert.Equal(t, date(2024, time.March, 1), store.updates[0].lastGenerated)
	assert.Equal(t, 3, store.updates[0].totalGenerated)
}

func TestMaterializePostsStoredDraftOnceDue(t *testing.T) {
	tpl := monthlyTemplate(t, 1)
	store := newMockTemplateStore(tpl)
	poster := &mockPoster{}
	svc := NewService(store, poster, nil)
	svc.today = fixedToday(date(2024, time.January, 15))

	res, err := svc.Materialize(context.Background(), tpl.ID, date(2024, time.January, 1), date(2024, time.February, 28))
	require.NoError(t, err)
	require.Len(t, res.Posted, 1)
	require.Len(t, res.Drafts, 1)
	draftID := res.Drafts[0].ID

	// Time moves past the draft's date; the same window generates nothing
	// new, but the stored draft must now reach the ledger.
	svc.today = fixedToday(date(2024, time.February, 2))
	res, err = svc.Materialize(context.Background(), tpl.ID, date(2024, time.January, 1), date(2024, time.February, 28))
	require.NoError(t, err)
	require.Len(t, res.Posted, 1)
	assert.Equal(t, draftID, res.Posted[0].ID)
	assert.Equal(t, ledger.StatusPosted, res.Posted[0].Status)
	assert.Empty(t, res.Drafts)
	assert.Len(t, poster.posted, 2)
	require.Len(t, store.updates, 1, "posting a stored draft generates nothing new")

	// A third run finds no draft left to post.
	res, err = svc.Materialize(context.Background(), tpl.ID, date(2024, time.January, 1), date(2024, time.February, 28))
	require.NoError(t, err)
	assert.Empty(t, res.Posted)
}

func TestMaterializeSkipsAlreadyGenerated(t *testing.T) {
	tpl := monthlyTemplate(t, 1)
	tpl.LastGenerated = date(2024, time.February, 1)
	tpl.TotalGenerated = 2
	store := newMockTemplateStore(tpl)
	poster := &mockPoster{}
	svc := NewService(store, poster, nil)
	svc.today = fixedToday(date(2024, time.April, 15))

	res, err := svc.Materialize(context.Background(), tpl.ID, date(2024, time.January, 1), date(2024, time.March, 31))
	require.NoError(t, err)

	require.Len(t, res.Posted, 1)
	assert.Equal(t, date(2024, time.March, 1), res.Posted[0].Date)
	require.Len(t, store.updates, 1)
	assert.Equal(t, 3, store.updates[0].totalGenerated)
}

func TestMaterializeNothingNewSkipsBookkeeping(t *testing.T) {
	tpl := monthlyTemplate(t, 1)
	tpl.LastGenerated = date(2024, time.March, 1)
	store := newMockTemplateStore(tpl)
	poster := &mockPoster{}
	svc := NewService(store, poster, nil)

	res, err := svc.Materialize(context.Background(), tpl.ID, date(2024, time.January, 1), date(2024, time.March, 31))
	require.NoError(t, err)
	assert.Empty(t, res.Posted)
	assert.Empty(t, res.Drafts)
	assert.Empty(t, store.updates, "no generation means no version bump")
}

func TestMaterializeInactiveTemplate(t *testing.T) {
	tpl := monthlyTemplate(t, 1)
	tpl.Active = false
	store := newMockTemplateStore(tpl)
	poster := &mockPoster{}
	svc := NewService(store, poster, nil)

	res, err := svc.Materialize(context.Background(), tpl.ID, date(2024, time.January, 1), date(2024, time.March, 31))
	require.NoError(t, err)
	assert.Empty(t, res.Posted)
	assert.Empty(t, poster.posted)
}

func TestMaterializeUnknownTemplate(t *testing.T) {
	svc := NewService(newMockTemplateStore(), &mockPoster{}, nil)
	_, err := svc.Materialize(context.Background(), "missing", date(2024, time.January, 1), date(2024, time.March, 31))
	var notFound *TemplateNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestMaterializeBookkeepingConflictSurfaces(t *testing.T) {
	tpl := monthlyTemplate(t, 1)
	store := newMockTemplateStore(tpl)
	store.updateErr = &ledger.VersionConflictError{AccountID: tpl.ID, Expected: 0, Found: 1}
	svc := NewService(store, &mockPoster{}, nil)
	svc.today = fixedToday(date(2024, time.April, 15))

	_, err := svc.Materialize(context.Background(), tpl.ID, date(2024, time.January, 1), date(2024, time.March, 31))
	var conflict *ledger.VersionConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestMaterializeAll(t *testing.T) {
	active := monthlyTemplate(t, 1)
	inactive := monthlyTemplate(t, 1)
	inactive.Active = false
	store := newMockTemplateStore(active, inactive)
	poster := &mockPoster{}
	svc := NewService(store, poster, nil)
	svc.today = fixedToday(date(2024, time.April, 15))

	results, err := svc.MaterializeAll(context.Background(), date(2024, time.January, 1), date(2024, time.February, 28))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, active.ID, results[0].TemplateID)
	assert.Len(t, poster.posted, 2)
}
