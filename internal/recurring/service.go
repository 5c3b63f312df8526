package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/homeledger/internal/ledger"
)

// TemplateStore persists recurrence templates. UpdateBookkeeping enforces
// optimistic versioning so two overlapping scheduled runs cannot both
// generate the same occurrences.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, t *Template) error
	Template(ctx context.Context, id string) (*Template, error)
	Templates(ctx context.Context) ([]*Template, error)
	UpdateBookkeeping(ctx context.Context, id string, expectedVersion int64, lastGenerated time.Time, totalGenerated int) error
}

// EntryPoster is how materialized entries reach the ledger: due occurrences
// are posted, future ones saved as provisional drafts. TemplateDrafts reads
// a template's stored drafts back so a later run can post the ones whose
// date has since arrived.
type EntryPoster interface {
	PostEntry(ctx context.Context, entry *ledger.JournalEntry) error
	SaveDraft(ctx context.Context, entry *ledger.JournalEntry) error
	TemplateDrafts(ctx context.Context, templateID string) ([]*ledger.JournalEntry, error)
}

// Service expands recurrence templates into concrete journal entries.
type Service struct {
	store  TemplateStore
	poster EntryPoster
	logger *slog.Logger
	today  func() time.Time
}

// NewService creates a recurring transaction service.
func NewService(store TemplateStore, poster EntryPoster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		poster: poster,
		logger: logger,
		today:  func() time.Time { return midnightUTC(time.Now().UTC()) },
	}
}

// EntryFromTemplate instantiates one journal entry for the given occurrence
// date. Multiplier and debit/credit are derived fresh from each line's
// account type and flow; stored values are never trusted. A due occurrence
// comes back pending, ready for immediate posting; a future one comes back
// draft and must not reach the ledger until its date arrives.
func EntryFromTemplate(t *Template, occurrenceDate, today time.Time) (*ledger.JournalEntry, error) {
	entry := &ledger.JournalEntry{
		ID:             uuid.NewString(),
		Date:           occurrenceDate,
		Description:    t.Description,
		Status:         ledger.StatusDraft,
		TemplateID:     t.ID,
		AllowOverspend: t.AllowOverspend,
		CreatedAt:      time.Now().UTC(),
	}
	for _, line := range t.Lines {
		d, err := ledger.NewDistribution(line.AccountID, line.AccountType, line.Flow, line.Amount)
		if err != nil {
			return nil, fmt.Errorf("template %s line for account %s: %w", t.ID, line.AccountID, err)
		}
		d.BudgetEnvelopeID = line.BudgetEnvelopeID
		d.PaymentEnvelopeID = line.PaymentEnvelopeID
		d.Memo = line.Memo
		entry.Distributions = append(entry.Distributions, d)
	}
	if !occurrenceDate.After(midnightUTC(today)) {
		entry.Status = ledger.StatusPending
	}
	return entry, nil
}

// MaterializeResult reports what one expansion run produced.
type MaterializeResult struct {
	TemplateID string                 `json:"template_id"`
	Posted     []*ledger.JournalEntry `json:"posted"`
	Drafts     []*ledger.JournalEntry `json:"drafts"`
}

// Materialize expands one template over the window, posting due occurrences
// and saving future ones as drafts. Drafts stored by earlier runs whose date
// has since arrived are posted first, so a generated occurrence never stays
// a draft past its date. Occurrences up to and including the template's last
// generated date are skipped, and the bookkeeping update carries the version
// observed at read time: a concurrent run loses the version race and
// generates nothing twice.
func (s *Service) Materialize(ctx context.Context, templateID string, windowStart, windowEnd time.Time) (*MaterializeResult, error) {
	t, err := s.store.Template(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return &MaterializeResult{TemplateID: t.ID}, nil
	}

	dates, err := t.OccurrenceDates(windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	today := s.today()
	result := &MaterializeResult{TemplateID: t.ID}

	stored, err := s.poster.TemplateDrafts(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	for _, draft := range stored {
		if draft.Date.After(today) {
			continue
		}
		if err := draft.Transition(ledger.StatusPending); err != nil {
			return nil, err
		}
		if err := s.poster.PostEntry(ctx, draft); err != nil {
			return nil, fmt.Errorf("failed to post stored draft %s of template %s: %w", draft.ID, t.ID, err)
		}
		result.Posted = append(result.Posted, draft)
	}

	lastGenerated := t.LastGenerated
	generated := 0
	for _, date := range dates {
		if !t.LastGenerated.IsZero() && !date.After(t.LastGenerated) {
			continue
		}
		entry, err := EntryFromTemplate(t, date, today)
		if err != nil {
			return nil, err
		}
		if entry.Status == ledger.StatusPending {
			if err := s.poster.PostEntry(ctx, entry); err != nil {
				return nil, fmt.Errorf("failed to post occurrence %s of template %s: %w", date.Format("2006-01-02"), t.ID, err)
			}
			result.Posted = append(result.Posted, entry)
		} else {
			if err := s.poster.SaveDraft(ctx, entry); err != nil {
				return nil, fmt.Errorf("failed to save draft occurrence %s of template %s: %w", date.Format("2006-01-02"), t.ID, err)
			}
			result.Drafts = append(result.Drafts, entry)
		}
		generated++
		lastGenerated = date
	}

	if generated > 0 {
		if err := s.store.UpdateBookkeeping(ctx, t.ID, t.Version, lastGenerated, t.TotalGenerated+generated); err != nil {
			return nil, err
		}
		s.logger.Info("template_materialized",
			"template_id", t.ID,
			"posted", len(result.Posted),
			"drafts", len(result.Drafts),
			"last_generated", lastGenerated.Format("2006-01-02"),
		)
	}
	return result, nil
}

// MaterializeAll runs Materialize for every active template.
func (s *Service) MaterializeAll(ctx context.Context, windowStart, windowEnd time.Time) ([]*MaterializeResult, error) {
	templates, err := s.store.Templates(ctx)
	if err != nil {
		return nil, err
	}
	var results []*MaterializeResult
	for _, t := range templates {
		if !t.Active {
			continue
		}
		res, err := s.Materialize(ctx, t.ID, windowStart, windowEnd)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// PosterFuncs adapts plain functions to the EntryPoster interface.
type PosterFuncs struct {
	Post   func(ctx context.Context, entry *ledger.JournalEntry) error
	Draft  func(ctx context.Context, entry *ledger.JournalEntry) error
	Drafts func(ctx context.Context, templateID string) ([]*ledger.JournalEntry, error)
}

func (p PosterFuncs) PostEntry(ctx context.Context, entry *ledger.JournalEntry) error {
	return p.Post(ctx, entry)
}

func (p PosterFuncs) SaveDraft(ctx context.Context, entry *ledger.JournalEntry) error {
	return p.Draft(ctx, entry)
}

func (p PosterFuncs) TemplateDrafts(ctx context.Context, templateID string) ([]*ledger.JournalEntry, error) {
	return p.Drafts(ctx, templateID)
}
