package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies an event class.
type Type string

const (
	TypeJournalEntryPosted Type = "journal_entry.posted"
	TypeEnvelopeUpdated    Type = "envelope.updated"
)

// DistributionRef is the per-line payload of a posting event.
type DistributionRef struct {
	AccountID string          `json:"account_id"`
	Flow      string          `json:"flow_direction"`
	Amount    decimal.Decimal `json:"amount"`
}

// JournalEntryPosted is emitted once per successfully posted entry.
type JournalEntryPosted struct {
	EntryID       string            `json:"entry_id"`
	Distributions []DistributionRef `json:"distributions"`
}

// EnvelopeUpdated is emitted once per envelope touched by a posting or an
// allocation run.
type EnvelopeUpdated struct {
	EnvelopeID    string          `json:"envelope_id"`
	EnvelopeType  string          `json:"envelope_type"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// Event is the envelope handed to subscribers.
type Event struct {
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher delivers events to read-side consumers (forecasting, reporting,
// insights). Implementations must not mutate the payload.
type Publisher interface {
	Publish(event Event)
}

// Dispatcher is an in-process publisher with explicit subscriptions. It is
// injected where needed; there is no package-level bus.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   []func(Event)
	logger *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Subscribe registers a handler for all events.
func (d *Dispatcher) Subscribe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

// Publish delivers the event to every subscriber in registration order.
func (d *Dispatcher) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	d.mu.RLock()
	subs := make([]func(Event), len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
	d.logger.Debug("event_published", "type", string(event.Type))
}

// MarshalPayload renders the event payload as JSON for sinks that persist
// events opaquely.
func MarshalPayload(event Event) string {
	b, err := json.Marshal(event.Payload)
	if err != nil {
		return ""
	}
	return string(b)
}
