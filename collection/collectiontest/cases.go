package collectiontest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"collections/collection"
)

// OutboxMessage is a captured outbox row.
type OutboxMessage struct {
	Topic   string
	Payload map[string]any
}

// Cases is an in-memory collection.Repository that enforces versioning and the
// one-active-case-per-loan rule like the real schema does.
type Cases struct {
	mu       sync.Mutex
	cases    map[string]collection.Case
	order    []string
	contacts []collection.Contact
	events   []collection.Event
	outbox   []OutboxMessage
	nextID   int64
	now      func() time.Time

	// BeforeUpdate runs before every Update; a non-nil error aborts it.
	BeforeUpdate func(c collection.Case) error
}

var _ collection.Repository = (*Cases)(nil)

func NewCases(now func() time.Time) *Cases {
	if now == nil {
		now = time.Now
	}
	return &Cases{cases: map[string]collection.Case{}, now: now}
}

// Seed stores c as-is, defaulting Version to 1.
func (r *Cases) Seed(c collection.Case) collection.Case {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if _, ok := r.cases[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.cases[c.ID] = c
	return c
}

func (r *Cases) Get(_ context.Context, id string) (collection.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok {
		return collection.Case{}, collection.ErrNotFound
	}
	return c, nil
}

func (r *Cases) ListTracked(context.Context) ([]collection.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := map[string]collection.Case{}
	for _, id := range r.order {
		c := r.cases[id]
		if cur, ok := latest[c.LoanID]; !ok || !c.CreatedAt.Before(cur.CreatedAt) {
			latest[c.LoanID] = c
		}
	}
	out := make([]collection.Case, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out, nil
}

func (r *Cases) List(_ context.Context, f collection.Filters) ([]collection.Case, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []collection.Case
	for _, id := range r.order {
		c := r.cases[id]
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Status == "" && !c.Status.Active() {
			continue
		}
		if f.Stage != "" && c.Stage != f.Stage {
			continue
		}
		if f.AssignedAgentID != "" && (c.AssignedAgentID == nil || *c.AssignedAgentID != f.AssignedAgentID) {
			continue
		}
		if f.Jurisdiction != "" && c.Jurisdiction != f.Jurisdiction {
			continue
		}
		if c.PriorityScore < f.MinPriority {
			continue
		}
		matched = append(matched, c)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].PriorityScore != matched[j].PriorityScore {
			return matched[i].PriorityScore > matched[j].PriorityScore
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	page, size := f.Page, f.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	if start >= total {
		return []collection.Case{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *Cases) Insert(_ context.Context, tx pgx.Tx, c collection.Case) (collection.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Status.Active() && r.activeLoanTaken(c.LoanID, c.ID) {
		return collection.Case{}, collection.ErrActiveCaseExists
	}
	now := r.now()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	r.cases[c.ID] = c
	r.order = append(r.order, c.ID)
	id := c.ID
	OnRollback(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.cases, id)
		for i, o := range r.order {
			if o == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	})
	return c, nil
}

func (r *Cases) Update(_ context.Context, tx pgx.Tx, c collection.Case) (collection.Case, error) {
	if r.BeforeUpdate != nil {
		if err := r.BeforeUpdate(c); err != nil {
			return collection.Case{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.cases[c.ID]
	if !ok {
		return collection.Case{}, collection.ErrNotFound
	}
	if stored.Version != c.Version {
		return collection.Case{}, &collection.ConflictError{CaseID: c.ID, ExpectedVersion: c.Version}
	}
	if c.Status.Active() && r.activeLoanTaken(c.LoanID, c.ID) {
		return collection.Case{}, collection.ErrActiveCaseExists
	}
	c.Version = stored.Version + 1
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = r.now()
	r.cases[c.ID] = c
	OnRollback(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cases[stored.ID] = stored
	})
	return c, nil
}

func (r *Cases) activeLoanTaken(loanID, exceptID string) bool {
	for id, other := range r.cases {
		if id != exceptID && other.LoanID == loanID && other.Status.Active() {
			return true
		}
	}
	return false
}

func (r *Cases) InsertContact(_ context.Context, tx pgx.Tx, contact collection.Contact) (collection.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts = append(r.contacts, contact)
	id := contact.ID
	OnRollback(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, c := range r.contacts {
			if c.ID == id {
				r.contacts = append(r.contacts[:i], r.contacts[i+1:]...)
				break
			}
		}
	})
	return contact, nil
}

func (r *Cases) ContactsSince(_ context.Context, caseID string, since time.Time) ([]collection.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []collection.Contact
	for _, c := range r.contacts {
		if c.CaseID == caseID && !c.ContactedAt.Before(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactedAt.Before(out[j].ContactedAt) })
	return out, nil
}

func (r *Cases) AppendEvent(_ context.Context, tx pgx.Tx, ev collection.Event) (collection.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ev.ID = r.nextID
	ev.CreatedAt = r.now()
	r.events = append(r.events, ev)
	id := ev.ID
	OnRollback(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.events {
			if e.ID == id {
				r.events = append(r.events[:i], r.events[i+1:]...)
				break
			}
		}
	})
	return ev, nil
}

func (r *Cases) Events(_ context.Context, caseID string, limit int) ([]collection.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []collection.Event
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].CaseID == caseID {
			out = append(out, r.events[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Cases) OverrideStats(_ context.Context, since time.Time) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	overridden := map[string]bool{}
	for _, e := range r.events {
		if e.Type == collection.EventNBAOverridden && !e.CreatedAt.Before(since) {
			overridden[e.CaseID] = true
		}
	}
	recommended := 0
	for _, c := range r.cases {
		if c.Recommendation.Action != "" && (c.ClosedAt == nil || !c.ClosedAt.Before(since)) {
			recommended++
		}
	}
	return len(overridden), recommended, nil
}

func (r *Cases) EnqueueOutbox(_ context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox = append(r.outbox, OutboxMessage{Topic: topic, Payload: payload})
	n := len(r.outbox)
	OnRollback(tx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.outbox) >= n {
			r.outbox = append(r.outbox[:n-1], r.outbox[n:]...)
		}
	})
	return nil
}

// EventsOfType returns committed-or-pending events of one type, oldest first.
func (r *Cases) EventsOfType(eventType string) []collection.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []collection.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Outbox returns every enqueued message.
func (r *Cases) Outbox() []OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OutboxMessage(nil), r.outbox...)
}

// Contacts returns every stored contact.
func (r *Cases) Contacts() []collection.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]collection.Contact(nil), r.contacts...)
}

// All returns every stored case in insertion order.
func (r *Cases) All() []collection.Case {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]collection.Case, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.cases[id])
	}
	return out
}
