package collection

import "time"

// Status is the workflow state of a collection case.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusSettled    Status = "settled"
	StatusClosed     Status = "closed"
	StatusLegal      Status = "legal"
	StatusWrittenOff Status = "written_off"
)

// Active reports whether the status counts toward the one-active-case-per-loan rule.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress || s == StatusLegal
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusSettled, StatusClosed, StatusLegal, StatusWrittenOff:
		return true
	default:
		return false
	}
}

// Flags are the agent-settable booleans on a case.
type Flags struct {
	DisputeActive bool
	Vulnerability bool
	DoNotContact  bool
	Hardship      bool
}

// FlagPatch carries optional flag updates; nil fields are left unchanged.
type FlagPatch struct {
	DisputeActive *bool
	Vulnerability *bool
	DoNotContact  *bool
	Hardship      *bool
}

// Apply returns f with the non-nil fields of p applied.
func (p FlagPatch) Apply(f Flags) Flags {
	if p.DisputeActive != nil {
		f.DisputeActive = *p.DisputeActive
	}
	if p.Vulnerability != nil {
		f.Vulnerability = *p.Vulnerability
	}
	if p.DoNotContact != nil {
		f.DoNotContact = *p.DoNotContact
	}
	if p.Hardship != nil {
		f.Hardship = *p.Hardship
	}
	return f
}

// Empty reports whether the patch changes nothing.
func (p FlagPatch) Empty() bool {
	return p.DisputeActive == nil && p.Vulnerability == nil && p.DoNotContact == nil && p.Hardship == nil
}

// Recommendation is the cached next-best-action output stored on the case.
type Recommendation struct {
	Action     string
	Confidence float64
	Reasoning  string
	At         *time.Time
}

// Case mirrors the collection_cases table. Amounts are in currency minor units.
type Case struct {
	ID              string
	LoanID          string
	Jurisdiction    string
	DPD             int
	OverdueMinor    int64
	Stage           Stage
	LastPaymentDate *time.Time

	Status          Status
	AssignedAgentID *string
	Flags           Flags

	PriorityScore  float64
	Recommendation Recommendation

	FirstContactAt       *time.Time
	LastContactAt        *time.Time
	FirstContactDeadline *time.Time
	NextContactDeadline  *time.Time
	ClosedAt             *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Version              int64
}

// Contacted reports whether any contact has been logged on the case.
func (c Case) Contacted() bool {
	return c.FirstContactAt != nil
}

// Channel identifies how a borrower was (or will be) contacted.
type Channel string

const (
	ChannelPhone    Channel = "phone"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelField    Channel = "field"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPhone, ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelField:
		return true
	default:
		return false
	}
}

// Contact is a single logged contact attempt.
type Contact struct {
	ID          string
	CaseID      string
	Channel     Channel
	Outcome     string
	AgentID     *string
	Notes       *string
	ContactedAt time.Time
}

// Event types written to case_events.
const (
	EventCaseOpened              = "CASE_OPENED"
	EventCaseUpdated             = "CASE_UPDATED"
	EventStatusChanged           = "STATUS_CHANGED"
	EventFlagsChanged            = "FLAGS_CHANGED"
	EventAgentAssigned           = "AGENT_ASSIGNED"
	EventContactRecorded         = "CONTACT_RECORDED"
	EventNBAOverridden           = "NBA_OVERRIDDEN"
	EventPromiseCreated          = "PROMISE_CREATED"
	EventPromiseKept             = "PROMISE_KEPT"
	EventPromiseBroken           = "PROMISE_BROKEN"
	EventSettlementCreated       = "SETTLEMENT_CREATED"
	EventSettlementStatusChanged = "SETTLEMENT_STATUS_CHANGED"
	EventMessageDispatched       = "MESSAGE_DISPATCHED"
	EventDeliveryFailed          = "DELIVERY_FAILED"
)

// OutboxTopicStatusChanged is published whenever a case changes status.
const OutboxTopicStatusChanged = "case.status_changed"

// Event is an immutable audit record for a case.
type Event struct {
	ID        int64
	CaseID    string
	Type      string
	ActorID   *string
	Payload   map[string]any
	CreatedAt time.Time
}

// Filters narrow the work queue.
type Filters struct {
	Status          Status
	Stage           Stage
	AssignedAgentID string
	Jurisdiction    string
	MinPriority     float64
	Page            int
	PageSize        int
	SortKey         string
	SortOrder       string
}
