package workflow

import (
	"fmt"

	"postline/internal/domain"
)

type EventType string

const (
	EventSubmitted        EventType = "submitted"
	EventResubmitted      EventType = "resubmitted"
	EventApprovalRecorded EventType = "approval_recorded"
	EventApproved         EventType = "approved"
	EventRejected         EventType = "rejected"
	EventReset            EventType = "reset"
	EventPublished        EventType = "published"
	EventArchived         EventType = "archived"
)

// Recipient addresses either a concrete user or, while a sign-off role has
// no bound approver yet, every holder of that role.
type Recipient struct {
	UserID string              `json:"user_id,omitempty"`
	Role   domain.ApproverRole `json:"role,omitempty"`
}

func (r Recipient) String() string {
	if r.UserID != "" {
		return r.UserID
	}
	return "role:" + string(r.Role)
}

// Event tells the notification collaborator that something happened and who
// should hear about it. Delivery is not decided here.
type Event struct {
	Type      EventType         `json:"type"`
	PostID    string            `json:"post_id"`
	PostTitle string            `json:"post_title"`
	ActorID   string            `json:"actor_id"`
	Recipient Recipient         `json:"recipient"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// Result is the outcome of every mutating operation. Changed is false when
// the operation turned out to be a no-op and Post is the input snapshot.
type Result struct {
	Post    domain.Post
	Events  []Event
	Changed bool
}

func toUser(id string) Recipient { return Recipient{UserID: id} }

func newEvent(t EventType, p domain.Post, actor Actor, to Recipient, msg string, kv ...string) Event {
	ctx := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		ctx[kv[i]] = kv[i+1]
	}
	if len(ctx) == 0 {
		ctx = nil
	}
	return Event{
		Type:      t,
		PostID:    p.ID,
		PostTitle: p.Title,
		ActorID:   actor.ID,
		Recipient: to,
		Message:   msg,
		Context:   ctx,
	}
}

// approverRecipients addresses each sign-off role: the bound approver when
// present, the role otherwise.
func approverRecipients(approvals []domain.Approval) []Recipient {
	out := make([]Recipient, 0, len(approvals))
	for _, a := range approvals {
		if a.ApproverID != nil {
			out = append(out, toUser(*a.ApproverID))
			continue
		}
		out = append(out, Recipient{Role: a.Role})
	}
	return out
}

func boundApprovers(approvals []domain.Approval) []string {
	var ids []string
	for _, a := range approvals {
		if a.ApproverID != nil {
			ids = append(ids, *a.ApproverID)
		}
	}
	return ids
}

func quoted(title string) string { return fmt.Sprintf("%q", title) }
