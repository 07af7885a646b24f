package workflow

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"postline/internal/domain"
)

// Audit event names.
const (
	AuditPostCreated      = "post.created"
	AuditPostEdited       = "post.edited"
	AuditCardAdded        = "card.added"
	AuditCardRemoved      = "card.removed"
	AuditCardDuplicated   = "card.duplicated"
	AuditCardEdited       = "card.edited"
	AuditCardsReordered   = "cards.reordered"
	AuditApprovalReset    = "approval.reset"
	AuditPostSubmitted    = "post.submitted"
	AuditPostResubmitted  = "post.resubmitted"
	AuditApprovalApproved = "approval.approved"
	AuditApprovalRejected = "approval.rejected"
	AuditPostApproved     = "post.approved"
	AuditPostOverride     = "post.approved.override"
	AuditPostPublished    = "post.published"
	AuditPostArchived     = "post.archived"
)

// AuditOption decorates an audit entry before it is appended.
type AuditOption func(*domain.AuditEntry)

func WithCard(cardID string) AuditOption {
	return func(e *domain.AuditEntry) { e.CardID = cardID }
}

func WithValues(oldValue, newValue string) AuditOption {
	return func(e *domain.AuditEntry) {
		e.OldValue = &oldValue
		e.NewValue = &newValue
	}
}

// Recorder appends immutable entries to a post's audit log.
type Recorder struct {
	Now   func() time.Time
	NewID func() string
}

func (r Recorder) Append(p *domain.Post, actorID, event, details string, opts ...AuditOption) error {
	if p == nil || p.ID == "" {
		return errors.New("audit: post reference required")
	}
	if actorID == "" {
		return errors.New("audit: actor required")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	newID := uuid.NewString
	if r.NewID != nil {
		newID = r.NewID
	}
	entry := domain.AuditEntry{
		ID:      newID(),
		Event:   event,
		ActorID: actorID,
		TS:      now().UTC(),
		Details: details,
	}
	for _, opt := range opts {
		opt(&entry)
	}
	p.AuditLog = append(p.AuditLog, entry)
	return nil
}
