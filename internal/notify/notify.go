package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"postline/internal/domain"
	"postline/internal/repo"
	"postline/internal/workflow"
)

// Notification types that are not workflow events.
const (
	TypeReminder = "approval_reminder"
	TypeDigest   = "daily_digest"
)

var titles = map[string]string{
	string(workflow.EventSubmitted):        "New post submitted for approval",
	string(workflow.EventResubmitted):      "Post resubmitted for approval",
	string(workflow.EventApprovalRecorded): "Partial approval received",
	string(workflow.EventApproved):         "Post approved",
	string(workflow.EventRejected):         "Post rejected",
	string(workflow.EventReset):            "Post content changed, approvals reset",
	string(workflow.EventPublished):        "Post published",
	string(workflow.EventArchived):         "Post archived",
	TypeReminder:                           "Approval deadline approaching",
	TypeDigest:                             "Daily activity digest",
}

// Allowed reports whether prefs let notifications of type through.
func Allowed(prefs domain.NotificationPreferences, typ string) bool {
	switch typ {
	case string(workflow.EventSubmitted), string(workflow.EventResubmitted), string(workflow.EventReset), TypeReminder:
		return prefs.InAppNewSubmissions
	case TypeDigest:
		return prefs.DailyDigest
	default:
		return prefs.InAppApprovalDecisions
	}
}

// Dispatcher turns workflow events into in-app notifications.
type Dispatcher struct {
	Repo   repo.Repo
	Now    func() time.Time
	NewID  func() string
	Logger zerolog.Logger
	// ReminderThreshold is how far ahead of a deadline reminders go out.
	ReminderThreshold time.Duration
}

func New(r repo.Repo, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{Repo: r, Now: time.Now, NewID: uuid.NewString, Logger: logger, ReminderThreshold: 24 * time.Hour}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

// recipients resolves an event address to users. Role addresses fan out to
// every holder of the role.
func (d *Dispatcher) recipients(ctx context.Context, to workflow.Recipient) ([]domain.User, error) {
	if to.UserID != "" {
		u, err := d.Repo.GetUser(ctx, to.UserID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []domain.User{u}, nil
	}
	if to.Role.Valid() {
		return d.Repo.UsersWithApproverRole(ctx, to.Role)
	}
	return nil, nil
}

// Dispatch delivers each event to its recipients, skipping the actor who
// caused it and anyone whose preferences opt out. Every event is attempted;
// failures are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, evts []workflow.Event) error {
	var errs []error
	for _, ev := range evts {
		users, err := d.recipients(ctx, ev.Recipient)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", ev.Recipient, err))
			continue
		}
		for _, u := range users {
			if u.ID == ev.ActorID || !Allowed(u.Preferences, string(ev.Type)) {
				continue
			}
			n := domain.Notification{
				ID:          d.newID(),
				RecipientID: u.ID,
				Type:        string(ev.Type),
				Title:       fmt.Sprintf("%s: %s", titles[string(ev.Type)], ev.PostTitle),
				Message:     ev.Message,
				PostID:      ev.PostID,
				CreatedAt:   d.now().Format(time.RFC3339),
			}
			if _, err := d.Repo.InsertNotification(ctx, nil, n, ""); err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", u.ID, err))
				continue
			}
			d.Logger.Debug().Str("recipient", u.ID).Str("type", n.Type).Str("post_id", n.PostID).Msg("notification created")
		}
	}
	return errors.Join(errs...)
}

// Reminders notifies pending approvers of in-approval posts whose deadline
// falls within the threshold. A reminder goes out once per post, recipient
// and deadline.
func (d *Dispatcher) Reminders(ctx context.Context) (int, error) {
	now := d.now()
	threshold := d.ReminderThreshold
	if threshold <= 0 {
		threshold = 24 * time.Hour
	}
	posts, err := d.Repo.PostsDueBy(ctx, now.Add(threshold))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, p := range posts {
		if p.ApprovalDeadline == nil || !p.ApprovalDeadline.After(now) {
			continue
		}
		deadline := p.ApprovalDeadline.UTC().Format(time.RFC3339)
		for _, a := range p.Approvals {
			if a.Decision != domain.DecisionPending {
				continue
			}
			to := workflow.Recipient{Role: a.Role}
			if a.ApproverID != nil {
				to = workflow.Recipient{UserID: *a.ApproverID}
			}
			users, err := d.recipients(ctx, to)
			if err != nil {
				return sent, err
			}
			for _, u := range users {
				if !Allowed(u.Preferences, TypeReminder) {
					continue
				}
				n := domain.Notification{
					ID:          d.newID(),
					RecipientID: u.ID,
					Type:        TypeReminder,
					Title:       fmt.Sprintf("%s: %s", titles[TypeReminder], p.Title),
					Message:     fmt.Sprintf("The post %q requires your approval by %s", p.Title, deadline),
					PostID:      p.ID,
					CreatedAt:   now.Format(time.RFC3339),
				}
				key := fmt.Sprintf("reminder:%s:%s:%s", p.ID, u.ID, deadline)
				ok, err := d.Repo.InsertNotification(ctx, nil, n, key)
				if err != nil {
					return sent, err
				}
				if ok {
					sent++
				}
			}
		}
	}
	return sent, nil
}
