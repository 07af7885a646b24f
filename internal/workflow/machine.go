package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"postline/internal/domain"
)

// Machine applies workflow operations to post snapshots. Every operation
// works on a copy of the snapshot it is given, so a failed call leaves the
// caller's post untouched.
type Machine struct {
	Now    func() time.Time
	NewID  func() string
	Limits Limits
}

func New() *Machine {
	return &Machine{Now: time.Now, NewID: uuid.NewString, Limits: DefaultLimits()}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Machine) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m *Machine) recorder(now time.Time) Recorder {
	return Recorder{Now: func() time.Time { return now }, NewID: m.newID}
}

type PostInput struct {
	ID          string
	Title       string
	Briefing    string
	PublishDate *time.Time
	TagIDs      []string
	ReleaseID   *string
}

// PostUpdate carries post details to change; nil leaves a field alone.
// ClearPublishDate and an empty ReleaseID remove the optional values.
type PostUpdate struct {
	Title            *string
	Briefing         *string
	PublishDate      *time.Time
	ClearPublishDate bool
	TagIDs           *[]string
	ReleaseID        *string
}

// CreatePost starts a draft with one empty card and three pending approvals.
func (m *Machine) CreatePost(actor Actor, in PostInput) (Result, error) {
	if actor.ID == "" {
		return Result{}, fmt.Errorf("%w: actor required", ErrInvalidArgument)
	}
	if actor.Role != domain.UserEditor && !actor.IsAdmin() {
		return Result{}, fmt.Errorf("%w: %s may not author posts", ErrForbidden, actor.ID)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Result{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	now := m.now()
	id := in.ID
	if id == "" {
		id = m.newID()
	}
	p := domain.Post{
		ID:              id,
		Title:           title,
		TitleHistory:    seedHistory(title, actor.ID, now),
		Briefing:        in.Briefing,
		BriefingHistory: seedHistory(in.Briefing, actor.ID, now),
		PublishDate:     cloneTime(in.PublishDate),
		TagIDs:          normalizeTags(in.TagIDs),
		ReleaseID:       nonEmpty(in.ReleaseID),
		AuthorID:        actor.ID,
		Status:          domain.StatusDraft,
		Approvals:       NewApprovals(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	p.Cards = []domain.Card{newCard(p.ID, m.newID(), actor.ID, 1, now)}
	if err := m.recorder(now).Append(&p, actor.ID, AuditPostCreated, fmt.Sprintf("Post %s created as draft", quoted(title))); err != nil {
		return Result{}, err
	}
	return Result{Post: p, Changed: true}, nil
}

// EditPostDetails updates title, briefing, schedule, tags and release.
func (m *Machine) EditPostDetails(p domain.Post, actor Actor, u PostUpdate) (Result, error) {
	if err := guardEdit(p, actor); err != nil {
		return Result{}, err
	}
	if u.Title != nil && strings.TrimSpace(*u.Title) == "" {
		return Result{}, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	now := m.now()
	next := clonePost(p)
	var changes []FieldChange
	if u.Title != nil {
		old := next.Title
		if v, ok := RecordIfChanged(&next.TitleHistory, old, strings.TrimSpace(*u.Title), actor.ID, now); ok {
			next.Title = v
			changes = append(changes, FieldChange{Field: "title", Old: old, New: v})
		}
	}
	if u.Briefing != nil {
		old := next.Briefing
		if v, ok := RecordIfChanged(&next.BriefingHistory, old, *u.Briefing, actor.ID, now); ok {
			next.Briefing = v
			changes = append(changes, FieldChange{Field: "briefing", Old: old, New: v})
		}
	}
	if u.ClearPublishDate && next.PublishDate != nil {
		changes = append(changes, FieldChange{Field: "publish_date", Old: formatTime(next.PublishDate)})
		next.PublishDate = nil
	} else if u.PublishDate != nil && (next.PublishDate == nil || !next.PublishDate.Equal(*u.PublishDate)) {
		old := formatTime(next.PublishDate)
		next.PublishDate = cloneTime(u.PublishDate)
		changes = append(changes, FieldChange{Field: "publish_date", Old: old, New: formatTime(next.PublishDate)})
	}
	if u.TagIDs != nil {
		tags := normalizeTags(*u.TagIDs)
		if strings.Join(tags, ",") != strings.Join(next.TagIDs, ",") {
			changes = append(changes, FieldChange{Field: "tags", Old: strings.Join(next.TagIDs, ","), New: strings.Join(tags, ",")})
			next.TagIDs = tags
		}
	}
	if u.ReleaseID != nil {
		rel := nonEmpty(u.ReleaseID)
		if derefString(rel) != derefString(next.ReleaseID) {
			changes = append(changes, FieldChange{Field: "release", Old: derefString(next.ReleaseID), New: derefString(rel)})
			next.ReleaseID = rel
		}
	}
	if len(changes) == 0 {
		return Result{Post: p}, nil
	}

	fields := make([]string, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, c.Field)
	}
	var opts []AuditOption
	if len(changes) == 1 {
		opts = append(opts, WithValues(changes[0].Old, changes[0].New))
	}
	rec := m.recorder(now)
	if err := rec.Append(&next, actor.ID, AuditPostEdited, "Updated "+strings.Join(fields, ", "), opts...); err != nil {
		return Result{}, err
	}
	return m.finishEdit(next, actor, now, "post details edited")
}

// AddCard appends an empty card to the post.
func (m *Machine) AddCard(p domain.Post, actor Actor) (Result, domain.Card, error) {
	if err := guardEdit(p, actor); err != nil {
		return Result{}, domain.Card{}, err
	}
	now := m.now()
	next := clonePost(p)
	c := AddCard(&next, m.newID(), actor.ID, now)
	if err := m.recorder(now).Append(&next, actor.ID, AuditCardAdded, fmt.Sprintf("Card %d added", c.Order), WithCard(c.ID)); err != nil {
		return Result{}, domain.Card{}, err
	}
	res, err := m.finishEdit(next, actor, now, "card added")
	return res, c, err
}

func (m *Machine) RemoveCard(p domain.Post, actor Actor, cardID string) (Result, error) {
	if err := guardEdit(p, actor); err != nil {
		return Result{}, err
	}
	now := m.now()
	next := clonePost(p)
	removed, err := RemoveCard(&next, cardID)
	if err != nil {
		return Result{}, err
	}
	if err := m.recorder(now).Append(&next, actor.ID, AuditCardRemoved, fmt.Sprintf("Card %d removed", removed.Order), WithCard(removed.ID)); err != nil {
		return Result{}, err
	}
	return m.finishEdit(next, actor, now, "card removed")
}

func (m *Machine) DuplicateCard(p domain.Post, actor Actor, cardID string) (Result, domain.Card, error) {
	if err := guardEdit(p, actor); err != nil {
		return Result{}, domain.Card{}, err
	}
	now := m.now()
	next := clonePost(p)
	c, err := DuplicateCard(&next, cardID, m.newID(), actor.ID, now)
	if err != nil {
		return Result{}, domain.Card{}, err
	}
	details := fmt.Sprintf("Card %d duplicated from %s", c.Order, cardID)
	if err := m.recorder(now).Append(&next, actor.ID, AuditCardDuplicated, details, WithCard(c.ID)); err != nil {
		return Result{}, domain.Card{}, err
	}
	res, err := m.finishEdit(next, actor, now, "card duplicated")
	return res, c, err
}

// ReorderCards sets the card order. An unchanged order is a no-op.
func (m *Machine) ReorderCards(p domain.Post, actor Actor, ids []string) (Result, error) {
	if err := guardEdit(p, actor); err != nil {
		return Result{}, err
	}
	now := m.now()
	next := clonePost(p)
	moved, err := ReorderCards(&next, ids)
	if err != nil {
		return Result{}, err
	}
	if !moved {
		return Result{Post: p}, nil
	}
	if err := m.recorder(now).Append(&next, actor.ID, AuditCardsReordered, "Cards reordered: "+strings.Join(ids, ", ")); err != nil {
		return Result{}, err
	}
	return m.finishEdit(next, actor, now, "cards reordered")
}

// UpdateCard edits card fields. Values equal to the current ones record
// nothing and leave approvals alone.
func (m *Machine) UpdateCard(p domain.Post, actor Actor, cardID string, u CardUpdate) (Result, domain.Card, error) {
	if err := guardEdit(p, actor); err != nil {
		return Result{}, domain.Card{}, err
	}
	if u.empty() {
		return Result{}, domain.Card{}, fmt.Errorf("%w: no card fields to update", ErrInvalidArgument)
	}
	if err := m.Limits.check(u); err != nil {
		return Result{}, domain.Card{}, err
	}
	now := m.now()
	next := clonePost(p)
	c, changes, err := UpdateCardFields(&next, cardID, u, actor.ID, now)
	if err != nil {
		return Result{}, domain.Card{}, err
	}
	if len(changes) == 0 {
		return Result{Post: p}, c, nil
	}
	fields := make([]string, 0, len(changes))
	for _, ch := range changes {
		fields = append(fields, ch.Field)
	}
	opts := []AuditOption{WithCard(c.ID)}
	if len(changes) == 1 {
		opts = append(opts, WithValues(changes[0].Old, changes[0].New))
	}
	details := fmt.Sprintf("Card %d updated: %s", c.Order, strings.Join(fields, ", "))
	if err := m.recorder(now).Append(&next, actor.ID, AuditCardEdited, details, opts...); err != nil {
		return Result{}, domain.Card{}, err
	}
	res, err := m.finishEdit(next, actor, now, "card edited")
	return res, c, err
}

// Submit sends a draft, or a post that needs adjustment, to the approvers.
func (m *Machine) Submit(p domain.Post, actor Actor, deadline time.Time) (Result, error) {
	if p.Status != domain.StatusDraft && p.Status != domain.StatusNeedsAdjustment {
		return Result{}, fmt.Errorf("%w: cannot submit a post in %s", ErrInvalidTransition, p.Status)
	}
	if !isAuthorOrAdmin(p, actor) {
		return Result{}, fmt.Errorf("%w: only the author or an admin may submit", ErrForbidden)
	}
	if len(p.Cards) == 0 {
		return Result{}, fmt.Errorf("%w: post has no cards", ErrInvariantViolation)
	}
	now := m.now()
	if !deadline.After(now) {
		return Result{}, fmt.Errorf("%w: deadline must be in the future", ErrInvalidArgument)
	}
	resubmit := p.Status == domain.StatusNeedsAdjustment
	next := clonePost(p)
	ResetAll(&next)
	dl := deadline.UTC()
	next.Status = domain.StatusInApproval
	next.ApprovalDeadline = &dl
	next.SubmittedAt = &now
	next.ApprovalDate = nil
	next.UpdatedAt = now

	event, evType, verb := AuditPostSubmitted, EventSubmitted, "submitted"
	if resubmit {
		next.ResubmittedHistory = append(next.ResubmittedHistory, now)
		event, evType, verb = AuditPostResubmitted, EventResubmitted, "resubmitted"
	}
	details := fmt.Sprintf("Post %s for approval, deadline %s", verb, dl.Format(time.RFC3339))
	if err := m.recorder(now).Append(&next, actor.ID, event, details); err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("%s %s %s for your approval", actor.displayName(), verb, quoted(next.Title))
	var events []Event
	for _, to := range approverRecipients(next.Approvals) {
		events = append(events, newEvent(evType, next, actor, to, msg, "deadline", dl.Format(time.RFC3339)))
	}
	return Result{Post: next, Events: events, Changed: true}, nil
}

// RecordDecision stores one approver's decision. A rejection sends the post
// back for adjustment; an approval may complete the cycle.
func (m *Machine) RecordDecision(p domain.Post, actor Actor, decision domain.Decision, comment string) (Result, error) {
	if p.Status != domain.StatusInApproval {
		return Result{}, fmt.Errorf("%w: post is %s, not in approval", ErrInvalidTransition, p.Status)
	}
	now := m.now()
	next := clonePost(p)
	if err := RecordDecision(&next, actor, decision, comment, now); err != nil {
		return Result{}, err
	}
	next.UpdatedAt = now
	rec := m.recorder(now)
	role := strings.ToUpper(string(actor.ApproverRole))
	details := fmt.Sprintf("%s %s as %s", actor.displayName(), decision, role)
	if comment != "" {
		details += ": " + comment
	}
	author := toUser(next.AuthorID)

	if decision == domain.DecisionRejected {
		if err := rec.Append(&next, actor.ID, AuditApprovalRejected, details); err != nil {
			return Result{}, err
		}
		next.Status = domain.StatusNeedsAdjustment
		msg := fmt.Sprintf("%s requested changes on %s", role, quoted(next.Title))
		ev := newEvent(EventRejected, next, actor, author, msg, "role", string(actor.ApproverRole), "comment", comment)
		return Result{Post: next, Events: []Event{ev}, Changed: true}, nil
	}

	if err := rec.Append(&next, actor.ID, AuditApprovalApproved, details); err != nil {
		return Result{}, err
	}
	outcome, override := ComputeOverallOutcome(next, now)
	if outcome == OutcomeFullyApproved {
		ev, err := m.approve(&next, actor, now, override)
		if err != nil {
			return Result{}, err
		}
		return Result{Post: next, Events: []Event{ev}, Changed: true}, nil
	}
	msg := fmt.Sprintf("%s approved %s", role, quoted(next.Title))
	ev := newEvent(EventApprovalRecorded, next, actor, author, msg, "role", string(actor.ApproverRole))
	return Result{Post: next, Events: []Event{ev}, Changed: true}, nil
}

// EvaluateDeadline applies the CMO override to a post whose deadline passed
// after the CMO had already approved.
func (m *Machine) EvaluateDeadline(p domain.Post, actor Actor) (Result, error) {
	if p.Status != domain.StatusInApproval {
		return Result{}, fmt.Errorf("%w: post is %s, not in approval", ErrInvalidTransition, p.Status)
	}
	if actor.ID != SystemActorID && !actor.IsAdmin() {
		return Result{}, fmt.Errorf("%w: only an admin may evaluate deadlines", ErrForbidden)
	}
	if hasRejection(p) {
		return Result{Post: p}, nil
	}
	now := m.now()
	outcome, override := ComputeOverallOutcome(p, now)
	if outcome != OutcomeFullyApproved {
		return Result{Post: p}, nil
	}
	next := clonePost(p)
	next.UpdatedAt = now
	ev, err := m.approve(&next, actor, now, override)
	if err != nil {
		return Result{}, err
	}
	return Result{Post: next, Events: []Event{ev}, Changed: true}, nil
}

func (m *Machine) approve(p *domain.Post, actor Actor, now time.Time, override bool) (Event, error) {
	p.Status = domain.StatusApproved
	p.ApprovalDate = &now
	event, details := AuditPostApproved, "All approvers signed off"
	if override {
		event = AuditPostOverride
		details = "CMO approved and the deadline passed; remaining approvals waived"
	}
	if err := m.recorder(now).Append(p, actor.ID, event, details); err != nil {
		return Event{}, err
	}
	msg := fmt.Sprintf("%s is approved and ready to publish", quoted(p.Title))
	return newEvent(EventApproved, *p, actor, toUser(p.AuthorID), msg, "override", fmt.Sprint(override)), nil
}

func (m *Machine) Publish(p domain.Post, actor Actor) (Result, error) {
	if p.Status != domain.StatusApproved {
		return Result{}, fmt.Errorf("%w: only approved posts can be published, post is %s", ErrInvalidTransition, p.Status)
	}
	if !isAuthorOrAdmin(p, actor) {
		return Result{}, fmt.Errorf("%w: only the author or an admin may publish", ErrForbidden)
	}
	now := m.now()
	next := clonePost(p)
	next.Status = domain.StatusPublished
	next.UpdatedAt = now
	if err := m.recorder(now).Append(&next, actor.ID, AuditPostPublished, "Post published"); err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("%s was published", quoted(next.Title))
	events := []Event{}
	for _, to := range uniqueRecipients(next.AuthorID, boundApprovers(next.Approvals)) {
		events = append(events, newEvent(EventPublished, next, actor, to, msg))
	}
	return Result{Post: next, Events: events, Changed: true}, nil
}

// Archive is terminal. Archiving an archived post is an error.
func (m *Machine) Archive(p domain.Post, actor Actor) (Result, error) {
	if p.Status == domain.StatusArchived {
		return Result{}, fmt.Errorf("%w: post is already archived", ErrInvalidTransition)
	}
	if !isAuthorOrAdmin(p, actor) {
		return Result{}, fmt.Errorf("%w: only the author or an admin may archive", ErrForbidden)
	}
	now := m.now()
	next := clonePost(p)
	from := next.Status
	next.Status = domain.StatusArchived
	next.UpdatedAt = now
	if err := m.recorder(now).Append(&next, actor.ID, AuditPostArchived, fmt.Sprintf("Post archived from %s", from)); err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("%s was archived", quoted(next.Title))
	ev := newEvent(EventArchived, next, actor, toUser(next.AuthorID), msg, "from", string(from))
	return Result{Post: next, Events: []Event{ev}, Changed: true}, nil
}

// finishEdit stamps a materially changed post and restarts an in-flight
// approval cycle.
func (m *Machine) finishEdit(next domain.Post, actor Actor, now time.Time, reason string) (Result, error) {
	next.UpdatedAt = now
	res := Result{Post: next, Changed: true}
	if next.Status != domain.StatusInApproval && next.Status != domain.StatusNeedsAdjustment {
		return res, nil
	}
	bound := boundApprovers(next.Approvals)
	ResetAll(&next)
	if err := m.recorder(now).Append(&next, actor.ID, AuditApprovalReset, "Approvals reset: "+reason); err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("Approvals on %s were reset: %s", quoted(next.Title), reason)
	for _, to := range uniqueRecipients(next.AuthorID, bound) {
		res.Events = append(res.Events, newEvent(EventReset, next, actor, to, msg, "reason", reason))
	}
	res.Post = next
	return res, nil
}

// guardEdit checks status before permission.
func guardEdit(p domain.Post, actor Actor) error {
	switch p.Status {
	case domain.StatusDraft, domain.StatusApproved:
		if !isAuthorOrAdmin(p, actor) {
			return fmt.Errorf("%w: only the author or an admin may edit a %s post", ErrForbidden, p.Status)
		}
	case domain.StatusInApproval, domain.StatusNeedsAdjustment:
		if !isAuthorOrAdmin(p, actor) && !actor.HoldsApproverRole() {
			return fmt.Errorf("%w: %s may not edit this post", ErrForbidden, actor.ID)
		}
	default:
		return fmt.Errorf("%w: a %s post cannot be edited", ErrInvalidTransition, p.Status)
	}
	return nil
}

func uniqueRecipients(first string, rest []string) []Recipient {
	seen := map[string]bool{}
	var out []Recipient
	for _, id := range append([]string{first}, rest...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, toUser(id))
	}
	return out
}

func normalizeTags(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
