package domain

import "time"

type PostStatus string

const (
	StatusDraft           PostStatus = "draft"
	StatusInApproval      PostStatus = "in_approval"
	StatusNeedsAdjustment PostStatus = "needs_adjustment"
	StatusApproved        PostStatus = "approved"
	StatusPublished       PostStatus = "published"
	StatusArchived        PostStatus = "archived"
)

// ApproverRole is one of the three fixed sign-off roles.
type ApproverRole string

const (
	RoleCEO ApproverRole = "ceo"
	RoleCOO ApproverRole = "coo"
	RoleCMO ApproverRole = "cmo"
)

// ApproverRoles lists the sign-off roles in the order approvals are kept.
var ApproverRoles = []ApproverRole{RoleCEO, RoleCOO, RoleCMO}

func (r ApproverRole) Valid() bool {
	for _, role := range ApproverRoles {
		if r == role {
			return true
		}
	}
	return false
}

type UserRole string

const (
	UserEditor   UserRole = "editor"
	UserApprover UserRole = "approver"
	UserAdmin    UserRole = "admin"
)

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Version is one entry of a field history. An empty Value on the art
// reference history means the art was absent.
type Version struct {
	ActorID string    `json:"actor_id"`
	TS      time.Time `json:"ts" format:"date-time"`
	Value   string    `json:"value"`
}

type Card struct {
	ID                   string    `json:"id"`
	PostID               string    `json:"post_id"`
	Order                int       `json:"order"`
	MainText             string    `json:"main_text"`
	MainTextHistory      []Version `json:"main_text_history"`
	ArtText              string    `json:"art_text"`
	ArtTextHistory       []Version `json:"art_text_history"`
	DesignerNotes        string    `json:"designer_notes"`
	DesignerNotesHistory []Version `json:"designer_notes_history"`
	ArtRef               string    `json:"art_ref,omitempty"`
	ArtFileName          string    `json:"art_file_name,omitempty"`
	ArtHistory           []Version `json:"art_history"`
}

type Approval struct {
	Role       ApproverRole `json:"role" enum:"ceo,coo,cmo"`
	Decision   Decision     `json:"decision" enum:"pending,approved,rejected"`
	Comment    string       `json:"comment,omitempty"`
	DecidedAt  *time.Time   `json:"decided_at,omitempty" format:"date-time"`
	ApproverID *string      `json:"approver_id,omitempty"`
}

type AuditEntry struct {
	ID       string    `json:"id"`
	Event    string    `json:"event"`
	ActorID  string    `json:"actor_id"`
	TS       time.Time `json:"ts" format:"date-time"`
	Details  string    `json:"details,omitempty"`
	CardID   string    `json:"card_id,omitempty"`
	OldValue *string   `json:"old_value,omitempty"`
	NewValue *string   `json:"new_value,omitempty"`
}

type Post struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	TitleHistory       []Version    `json:"title_history"`
	Briefing           string       `json:"briefing"`
	BriefingHistory    []Version    `json:"briefing_history"`
	PublishDate        *time.Time   `json:"publish_date,omitempty" format:"date-time"`
	TagIDs             []string     `json:"tag_ids"`
	ReleaseID          *string      `json:"release_id,omitempty"`
	AuthorID           string       `json:"author_id"`
	Status             PostStatus   `json:"status" enum:"draft,in_approval,needs_adjustment,approved,published,archived"`
	ApprovalDeadline   *time.Time   `json:"approval_deadline,omitempty" format:"date-time"`
	Approvals          []Approval   `json:"approvals"`
	Cards              []Card       `json:"cards"`
	AuditLog           []AuditEntry `json:"audit_log"`
	CreatedAt          time.Time    `json:"created_at" format:"date-time"`
	UpdatedAt          time.Time    `json:"updated_at" format:"date-time"`
	SubmittedAt        *time.Time   `json:"submitted_at,omitempty" format:"date-time"`
	ApprovalDate       *time.Time   `json:"approval_date,omitempty" format:"date-time"`
	ResubmittedHistory []time.Time  `json:"resubmitted_history,omitempty"`
	Revision           int64        `json:"revision"`
}

type NotificationPreferences struct {
	InAppNewSubmissions    bool `json:"in_app_new_submissions" yaml:"in_app_new_submissions"`
	InAppApprovalDecisions bool `json:"in_app_approval_decisions" yaml:"in_app_approval_decisions"`
	DailyDigest            bool `json:"daily_digest" yaml:"daily_digest"`
}

func DefaultPreferences() NotificationPreferences {
	return NotificationPreferences{InAppNewSubmissions: true, InAppApprovalDecisions: true}
}

type User struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Email        string                  `json:"email"`
	Role         UserRole                `json:"role" enum:"editor,approver,admin"`
	ApproverRole *ApproverRole           `json:"approver_role,omitempty" enum:"ceo,coo,cmo"`
	Preferences  NotificationPreferences `json:"preferences"`
	CreatedAt    string                  `json:"created_at" format:"date-time"`
}

type Tag struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Release struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	StartDate *string `json:"start_date,omitempty" format:"date"`
	EndDate   *string `json:"end_date,omitempty" format:"date"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	PostID      string `json:"post_id,omitempty"`
	Read        bool   `json:"read"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// LastUsedAt is empty until the key authenticates a request.
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}
