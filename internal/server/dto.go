package server

import (
	"time"

	"postline/internal/domain"
	"postline/internal/workflow"
)

// Request payloads

type CreateUserRequest struct {
	ID           *string                         `json:"id,omitempty"`
	Name         string                          `json:"name"`
	Email        string                          `json:"email" format:"email"`
	Role         string                          `json:"role" enum:"editor,approver,admin"`
	ApproverRole *string                         `json:"approver_role,omitempty" enum:"ceo,coo,cmo"`
	Preferences  *domain.NotificationPreferences `json:"preferences,omitempty"`
}

type CreateTagRequest struct {
	Name string `json:"name"`
}

type CreateReleaseRequest struct {
	Name      string  `json:"name"`
	StartDate *string `json:"start_date,omitempty" format:"date"`
	EndDate   *string `json:"end_date,omitempty" format:"date"`
}

type CreatePostRequest struct {
	ID          *string    `json:"id,omitempty"`
	Title       string     `json:"title"`
	Briefing    *string    `json:"briefing,omitempty"`
	PublishDate *time.Time `json:"publish_date,omitempty" format:"date-time"`
	TagIDs      []string   `json:"tag_ids,omitempty"`
	ReleaseID   *string    `json:"release_id,omitempty"`
}

type UpdatePostRequest struct {
	Title            *string    `json:"title,omitempty"`
	Briefing         *string    `json:"briefing,omitempty"`
	PublishDate      *time.Time `json:"publish_date,omitempty" format:"date-time"`
	ClearPublishDate bool       `json:"clear_publish_date,omitempty"`
	TagIDs           *[]string  `json:"tag_ids,omitempty"`
	ReleaseID        *string    `json:"release_id,omitempty"`
}

type SubmitPostRequest struct {
	ApprovalDeadline time.Time `json:"approval_deadline" format:"date-time"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Comment  string `json:"comment,omitempty"`
}

type ArtRequest struct {
	Ref      string `json:"ref"`
	FileName string `json:"file_name,omitempty"`
}

type UpdateCardRequest struct {
	MainText      *string     `json:"main_text,omitempty"`
	ArtText       *string     `json:"art_text,omitempty"`
	DesignerNotes *string     `json:"designer_notes,omitempty"`
	Art           *ArtRequest `json:"art,omitempty"`
}

type ReorderCardsRequest struct {
	CardIDs []string `json:"card_ids"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type PostResponse struct {
	Post    domain.Post      `json:"post"`
	Changed bool             `json:"changed"`
	Events  []workflow.Event `json:"events"`
}

type CardResponse struct {
	Card    domain.Card      `json:"card"`
	Post    domain.Post      `json:"post"`
	Changed bool             `json:"changed"`
	Events  []workflow.Event `json:"events"`
}

// PostPage is one page of a post listing. Total counts every match.
type PostPage struct {
	Posts []PostSummary `json:"posts"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

type PostSummary struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Status           domain.PostStatus `json:"status"`
	AuthorID         string            `json:"author_id"`
	ApprovalDeadline *time.Time        `json:"approval_deadline,omitempty" format:"date-time"`
	PublishDate      *time.Time        `json:"publish_date,omitempty" format:"date-time"`
	TagIDs           []string          `json:"tag_ids"`
	ReleaseID        *string           `json:"release_id,omitempty"`
	Cards            int               `json:"cards"`
	Approvals        []domain.Approval `json:"approvals"`
	Revision         int64             `json:"revision"`
	UpdatedAt        time.Time         `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts" format:"date-time"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

type APIKeyResponse struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Name       string `json:"name,omitempty"`
	Key        string `json:"key,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StatusResponse struct {
	Workspace  string         `json:"workspace"`
	PostCounts map[string]int `json:"post_counts"`
}

func postResponse(res workflow.Result) PostResponse {
	return PostResponse{Post: res.Post, Changed: res.Changed, Events: nonNilSlice(res.Events)}
}

func postSummary(p domain.Post) PostSummary {
	return PostSummary{
		ID:               p.ID,
		Title:            p.Title,
		Status:           p.Status,
		AuthorID:         p.AuthorID,
		ApprovalDeadline: p.ApprovalDeadline,
		PublishDate:      p.PublishDate,
		TagIDs:           nonNilSlice(p.TagIDs),
		ReleaseID:        p.ReleaseID,
		Cards:            len(p.Cards),
		Approvals:        nonNilSlice(p.Approvals),
		Revision:         p.Revision,
		UpdatedAt:        p.UpdatedAt,
	}
}

func mapPosts(items []domain.Post) []PostSummary {
	out := make([]PostSummary, 0, len(items))
	for _, p := range items {
		out = append(out, postSummary(p))
	}
	return out
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, UserID: k.UserID, Name: k.Name, CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
