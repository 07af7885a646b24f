package postlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Postline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Approval is one sign-off slot of a post.
type Approval struct {
	Role       string     `json:"role"`
	Decision   string     `json:"decision"`
	Comment    string     `json:"comment,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	ApproverID *string    `json:"approver_id,omitempty"`
}

// Card represents the API card model (partial).
type Card struct {
	ID            string `json:"id"`
	Order         int    `json:"order"`
	MainText      string `json:"main_text"`
	ArtText       string `json:"art_text"`
	DesignerNotes string `json:"designer_notes"`
	ArtRef        string `json:"art_ref,omitempty"`
}

// Post represents the API post model (partial).
type Post struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Briefing         string     `json:"briefing"`
	AuthorID         string     `json:"author_id"`
	Status           string     `json:"status"`
	ApprovalDeadline *time.Time `json:"approval_deadline,omitempty"`
	Approvals        []Approval `json:"approvals"`
	Cards            []Card     `json:"cards"`
	Revision         int64      `json:"revision"`
}

// Result wraps every mutating post call.
type Result struct {
	Post    Post `json:"post"`
	Changed bool `json:"changed"`
}

// Notification is an in-app message.
type Notification struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	PostID    string `json:"post_id,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the envelope's error code when
// the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreatePost starts a draft.
func (c *Client) CreatePost(ctx context.Context, title, briefing string) (Post, error) {
	body := map[string]any{"title": title}
	if briefing != "" {
		body["briefing"] = briefing
	}
	var resp Post
	err := c.do(ctx, http.MethodPost, "posts", body, &resp)
	return resp, err
}

// GetPost fetches a post by id.
func (c *Client) GetPost(ctx context.Context, id string) (Post, error) {
	var resp Post
	err := c.do(ctx, http.MethodGet, c.postPath(id, ""), nil, &resp)
	return resp, err
}

// UpdateCardText replaces a card's main text.
func (c *Client) UpdateCardText(ctx context.Context, postID, cardID, text string) (Result, error) {
	var resp Result
	endpoint := c.postPath(postID, "cards/"+url.PathEscape(cardID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"main_text": text}, &resp)
	return resp, err
}

// Submit sends a post for approval.
func (c *Client) Submit(ctx context.Context, postID string, deadline time.Time) (Result, error) {
	var resp Result
	body := map[string]any{"approval_deadline": deadline.UTC().Format(time.RFC3339)}
	err := c.do(ctx, http.MethodPost, c.postPath(postID, "submit"), body, &resp)
	return resp, err
}

// Decide records the caller's approval decision ("approved" or "rejected").
func (c *Client) Decide(ctx context.Context, postID, decision, comment string) (Result, error) {
	var resp Result
	body := map[string]any{"decision": decision}
	if comment != "" {
		body["comment"] = comment
	}
	err := c.do(ctx, http.MethodPost, c.postPath(postID, "decisions"), body, &resp)
	return resp, err
}

// Publish publishes an approved post.
func (c *Client) Publish(ctx context.Context, postID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, c.postPath(postID, "publish"), nil, &resp)
	return resp, err
}

// Notifications lists the caller's notifications.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) postPath(postID, sub string) string {
	p := "posts/" + url.PathEscape(postID)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
