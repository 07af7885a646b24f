package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"postline/internal/config"
	"postline/internal/db"
	"postline/internal/domain"
	"postline/internal/engine"
	"postline/internal/migrate"
	"postline/internal/notify"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("postline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	n := notify.New(e.Repo, zerolog.Nop())
	e.Notifier = n
	ctx := context.Background()
	if err := e.Repo.UpsertConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	for _, u := range []engine.UserCreateOptions{
		{ID: "admin", Name: "Admin", Email: "admin@example.com", Role: domain.UserAdmin},
		{ID: "ed", Name: "Editor", Email: "ed@example.com", Role: domain.UserEditor, ActorID: "admin"},
		{ID: "ceo", Name: "Ceo", Email: "ceo@example.com", Role: domain.UserApprover, ApproverRole: domain.RoleCEO, ActorID: "admin"},
		{ID: "coo", Name: "Coo", Email: "coo@example.com", Role: domain.UserApprover, ApproverRole: domain.RoleCOO, ActorID: "admin"},
		{ID: "cmo", Name: "Cmo", Email: "cmo@example.com", Role: domain.UserApprover, ApproverRole: domain.RoleCMO, ActorID: "admin"},
	} {
		if _, err := e.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user %s: %v", u.ID, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		Notify:   n,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyUserHeader: true, AllowDevLogin: true, Logger: zerolog.Nop()},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(userID string) map[string]string { return map[string]string{"X-User-Id": userID} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createPost(t *testing.T, srv *testServer, title string) domain.Post {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/posts", map[string]any{"title": title}, as("ed"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create post status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Post
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal post: %v", err)
	}
	return p
}

func submit(t *testing.T, srv *testServer, postID string) PostResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/posts/"+postID+"/submit", map[string]any{
		"approval_deadline": time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
	}, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var out PostResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	return out
}

func TestPostApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := createPost(t, srv, "Spring launch")
	if p.Status != domain.StatusDraft || len(p.Cards) != 1 {
		t.Fatalf("unexpected new post: status=%s cards=%d", p.Status, len(p.Cards))
	}
	cardURL := srv.URL + "/v0/posts/" + p.ID + "/cards/" + p.Cards[0].ID
	res, data := doJSON(t, client, http.MethodPatch, cardURL, map[string]any{"main_text": "Hello spring"}, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update card status %d: %s", res.StatusCode, string(data))
	}
	var card CardResponse
	_ = json.Unmarshal(data, &card)
	if card.Card.MainText != "Hello spring" || len(card.Card.MainTextHistory) != 2 {
		t.Fatalf("unexpected card after edit: %+v", card.Card)
	}

	submitted := submit(t, srv, p.ID)
	if submitted.Post.Status != domain.StatusInApproval {
		t.Fatalf("expected in_approval, got %s", submitted.Post.Status)
	}
	if len(submitted.Events) != 3 {
		t.Fatalf("expected one submitted event per role, got %d", len(submitted.Events))
	}

	var last PostResponse
	for _, approver := range []string{"ceo", "coo", "cmo"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/posts/"+p.ID+"/decisions", map[string]any{"decision": "approved"}, as(approver))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s decision status %d: %s", approver, res.StatusCode, string(data))
		}
		_ = json.Unmarshal(data, &last)
	}
	if last.Post.Status != domain.StatusApproved || last.Post.ApprovalDate == nil {
		t.Fatalf("expected approved with approval date, got %s", last.Post.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/posts/"+p.ID+"/publish", nil, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var published PostResponse
	_ = json.Unmarshal(data, &published)
	if published.Post.Status != domain.StatusPublished {
		t.Fatalf("expected published, got %s", published.Post.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/posts/"+p.ID+"/audit", nil, as("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var audit []domain.AuditEntry
	_ = json.Unmarshal(data, &audit)
	if len(audit) == 0 || audit[0].Event != "post.created" || audit[len(audit)-1].Event != "post.published" {
		t.Fatalf("unexpected audit log: %+v", audit)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications", nil, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d: %s", res.StatusCode, string(data))
	}
	var inbox []domain.Notification
	_ = json.Unmarshal(data, &inbox)
	if len(inbox) == 0 {
		t.Fatalf("expected the author to be notified")
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createPost(t, srv, "Errors")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		user   string
		status int
		code   string
	}{
		{"publish draft", http.MethodPost, "/posts/" + p.ID + "/publish", nil, "ed", http.StatusConflict, "invalid_transition"},
		{"decide draft", http.MethodPost, "/posts/" + p.ID + "/decisions", map[string]any{"decision": "approved"}, "ceo", http.StatusConflict, "invalid_transition"},
		{"remove last card", http.MethodDelete, "/posts/" + p.ID + "/cards/" + p.Cards[0].ID, nil, "ed", http.StatusUnprocessableEntity, "invariant_violation"},
		{"past deadline", http.MethodPost, "/posts/" + p.ID + "/submit", map[string]any{"approval_deadline": "2000-01-01T00:00:00Z"}, "ed", http.StatusBadRequest, "bad_request"},
		{"stranger edits draft", http.MethodPatch, "/posts/" + p.ID, map[string]any{"title": "Mine"}, "ceo", http.StatusForbidden, "forbidden"},
		{"missing post", http.MethodGet, "/posts/nope", nil, "ed", http.StatusNotFound, "not_found"},
		{"unknown user", http.MethodPost, "/posts", map[string]any{"title": "x"}, "ghost", http.StatusForbidden, "unknown_user"},
		{"editor lists users", http.MethodGet, "/users", nil, "ed", http.StatusForbidden, "forbidden"},
		{"editor approval tasks", http.MethodGet, "/me/approval-tasks", nil, "ed", http.StatusForbidden, "not_an_approver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, tc.method, srv.URL+"/v0"+tc.path, tc.body, as(tc.user))
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, string(data))
			}
			if code := errorCode(t, data); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}

	submit(t, srv, p.ID)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/posts/"+p.ID+"/decisions", map[string]any{"decision": "approved"}, as("ed"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_an_approver" {
		t.Fatalf("expected not_an_approver, got %d: %s", res.StatusCode, string(data))
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/posts/"+p.ID+"/decisions", map[string]any{"decision": "approved"}, as("ceo"))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/posts/"+p.ID+"/decisions", map[string]any{"decision": "rejected"}, as("ceo"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_an_approver" {
		t.Fatalf("expected second decision to be refused, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEditDuringApprovalResetsDecisions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createPost(t, srv, "Reset me")
	submit(t, srv, p.ID)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/posts/"+p.ID+"/decisions", map[string]any{"decision": "approved"}, as("cmo"))

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/posts/"+p.ID, map[string]any{"briefing": "new angle"}, as("ceo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit status %d: %s", res.StatusCode, string(data))
	}
	var out PostResponse
	_ = json.Unmarshal(data, &out)
	if out.Post.Status != domain.StatusInApproval {
		t.Fatalf("reset must not change status, got %s", out.Post.Status)
	}
	for _, a := range out.Post.Approvals {
		if a.Decision != domain.DecisionPending {
			t.Fatalf("expected %s pending after reset, got %s", a.Role, a.Decision)
		}
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/posts/"+p.ID, map[string]any{"briefing": "new angle"}, as("ceo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat edit status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &out)
	if out.Changed {
		t.Fatalf("identical edit should be a no-op")
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
	systemToken, err := signDevToken(testSecret, "system", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + systemToken})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("system identity must not authenticate, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"user_id": "ceo"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with token status %d: %s", res.StatusCode, string(data))
	}
	var me domain.User
	_ = json.Unmarshal(data, &me)
	if me.ID != "ceo" || me.ApproverRole == nil || *me.ApproverRole != domain.RoleCEO {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{"name": "ci"}, as("ed"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	if !strings.HasPrefix(key.Key, "pl_") {
		t.Fatalf("expected plain key in create response, got %q", key.Key)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me/api-keys", nil, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list api keys status %d: %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	_ = json.Unmarshal(data, &keys)
	if len(keys) != 1 || keys[0].LastUsedAt == "" {
		t.Fatalf("expected the used key to carry last_used_at, got %+v", keys)
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, as("ceo"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("revoking another user's key should 404, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, as("ed"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should fail, got %d", res.StatusCode)
	}
}

func TestListPostsPages(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for _, title := range []string{"Spring launch", "Quarterly results", "Launch recap"} {
		createPost(t, srv, title)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/posts?limit=2&page=2", nil, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page PostPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Total != 3 || page.Page != 2 || page.Limit != 2 || len(page.Posts) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/posts?q=launch", nil, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search status %d: %s", res.StatusCode, string(data))
	}
	page = PostPage{}
	_ = json.Unmarshal(data, &page)
	if page.Total != 2 || len(page.Posts) != 2 {
		t.Fatalf("expected two launch posts, got %+v", page)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/posts?publish_to=next-week", nil, as("ed"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected bad_request for a malformed date, got %d: %s", res.StatusCode, string(data))
	}
}

func TestNotificationsReadState(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createPost(t, srv, "Inbox")
	submit(t, srv, p.ID)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/notifications?unread=true", nil, as("coo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var inbox []domain.Notification
	_ = json.Unmarshal(data, &inbox)
	if len(inbox) != 1 || inbox[0].PostID != p.ID {
		t.Fatalf("expected one submission notification, got %+v", inbox)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/"+inbox[0].ID+"/read", nil, as("ceo"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("reading someone else's notification should 404, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/"+inbox[0].ID+"/read", nil, as("coo"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("mark read status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/notifications/read-all", nil, as("ceo"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read-all status %d: %s", res.StatusCode, string(data))
	}
	var all MarkAllReadResponse
	_ = json.Unmarshal(data, &all)
	if all.Updated != 1 {
		t.Fatalf("expected one notification marked, got %d", all.Updated)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createPost(t, srv, "Paged")
	submit(t, srv, p.ID)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=post&limit=1", nil, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].Type != "post.submitted" || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=post&limit=1&cursor="+page.NextCursor, nil, as("ed"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].Type != "post.created" {
		t.Fatalf("unexpected second page: %+v", page)
	}
	if page.Items[0].Payload["title"] != "Paged" {
		t.Fatalf("expected payload title, got %+v", page.Items[0].Payload)
	}
}

func TestWebhookDeliversFilteredEventsInOrder(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu   sync.Mutex
		got  []string
		auth []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt.Type)
		auth = append(auth, r.Header.Get("X-Postline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := newWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{"post.*"}, Secret: "s3cret"}}, zerolog.Nop())
	ctx := context.Background()
	d.dispatchAll(ctx)

	p := createPost(t, srv, "Hooked")
	submit(t, srv, p.ID)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "post.created,post.submitted" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	for _, s := range auth {
		if s != "s3cret" {
			t.Fatalf("expected secret header, got %q", s)
		}
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"post.*", "user.created"})
	if !f.match("post.approved.override") || !f.match("user.created") || f.match("card.edited") {
		t.Fatalf("unexpected filter behaviour")
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match all")
	}
}
