package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/config"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/session"
	"github.com/JakeFAU/siteaudit-crawler/internal/storage/memory"
)

func TestServer_CreateSession(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	server := newTestServer(sessions, nil)

	rec := doRequest(server, http.MethodPost, "/v1/sessions", `{"target_url":"https://example.com","page_budget":10}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Session crawler.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "s-1", body.Session.ID)
	require.Equal(t, crawler.SessionPending, body.Session.Status)
	require.Equal(t, 10, body.Session.Config.PageBudget)
}

func TestServer_CreateAndStartSession(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	server := newTestServer(sessions, nil)

	rec := doRequest(server, http.MethodPost, "/v1/sessions", `{"target_url":"https://example.com","start":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)
}

func TestServer_CreateSessionErrors(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeSessions(), nil)

	rec := doRequest(server, http.MethodPost, "/v1/sessions", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")

	rec = doRequest(server, http.MethodPost, "/v1/sessions", `{"target_url":"ftp://example.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid session configuration")
}

func TestServer_StartFailureReturnsFailedSession(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	sessions.startErr = fmt.Errorf("%w: dns lookup failed", session.ErrRootUnreachable)
	server := newTestServer(sessions, nil)

	rec := doRequest(server, http.MethodPost, "/v1/sessions", `{"target_url":"https://example.com","start":true}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "root url unreachable")
	require.Contains(t, rec.Body.String(), `"status":"failed"`)

	sessions.startErr = fmt.Errorf("%w: 0 credits remaining", session.ErrQuotaDenied)
	rec = doRequest(server, http.MethodPost, "/v1/sessions", `{"target_url":"https://example.com","start":true}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	sessions.startErr = fmt.Errorf("%w: billing down", session.ErrQuotaUnavailable)
	rec = doRequest(server, http.MethodPost, "/v1/sessions", `{"target_url":"https://example.com","start":true}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ControlRoutes(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	sessions.put(crawler.Session{ID: "abc", Status: crawler.SessionRunning})
	server := newTestServer(sessions, nil)

	rec := doRequest(server, http.MethodPost, "/v1/sessions/abc/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"paused"`)

	rec = doRequest(server, http.MethodPost, "/v1/sessions/abc/pause", "")
	require.Equal(t, http.StatusOK, rec.Code, "pausing a paused session is a no-op")

	rec = doRequest(server, http.MethodPost, "/v1/sessions/abc/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)

	rec = doRequest(server, http.MethodPost, "/v1/sessions/abc/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"failed"`)

	rec = doRequest(server, http.MethodPost, "/v1/sessions/abc/resume", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(server, http.MethodPost, "/v1/sessions/missing/start", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetSessionAndStatus(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	sessions.put(crawler.Session{
		ID:           "abc",
		Status:       crawler.SessionRunning,
		PagesCrawled: 4,
		Config:       crawler.SessionConfig{PageBudget: 10},
	})
	server := newTestServer(sessions, nil)

	rec := doRequest(server, http.MethodGet, "/v1/sessions/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"pages_crawled":4`)

	rec = doRequest(server, http.MethodGet, "/v1/sessions/abc/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view session.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, 4, view.PagesCrawled)
	require.Equal(t, 10, view.PageBudget)

	rec = doRequest(server, http.MethodGet, "/v1/sessions/nope/status", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListPagesAndErrors(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	now := time.Unix(100, 0).UTC()
	sessions.put(crawler.Session{
		ID:     "abc",
		Status: crawler.SessionRunning,
		ErrorLog: []crawler.ErrorRecord{
			{URL: "https://example.com/a", Class: crawler.ClassPermanent, Message: "404", At: now},
			{URL: "https://example.com/b", Class: crawler.ClassExhausted, Message: "503", At: now},
		},
	})
	pages := memory.NewPageStore()
	for _, u := range []string{"https://example.com/", "https://example.com/x"} {
		_, err := pages.Upsert(context.Background(), crawler.PageRecord{SessionID: "abc", URL: u, URLHash: u, StatusCode: 200})
		require.NoError(t, err)
	}
	server := newTestServer(sessions, pages)

	rec := doRequest(server, http.MethodGet, "/v1/sessions/abc/pages?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pageBody struct {
		Pages []crawler.PageRecord `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pageBody))
	require.Len(t, pageBody.Pages, 1)

	rec = doRequest(server, http.MethodGet, "/v1/sessions/abc/pages?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(server, http.MethodGet, "/v1/sessions/missing/pages", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(server, http.MethodGet, "/v1/sessions/abc/errors?offset=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var errBody struct {
		Errors []crawler.ErrorRecord `json:"errors"`
		Total  int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, 2, errBody.Total)
	require.Len(t, errBody.Errors, 1)
	require.Equal(t, crawler.ClassExhausted, errBody.Errors[0].Class)
}

func TestServer_PagesWithoutStore(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	sessions.put(crawler.Session{ID: "abc"})
	server := NewServer(sessions, nil, config.Config{}, zap.NewNop())

	rec := doRequest(server, http.MethodGet, "/v1/sessions/abc/pages", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(newFakeSessions(), nil, cfg, zap.NewNop())

	rec := doRequest(server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")

	rec = doRequest(server, http.MethodPost, "/v1/sessions", `{"target_url":"https://example.com"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(`{"target_url":"https://example.com"}`))
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeSessions(), nil)
	doRequest(server, http.MethodGet, "/healthz", "")

	rec := doRequest(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeSessions(), nil)
	rec := doRequest(server, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestServer(sessions Sessions, pages crawler.PageStore) *Server {
	if pages == nil {
		pages = memory.NewPageStore()
	}
	return NewServer(sessions, pages, config.Config{Backend: config.BackendMemory}, zap.NewNop())
}

func doRequest(server *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

// fakeSessions applies the lifecycle rules in memory without a frontier.
type fakeSessions struct {
	mu       sync.Mutex
	next     int
	sessions map[string]crawler.Session
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]crawler.Session)}
}

func (f *fakeSessions) put(s crawler.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *fakeSessions) Create(_ context.Context, cfg crawler.SessionConfig) (crawler.Session, error) {
	u, err := url.Parse(cfg.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return crawler.Session{}, fmt.Errorf("%w: target_url must be an absolute http(s) url", session.ErrInvalidConfig)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	s := crawler.Session{ID: fmt.Sprintf("s-%d", f.next), Status: crawler.SessionPending, Config: cfg}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeSessions) Start(_ context.Context, id string) (crawler.Session, error) {
	return f.move(id, []crawler.SessionStatus{crawler.SessionPending}, crawler.SessionRunning, f.startErr)
}

func (f *fakeSessions) Pause(_ context.Context, id string) (crawler.Session, error) {
	return f.move(id, []crawler.SessionStatus{crawler.SessionRunning}, crawler.SessionPaused, nil)
}

func (f *fakeSessions) Resume(_ context.Context, id string) (crawler.Session, error) {
	return f.move(id, []crawler.SessionStatus{crawler.SessionPaused}, crawler.SessionRunning, nil)
}

func (f *fakeSessions) Cancel(_ context.Context, id string) (crawler.Session, error) {
	return f.move(id, []crawler.SessionStatus{crawler.SessionPending, crawler.SessionRunning, crawler.SessionPaused}, crawler.SessionFailed, nil)
}

func (f *fakeSessions) move(id string, from []crawler.SessionStatus, to crawler.SessionStatus, fail error) (crawler.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return crawler.Session{}, crawler.ErrNotFound
	}
	if fail != nil {
		s.Status = crawler.SessionFailed
		f.sessions[id] = s
		return s, fail
	}
	if s.Status == to || (to == crawler.SessionFailed && s.Status == crawler.SessionCompleted) {
		return s, nil
	}
	for _, allowed := range from {
		if s.Status == allowed {
			s.Status = to
			f.sessions[id] = s
			return s, nil
		}
	}
	return s, crawler.ErrInvalidTransition
}

func (f *fakeSessions) Get(_ context.Context, id string) (crawler.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return crawler.Session{}, fmt.Errorf("load session %s: %w", id, crawler.ErrNotFound)
	}
	return s, nil
}

func (f *fakeSessions) Status(ctx context.Context, id string) (session.Status, error) {
	s, err := f.Get(ctx, id)
	if err != nil {
		return session.Status{}, err
	}
	return session.Status{
		SessionID:    s.ID,
		Status:       s.Status,
		PagesCrawled: s.PagesCrawled,
		PageBudget:   s.Config.PageBudget,
		CurrentURLs:  []string{},
	}, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
