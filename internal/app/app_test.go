package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/app"
	"github.com/JakeFAU/siteaudit-crawler/internal/config"
	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/session"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Crawler.Concurrency = 2
	cfg.Crawler.PollInterval = 20 * time.Millisecond
	cfg.Crawler.IdleWait = 20 * time.Millisecond
	cfg.Crawler.HeartbeatInterval = time.Second
	cfg.Crawler.RequestTimeout = 5 * time.Second
	cfg.Checkpoint.Interval = 50 * time.Millisecond
	cfg.Reaper.Interval = 50 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	page := func(links ...string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			var body bytes.Buffer
			body.WriteString("<html><body>")
			for _, link := range links {
				fmt.Fprintf(&body, `<a href="%s">%s</a>`, link, link)
			}
			body.WriteString("</body></html>")
			_, _ = w.Write(body.Bytes())
		}
	}
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	})
	mux.HandleFunc("/sitemap.xml", http.NotFound)
	mux.HandleFunc("/a", page("/b", "https://elsewhere.example/"))
	mux.HandleFunc("/b", page("/"))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		page("/a", "/b")(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	require.NotNil(t, a.Sessions)
	require.NotNil(t, a.Frontier)
	require.NotNil(t, a.Checkpoints)
	require.NotNil(t, a.Dispatcher)
	require.NotNil(t, a.Reaper)
	require.NotNil(t, a.Stores.Leases)
	require.NotNil(t, a.Stores.Governor)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), config.BackendMemory)
}

func TestNewRejectsBrokenStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.LocalDir = ""

	_, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
}

func TestRunWorkModeStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, app.ModeWork) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCrawlSessionEndToEnd(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	a := newTestApp(t, testConfig(t))
	handler := a.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, app.ModeWork) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	payload, err := json.Marshal(map[string]any{
		"target_url":          site.URL + "/",
		"max_depth":           3,
		"page_budget":         10,
		"speed_limit_per_sec": 50,
		"start":               true,
	})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(payload)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Session crawler.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, crawler.SessionRunning, created.Session.Status)

	var status session.Status
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+created.Session.ID+"/status", nil))
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status.Terminal()
	}, 15*time.Second, 50*time.Millisecond)

	require.Equal(t, crawler.SessionCompleted, status.Status)
	require.Equal(t, 3, status.PagesCrawled)
	require.Zero(t, status.PagesFailed)
	require.Zero(t, status.Frontier.Leased)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+created.Session.ID+"/pages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pages struct {
		Pages []crawler.PageRecord `json:"pages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pages))
	require.Len(t, pages.Pages, 3)
}
