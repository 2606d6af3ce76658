package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prismsocial/calsync/internal/calsync"
)

type recordingAdapter struct {
	provider string
	pulls    chan string
}

func (a *recordingAdapter) Provider() string { return a.provider }

func (a *recordingAdapter) Pull(ctx context.Context, conn calsync.Connection) (calsync.PullResult, error) {
	a.pulls <- conn.ID
	return calsync.PullResult{NextCursor: "C1"}, nil
}

func (a *recordingAdapter) Subscribe(ctx context.Context, conn calsync.Connection) (calsync.Subscription, error) {
	return calsync.Subscription{ID: "sub-1", Expiry: time.Now().Add(48 * time.Hour)}, nil
}

func (a *recordingAdapter) Renew(ctx context.Context, conn calsync.Connection) (calsync.Subscription, error) {
	return calsync.Subscription{ID: conn.SubscriptionID, Expiry: time.Now().Add(48 * time.Hour)}, nil
}

func (a *recordingAdapter) Unsubscribe(ctx context.Context, conn calsync.Connection) error {
	return nil
}

type serverFixture struct {
	server *Server
	store  *calsync.MemoryStore
	google *recordingAdapter
	graph  *recordingAdapter
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	store := calsync.NewMemoryStore()
	google := &recordingAdapter{provider: calsync.ProviderGoogle, pulls: make(chan string, 16)}
	graph := &recordingAdapter{provider: calsync.ProviderOutlook, pulls: make(chan string, 16)}
	adapters := []calsync.ProviderAdapter{google, graph}
	subs := calsync.NewSubscriptionManager(store, store, adapters, 12*time.Hour)
	engine := calsync.NewEngine(store, calsync.NewMemoryJobQueue(64), adapters, subs, calsync.EngineOptions{Workers: 2})
	engine.Start(context.Background())
	t.Cleanup(func() { _ = engine.Close() })
	return &serverFixture{
		server: NewServer(engine, store),
		store:  store,
		google: google,
		graph:  graph,
	}
}

func (f *serverFixture) seedConnection(t *testing.T, conn calsync.Connection) {
	t.Helper()
	if conn.Status == "" {
		conn.Status = calsync.StatusActive
	}
	if err := f.store.SaveConnection(context.Background(), conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
}

func waitForPull(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("pulled connection %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("no pull for connection %q", want)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGoogleHookTriggersSync(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, calsync.Connection{ID: "c1", UserID: "u1", Provider: calsync.ProviderGoogle, SubscriptionID: "chan-1"})

	req := httptest.NewRequest(http.MethodPost, "/hooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Resource-State", "exists")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	waitForPull(t, f.google.pulls, "c1")
}

func TestGoogleHookSyncStateMessageIsAcked(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, calsync.Connection{ID: "c1", Provider: calsync.ProviderGoogle, SubscriptionID: "chan-1"})

	req := httptest.NewRequest(http.MethodPost, "/hooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Resource-State", "sync")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case id := <-f.google.pulls:
		t.Fatalf("bootstrap message triggered a pull for %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGoogleHookUnknownChannelStillAcked(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/hooks/google", nil)
	req.Header.Set("X-Goog-Channel-ID", "chan-stale")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	// A non-2xx would make Google retry a notification we can never resolve.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGoogleHookMissingChannelHeader(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/google", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestOutlookHookValidationHandshake(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/outlook?validationToken=token-123%20abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("content type = %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "token-123 abc" {
		t.Fatalf("body = %q, token must be echoed verbatim", body)
	}
}

func TestOutlookHookBatchedNotifications(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, calsync.Connection{ID: "c1", Provider: calsync.ProviderOutlook, SubscriptionID: "sub-1"})
	f.seedConnection(t, calsync.Connection{ID: "c2", Provider: calsync.ProviderOutlook, SubscriptionID: "sub-2"})

	payload := `{"value":[
		{"subscriptionId":"sub-1","changeType":"updated"},
		{"subscriptionId":"sub-1","changeType":"created"},
		{"subscriptionId":"sub-2","changeType":"deleted"},
		{"subscriptionId":"sub-stale","changeType":"updated"}
	]}`
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/outlook", strings.NewReader(payload)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	got := map[string]int{}
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case id := <-f.graph.pulls:
			got[id]++
		case <-timeout:
			t.Fatalf("pulls = %v", got)
		}
	}
	select {
	case id := <-f.graph.pulls:
		t.Fatalf("extra pull for %q, duplicates must collapse", id)
	case <-time.After(50 * time.Millisecond):
	}
	if got["c1"] != 1 || got["c2"] != 1 {
		t.Fatalf("pulls = %v", got)
	}
}

func TestOutlookHookRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	for _, payload := range []string{
		`not json`,
		`{"novalue":true}`,
		`{"value":[{"changeType":"updated"}]}`,
	} {
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hooks/outlook", strings.NewReader(payload)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("payload %q: status = %d", payload, rec.Code)
		}
	}
}

func TestAdminSyncStatus(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, calsync.Connection{ID: "c1", UserID: "u1", Provider: calsync.ProviderGoogle, Cursor: "C1"})

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status calsync.EngineStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(status.Connections) != 1 || !status.Connections[0].HasCursor {
		t.Fatalf("status = %+v", status)
	}
}

func TestConnectionActions(t *testing.T) {
	f := newFixture(t)
	f.seedConnection(t, calsync.Connection{ID: "c1", UserID: "u1", Provider: calsync.ProviderGoogle})

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/connections/c1/sync", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("sync status = %d", rec.Code)
	}
	waitForPull(t, f.google.pulls, "c1")

	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/connections/missing/sync", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing connection status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/connections/c1/bogus", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("bogus action status = %d", rec.Code)
	}
}

func TestUserEventsListing(t *testing.T) {
	f := newFixture(t)
	if err := f.store.UpsertEvent(context.Background(), calsync.Event{
		UserID: "u1", Provider: calsync.ProviderGoogle, ExternalID: "ext1", Title: "Standup",
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/u1/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		UserID string          `json:"userId"`
		Events []calsync.Event `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) != 1 || out.Events[0].Title != "Standup" {
		t.Fatalf("events = %+v", out.Events)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
