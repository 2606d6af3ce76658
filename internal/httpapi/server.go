package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/prismsocial/calsync/internal/calsync"
	appLog "github.com/prismsocial/calsync/internal/log"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server terminates provider webhooks and exposes a small admin surface.
// Webhook handlers never do provider I/O inline: they resolve the
// notification to a connection and enqueue a sync job.
type Server struct {
	engine *calsync.Engine
	store  calsync.Store
	cfg    ServerConfig

	rateLimiter        *rateLimiter
	notificationSchema *jsonschema.Schema
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *calsync.Engine, store calsync.Store) *Server {
	return NewServerWithConfig(engine, store, ServerConfig{})
}

func NewServerWithConfig(engine *calsync.Engine, store calsync.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:             engine,
		store:              store,
		cfg:                cfg,
		rateLimiter:        limiter,
		notificationSchema: mustGraphNotificationSchema(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch r.URL.Path {
	case "/hooks/google":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		s.handleGoogleHook(w, r)
		return
	case "/hooks/outlook":
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		s.handleOutlookHook(w, r)
		return
	case "/v1/admin/sync":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
			return
		}
		s.handleAdminSync(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "connections" {
		s.handleConnectionAction(w, r, parts[2], parts[3])
		return
	}
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "events" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
			return
		}
		s.handleUserEvents(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

// handleGoogleHook resolves a Calendar push notification by its channel id.
// Google retries on non-2xx, so stale channels are acknowledged rather than
// rejected; the only client error is a notification with no channel header.
func (s *Server) handleGoogleHook(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimSpace(r.Header.Get("X-Goog-Channel-ID"))
	if channelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Goog-Channel-ID header")
		return
	}
	if !s.allow("google:" + channelID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many notifications for channel")
		return
	}
	state := strings.TrimSpace(r.Header.Get("X-Goog-Resource-State"))
	if state == "sync" {
		// Channel bootstrap message, nothing changed yet.
		w.WriteHeader(http.StatusOK)
		return
	}

	conn, err := s.store.FindBySubscription(r.Context(), calsync.ProviderGoogle, channelID)
	if err != nil {
		if errors.Is(err, calsync.ErrNotFound) {
			appLog.Debug("notification for unknown google channel", "channel", channelID)
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "connection lookup failed")
		return
	}
	s.engine.EnqueueSync(conn.ID)
	w.WriteHeader(http.StatusOK)
}

// handleOutlookHook covers both halves of the Graph webhook contract: the
// subscription handshake (validationToken echoed back as plain text) and
// change notifications, which may batch several subscriptions per request.
func (s *Server) handleOutlookHook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "bad_request", "missing validationToken")
		return
	}

	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "notification body is not valid JSON")
		return
	}
	if err := s.notificationSchema.Validate(payload); err != nil {
		appLog.Info("rejecting malformed graph notification", "error", err.Error())
		writeError(w, http.StatusBadRequest, "bad_request", "notification body failed validation")
		return
	}

	for _, subscriptionID := range graphSubscriptionIDs(payload) {
		if !s.allow("outlook:" + subscriptionID) {
			continue
		}
		conn, err := s.store.FindBySubscription(r.Context(), calsync.ProviderOutlook, subscriptionID)
		if err != nil {
			if errors.Is(err, calsync.ErrNotFound) {
				appLog.Debug("notification for unknown graph subscription", "subscription", subscriptionID)
				continue
			}
			writeError(w, http.StatusInternalServerError, "internal", "connection lookup failed")
			return
		}
		s.engine.EnqueueSync(conn.ID)
	}
	// Graph expects 202 for accepted change notifications.
	w.WriteHeader(http.StatusAccepted)
}

// graphSubscriptionIDs collects the distinct subscription ids of a validated
// notification batch, preserving first-seen order.
func graphSubscriptionIDs(payload any) []string {
	root, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	items, ok := root["value"].([]any)
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var ids []string
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := entry["subscriptionId"].(string)
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleAdminSync(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "status snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConnectionAction(w http.ResponseWriter, r *http.Request, connectionID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	if _, err := s.store.GetConnection(r.Context(), connectionID); err != nil {
		if errors.Is(err, calsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "connection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "connection lookup failed")
		return
	}

	var accepted bool
	switch action {
	case "sync":
		accepted = s.engine.EnqueueSync(connectionID)
	case "subscribe":
		accepted = s.engine.EnqueueSubscribe(connectionID)
	case "renew":
		accepted = s.engine.EnqueueRenew(connectionID)
	case "unsubscribe":
		accepted = s.engine.EnqueueUnsubscribe(connectionID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown connection action")
		return
	}
	if !accepted {
		writeError(w, http.StatusServiceUnavailable, "queue_full", "job queue is full, try again later")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "connectionId": connectionID, "action": action})
}

func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request, userID string) {
	events, err := s.store.ListEvents(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "event listing failed")
		return
	}
	if events == nil {
		events = []calsync.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "events": events})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) allow(key string) bool {
	if s.rateLimiter == nil {
		return true
	}
	return s.rateLimiter.allow(key, time.Now())
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// ListenAndServe runs the server until the context is cancelled, then shuts
// down draining in-flight requests.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
