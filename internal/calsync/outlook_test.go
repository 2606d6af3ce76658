package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestOutlookAdapter(t *testing.T, handler http.Handler) (*OutlookAdapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	adapter := NewOutlookAdapter(OutlookAdapterOptions{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Tokens:     staticTokens{token: "tok"},
		WebhookURL: "https://hooks.example.com/hooks/outlook",
	})
	adapter.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return adapter, server
}

func TestOutlookPullFollowsDeltaChain(t *testing.T) {
	var server *httptest.Server
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The nextLink page shares the delta path, so route on the skiptoken.
		if r.URL.Query().Get("$skiptoken") == "page2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]any{
					{
						"id":       "ev-removed",
						"@removed": map[string]any{"reason": "deleted"},
					},
				},
				"@odata.deltaLink": server.URL + "/me/calendarView/delta?$deltatoken=fresh",
			})
			return
		}
		if r.URL.Query().Get("startDateTime") == "" || r.URL.Query().Get("endDateTime") == "" {
			t.Fatalf("initial sweep missing window bounds: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{
				{
					"id":      "ev-1",
					"subject": "Planning",
					"body": map[string]any{
						"contentType": "html",
						"content":     "<p>Q3 <i>planning</i></p>",
					},
					"start": map[string]any{
						"dateTime": "2024-06-03T14:00:00.0000000",
						"timeZone": "FLE Standard Time",
					},
					"end": map[string]any{
						"dateTime": "2024-06-03T15:00:00.0000000",
						"timeZone": "FLE Standard Time",
					},
					"originalStartTimeZone": "FLE Standard Time",
					"originalEndTimeZone":   "FLE Standard Time",
				},
				{
					"id":             "ev-occurrence",
					"subject":        "Series instance",
					"seriesMasterId": "ev-master",
				},
			},
			"@odata.nextLink": server.URL + "/me/calendarView/delta?$skiptoken=page2",
		})
	})
	adapter, srv := newTestOutlookAdapter(t, handler)
	server = srv

	conn := Connection{ID: "c1", UserID: "u1", Provider: ProviderOutlook}
	result, err := adapter.Pull(context.Background(), conn)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !strings.Contains(result.NextCursor, "deltatoken=fresh") {
		t.Fatalf("NextCursor = %q", result.NextCursor)
	}
	if len(result.Deltas) != 2 {
		t.Fatalf("deltas = %d, want 2 (series instance skipped)", len(result.Deltas))
	}

	planning := result.Deltas[0]
	if planning.Kind != DeltaUpsert || planning.ExternalID != "ev-1" {
		t.Fatalf("first delta = %+v", planning)
	}
	// 14:00 in Kyiv during DST is 11:00 UTC.
	wantStart := time.Date(2024, 6, 3, 11, 0, 0, 0, time.UTC)
	if !planning.Fields.Start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", planning.Fields.Start, wantStart)
	}
	if planning.Fields.StartTimezone != "Europe/Kiev" {
		t.Fatalf("start tz = %q", planning.Fields.StartTimezone)
	}
	if planning.Fields.Description != "Q3 planning" {
		t.Fatalf("description = %q", planning.Fields.Description)
	}

	if result.Deltas[1].Kind != DeltaDelete || result.Deltas[1].ExternalID != "ev-removed" {
		t.Fatalf("second delta = %+v", result.Deltas[1])
	}
}

func TestOutlookPullResumesFromDeltaLink(t *testing.T) {
	var gotPath string
	var server *httptest.Server
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":            []map[string]any{},
			"@odata.deltaLink": server.URL + "/me/calendarView/delta?$deltatoken=next",
		})
	})
	adapter, srv := newTestOutlookAdapter(t, handler)
	server = srv

	conn := Connection{ID: "c1", Cursor: server.URL + "/me/calendarView/delta?$deltatoken=prev"}
	result, err := adapter.Pull(context.Background(), conn)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !strings.Contains(gotPath, "deltatoken=prev") {
		t.Fatalf("request did not use stored delta link: %s", gotPath)
	}
	if !strings.Contains(result.NextCursor, "deltatoken=next") {
		t.Fatalf("NextCursor = %q", result.NextCursor)
	}
}

func TestOutlookPullRecoversFromInvalidDeltaLink(t *testing.T) {
	var server *httptest.Server
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "deltatoken=stale") {
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"code":"fullSyncRequired","message":"The sync state is not valid"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":            []map[string]any{},
			"@odata.deltaLink": server.URL + "/me/calendarView/delta?$deltatoken=fresh",
		})
	})
	adapter, srv := newTestOutlookAdapter(t, handler)
	server = srv

	conn := Connection{ID: "c1", Cursor: server.URL + "/me/calendarView/delta?$deltatoken=stale"}
	result, err := adapter.Pull(context.Background(), conn)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if !result.FullResyncRequired {
		t.Fatalf("expected FullResyncRequired")
	}
	if !strings.Contains(result.NextCursor, "deltatoken=fresh") {
		t.Fatalf("NextCursor = %q", result.NextCursor)
	}
}

func TestOutlookSubscribeRenewUnsubscribe(t *testing.T) {
	var renewedID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/subscriptions":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["notificationUrl"] != "https://hooks.example.com/hooks/outlook" {
				t.Fatalf("notificationUrl = %v", body["notificationUrl"])
			}
			if body["resource"] != "me/events" {
				t.Fatalf("resource = %v", body["resource"])
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":                 "sub-new",
				"expirationDateTime": "2024-06-03T00:00:00Z",
			})
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/subscriptions/"):
			renewedID = strings.TrimPrefix(r.URL.Path, "/subscriptions/")
			if renewedID == "sub-gone" {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":{"code":"ResourceNotFound","message":"not found"}}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":                 renewedID,
				"expirationDateTime": "2024-06-05T00:00:00Z",
			})
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/subscriptions/"):
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	adapter, _ := newTestOutlookAdapter(t, handler)

	sub, err := adapter.Subscribe(context.Background(), Connection{ID: "c1"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.ID != "sub-new" {
		t.Fatalf("subscription id = %q", sub.ID)
	}
	if want := mustParseTime(t, "2024-06-03T00:00:00Z"); !sub.Expiry.Equal(want) {
		t.Fatalf("expiry = %v", sub.Expiry)
	}

	sub, err = adapter.Renew(context.Background(), Connection{ID: "c1", SubscriptionID: "sub-live"})
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewedID != "sub-live" || sub.ID != "sub-live" {
		t.Fatalf("renewed %q, sub = %+v", renewedID, sub)
	}

	// A lapsed subscription is recreated instead of failing the renew.
	sub, err = adapter.Renew(context.Background(), Connection{ID: "c1", SubscriptionID: "sub-gone"})
	if err != nil {
		t.Fatalf("Renew after 404: %v", err)
	}
	if sub.ID != "sub-new" {
		t.Fatalf("replacement subscription id = %q", sub.ID)
	}

	// Provider-side 404 on delete counts as already unsubscribed.
	if err := adapter.Unsubscribe(context.Background(), Connection{ID: "c1", SubscriptionID: "sub-live"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
}

func TestOutlookDescriptionPlainText(t *testing.T) {
	got := outlookDescription(&outlookBody{ContentType: "text", Content: "  line one\n line two "})
	if got != "line one line two" {
		t.Fatalf("description = %q", got)
	}
	if outlookDescription(nil) != "" {
		t.Fatalf("nil body should give empty description")
	}
}

func TestOutlookPullAuthRevoked(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"token expired"}}`))
	})
	adapter, _ := newTestOutlookAdapter(t, handler)

	_, err := adapter.Pull(context.Background(), Connection{ID: "c1"})
	if !errors.Is(err, ErrAuthRevoked) {
		t.Fatalf("err = %v, want ErrAuthRevoked", err)
	}
}
