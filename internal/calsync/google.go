package calsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "github.com/prismsocial/calsync/internal/log"
)

const (
	googleAPIBase          = "https://www.googleapis.com/calendar/v3"
	reasonFullSyncRequired = "fullSyncRequired"
)

type GoogleAdapterOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     AccessTokenProvider
	WebhookURL string
	ChannelTTL time.Duration
	Window     SyncWindow
}

// GoogleAdapter speaks the Google Calendar v3 sync protocol: syncToken plus
// pageToken pagination, watch channels for push, HTTP 410 fullSyncRequired
// for cursor invalidation.
type GoogleAdapter struct {
	baseURL      string
	client       *providerClient
	tokens       AccessTokenProvider
	webhookURL   string
	channelTTL   time.Duration
	window       SyncWindow
	newChannelID func() string
	now          func() time.Time
}

func NewGoogleAdapter(opts GoogleAdapterOptions) *GoogleAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = googleAPIBase
	}
	channelTTL := opts.ChannelTTL
	if channelTTL <= 0 {
		channelTTL = 6 * 24 * time.Hour
	}
	return &GoogleAdapter{
		baseURL:      baseURL,
		client:       newProviderClient(ProviderGoogle, opts.HTTPClient),
		tokens:       opts.Tokens,
		webhookURL:   strings.TrimSpace(opts.WebhookURL),
		channelTTL:   channelTTL,
		window:       opts.Window,
		newChannelID: uuid.NewString,
		now:          time.Now,
	}
}

func (a *GoogleAdapter) Provider() string {
	return ProviderGoogle
}

type googleEventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleEvent struct {
	ID               string           `json:"id"`
	Status           string           `json:"status"`
	Summary          string           `json:"summary"`
	Description      string           `json:"description"`
	RecurringEventID string           `json:"recurringEventId"`
	Start            *googleEventTime `json:"start"`
	End              *googleEventTime `json:"end"`
}

type googleEventPage struct {
	Items         []googleEvent `json:"items"`
	TimeZone      string        `json:"timeZone"`
	NextPageToken string        `json:"nextPageToken"`
	NextSyncToken string        `json:"nextSyncToken"`
}

func (a *GoogleAdapter) Pull(ctx context.Context, conn Connection) (PullResult, error) {
	token, err := a.tokens.AccessToken(ctx, conn)
	if err != nil {
		return PullResult{}, err
	}

	syncToken := strings.TrimSpace(conn.Cursor)
	fullResync := false
	// Bounded iterative retry: one windowed redo after a rejected sync token,
	// never recursion.
	for attempt := 0; attempt <= 1; attempt++ {
		result, err := a.pullSweep(ctx, conn, token, syncToken)
		if err != nil {
			var pe *ProviderError
			if errors.As(err, &pe) && pe.StatusCode == http.StatusGone {
				if syncToken == "" || attempt > 0 {
					return PullResult{}, fmt.Errorf("google rejected windowed resync: %w", ErrCursorInvalid)
				}
				appLog.Info("google sync token invalidated, falling back to bounded window",
					"connection", conn.ID)
				syncToken = ""
				fullResync = true
				continue
			}
			return PullResult{}, err
		}
		result.FullResyncRequired = fullResync
		return result, nil
	}
	return PullResult{}, ErrCursorInvalid
}

// pullSweep drains every page of one sync run and returns the final cursor.
func (a *GoogleAdapter) pullSweep(ctx context.Context, conn Connection, token, syncToken string) (PullResult, error) {
	var deltas []RemoteEventDelta
	nextSync := ""
	pageToken := ""
	calendarTZ := ""

	for {
		// On shutdown the current page finishes but no new page starts.
		if err := ctx.Err(); err != nil {
			return PullResult{}, err
		}
		q := url.Values{}
		if syncToken != "" {
			q.Set("syncToken", syncToken)
		} else {
			timeMin, timeMax := a.window.Bounds(a.now())
			q.Set("timeMin", timeMin.Format(time.RFC3339))
			q.Set("timeMax", timeMax.Format(time.RFC3339))
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page googleEventPage
		if err := a.client.getJSON(ctx, a.baseURL+"/calendars/primary/events", token, q, &page); err != nil {
			return PullResult{}, err
		}
		if page.TimeZone != "" {
			calendarTZ = page.TimeZone
		}
		for _, item := range page.Items {
			delta, ok := a.classify(conn, item, calendarTZ)
			if !ok {
				continue
			}
			deltas = append(deltas, delta)
		}
		if page.NextSyncToken != "" {
			nextSync = page.NextSyncToken
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return PullResult{Deltas: deltas, NextCursor: nextSync}, nil
}

func (a *GoogleAdapter) classify(conn Connection, item googleEvent, calendarTZ string) (RemoteEventDelta, bool) {
	if strings.TrimSpace(item.ID) == "" {
		appLog.Info("skipping google event without id", "connection", conn.ID)
		return RemoteEventDelta{}, false
	}
	// Occurrences of a recurring series are not mirrored; only the master
	// event is kept, and that one carries no recurringEventId.
	if item.RecurringEventID != "" {
		return RemoteEventDelta{}, false
	}
	if item.Status == "cancelled" {
		return RemoteEventDelta{Kind: DeltaDelete, ExternalID: item.ID}, true
	}
	if item.Start == nil || item.End == nil {
		appLog.Info("skipping malformed google event", "connection", conn.ID, "external_id", item.ID)
		return RemoteEventDelta{}, false
	}
	fallbackTZ := calendarTZ
	if fallbackTZ == "" {
		fallbackTZ = conn.ProfileTimezone
	}
	start, startTZ, err := googleInstant(item.Start, fallbackTZ)
	if err != nil {
		appLog.Info("skipping google event with bad start", "connection", conn.ID, "external_id", item.ID, "reason", err)
		return RemoteEventDelta{}, false
	}
	end, endTZ, err := googleInstant(item.End, fallbackTZ)
	if err != nil {
		appLog.Info("skipping google event with bad end", "connection", conn.ID, "external_id", item.ID, "reason", err)
		return RemoteEventDelta{}, false
	}
	return RemoteEventDelta{
		Kind:       DeltaUpsert,
		ExternalID: item.ID,
		Fields: EventFields{
			Title:         item.Summary,
			Description:   ExtractText(item.Description),
			Start:         start,
			End:           end,
			StartTimezone: startTZ,
			EndTimezone:   endTZ,
		},
	}, true
}

// googleInstant resolves one side of an event: timed events come as RFC3339
// with an offset, all-day events as a naive date interpreted in the resolved
// zone.
func googleInstant(t *googleEventTime, fallbackTZ string) (time.Time, string, error) {
	zone := ResolveTimezone(t.TimeZone, fallbackTZ, nil)
	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, "", err
		}
		return parsed.UTC(), zone, nil
	}
	if t.Date != "" {
		parsed, err := time.Parse("2006-01-02", t.Date)
		if err != nil {
			return time.Time{}, "", err
		}
		return ToUTC(parsed, zone), zone, nil
	}
	return time.Time{}, "", errors.New("missing date and dateTime")
}

func (a *GoogleAdapter) Subscribe(ctx context.Context, conn Connection) (Subscription, error) {
	token, err := a.tokens.AccessToken(ctx, conn)
	if err != nil {
		return Subscription{}, err
	}
	expiry := a.now().Add(a.channelTTL)
	body := map[string]any{
		"id":         a.newChannelID(),
		"type":       "web_hook",
		"address":    a.webhookURL,
		"expiration": expiry.UnixMilli(),
	}
	var out struct {
		ID         string `json:"id"`
		ResourceID string `json:"resourceId"`
		Expiration string `json:"expiration"`
	}
	err = a.client.doJSON(ctx, http.MethodPost, a.baseURL+"/calendars/primary/events/watch", token, nil, body, &out)
	if err != nil {
		return Subscription{}, err
	}
	if ms, parseErr := strconv.ParseInt(out.Expiration, 10, 64); parseErr == nil && ms > 0 {
		expiry = time.UnixMilli(ms).UTC()
	}
	return Subscription{ID: out.ID, ResourceID: out.ResourceID, Expiry: expiry}, nil
}

// Renew opens a fresh channel and then stops the old one; Google channels
// cannot have their expiry extended in place.
func (a *GoogleAdapter) Renew(ctx context.Context, conn Connection) (Subscription, error) {
	sub, err := a.Subscribe(ctx, conn)
	if err != nil {
		return Subscription{}, err
	}
	if conn.SubscriptionID != "" {
		if stopErr := a.Unsubscribe(ctx, conn); stopErr != nil {
			appLog.Debug("stopping superseded google channel failed",
				"connection", conn.ID, "channel", conn.SubscriptionID, "reason", stopErr)
		}
	}
	return sub, nil
}

func (a *GoogleAdapter) Unsubscribe(ctx context.Context, conn Connection) error {
	if conn.SubscriptionID == "" {
		return nil
	}
	token, err := a.tokens.AccessToken(ctx, conn)
	if err != nil {
		return err
	}
	body := map[string]any{
		"id":         conn.SubscriptionID,
		"resourceId": conn.SubscriptionResourceID,
	}
	return a.client.doJSON(ctx, http.MethodPost, a.baseURL+"/channels/stop", token, nil, body, nil)
}
