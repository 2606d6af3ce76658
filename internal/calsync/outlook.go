package calsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "github.com/prismsocial/calsync/internal/log"
)

const (
	graphAPIBase = "https://graph.microsoft.com/v1.0"
	// Graph delivers naive local timestamps with a 7-digit fraction.
	graphTimeLayout = "2006-01-02T15:04:05.9999999"
)

type OutlookAdapterOptions struct {
	BaseURL         string
	HTTPClient      *http.Client
	Tokens          AccessTokenProvider
	WebhookURL      string
	SubscriptionTTL time.Duration
	Window          SyncWindow
	Timezones       *TimezoneTable
}

// OutlookAdapter speaks the Microsoft Graph sync protocol: calendarView
// delta queries chained through @odata.nextLink, a deltaLink cursor, and
// Graph subscriptions for push notifications.
type OutlookAdapter struct {
	baseURL         string
	client          *providerClient
	tokens          AccessTokenProvider
	webhookURL      string
	subscriptionTTL time.Duration
	window          SyncWindow
	timezones       *TimezoneTable
	now             func() time.Time
}

func NewOutlookAdapter(opts OutlookAdapterOptions) *OutlookAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = graphAPIBase
	}
	ttl := opts.SubscriptionTTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	timezones := opts.Timezones
	if timezones == nil {
		timezones = NewWindowsTimezoneTable()
	}
	return &OutlookAdapter{
		baseURL:         baseURL,
		client:          newProviderClient(ProviderOutlook, opts.HTTPClient),
		tokens:          opts.Tokens,
		webhookURL:      strings.TrimSpace(opts.WebhookURL),
		subscriptionTTL: ttl,
		window:          opts.Window,
		timezones:       timezones,
		now:             time.Now,
	}
}

func (a *OutlookAdapter) Provider() string {
	return ProviderOutlook
}

type outlookDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type outlookBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type outlookEvent struct {
	ID                    string           `json:"id"`
	Subject               string           `json:"subject"`
	Body                  *outlookBody     `json:"body"`
	Start                 *outlookDateTime `json:"start"`
	End                   *outlookDateTime `json:"end"`
	OriginalStartTimeZone string           `json:"originalStartTimeZone"`
	OriginalEndTimeZone   string           `json:"originalEndTimeZone"`
	SeriesMasterID        string           `json:"seriesMasterId"`
	Removed               *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type outlookDeltaPage struct {
	Value     []outlookEvent `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

func (a *OutlookAdapter) Pull(ctx context.Context, conn Connection) (PullResult, error) {
	token, err := a.tokens.AccessToken(ctx, conn)
	if err != nil {
		return PullResult{}, err
	}

	deltaLink := strings.TrimSpace(conn.Cursor)
	fullResync := false
	for attempt := 0; attempt <= 1; attempt++ {
		result, err := a.pullSweep(ctx, conn, token, deltaLink)
		if err != nil {
			var pe *ProviderError
			if errors.As(err, &pe) && pe.StatusCode == http.StatusGone {
				if deltaLink == "" || attempt > 0 {
					return PullResult{}, fmt.Errorf("graph rejected windowed resync: %w", ErrCursorInvalid)
				}
				appLog.Info("graph delta link invalidated, falling back to bounded window",
					"connection", conn.ID)
				deltaLink = ""
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

func (a *OutlookAdapter) pullSweep(ctx context.Context, conn Connection, token, deltaLink string) (PullResult, error) {
	var deltas []RemoteEventDelta

	requestURL := deltaLink
	var query url.Values
	if requestURL == "" {
		requestURL = a.baseURL + "/me/calendarView/delta"
		start, end := a.window.Bounds(a.now())
		query = url.Values{}
		query.Set("startDateTime", start.Format(time.RFC3339))
		query.Set("endDateTime", end.Format(time.RFC3339))
	}

	for {
		if err := ctx.Err(); err != nil {
			return PullResult{}, err
		}
		var page outlookDeltaPage
		if err := a.client.getJSON(ctx, requestURL, token, query, &page); err != nil {
			return PullResult{}, err
		}
		query = nil
		for _, item := range page.Value {
			delta, ok := a.classify(conn, item)
			if !ok {
				continue
			}
			deltas = append(deltas, delta)
		}
		if page.DeltaLink != "" {
			return PullResult{Deltas: deltas, NextCursor: page.DeltaLink}, nil
		}
		if page.NextLink == "" {
			// A page without either link ends the sweep; keep the old cursor.
			return PullResult{Deltas: deltas, NextCursor: deltaLink}, nil
		}
		requestURL = page.NextLink
	}
}

func (a *OutlookAdapter) classify(conn Connection, item outlookEvent) (RemoteEventDelta, bool) {
	if strings.TrimSpace(item.ID) == "" {
		appLog.Info("skipping outlook event without id", "connection", conn.ID)
		return RemoteEventDelta{}, false
	}
	// Only the series master is mirrored for recurring events.
	if item.SeriesMasterID != "" {
		return RemoteEventDelta{}, false
	}
	if item.Removed != nil {
		return RemoteEventDelta{Kind: DeltaDelete, ExternalID: item.ID}, true
	}
	if item.Start == nil || item.End == nil {
		appLog.Info("skipping malformed outlook event", "connection", conn.ID, "external_id", item.ID)
		return RemoteEventDelta{}, false
	}
	start, startTZ, err := a.instant(conn, item.Start, item.OriginalStartTimeZone)
	if err != nil {
		appLog.Info("skipping outlook event with bad start", "connection", conn.ID, "external_id", item.ID, "reason", err)
		return RemoteEventDelta{}, false
	}
	end, endTZ, err := a.instant(conn, item.End, item.OriginalEndTimeZone)
	if err != nil {
		appLog.Info("skipping outlook event with bad end", "connection", conn.ID, "external_id", item.ID, "reason", err)
		return RemoteEventDelta{}, false
	}
	return RemoteEventDelta{
		Kind:       DeltaUpsert,
		ExternalID: item.ID,
		Fields: EventFields{
			Title:         item.Subject,
			Description:   outlookDescription(item.Body),
			Start:         start,
			End:           end,
			StartTimezone: startTZ,
			EndTimezone:   endTZ,
		},
	}, true
}

// instant converts Graph's naive local timestamp to UTC. The value is
// interpreted in the zone Graph reports alongside it; the original
// (creation-time) zone becomes the display timezone after mapping the
// Windows identifier to an IANA name.
func (a *OutlookAdapter) instant(conn Connection, t *outlookDateTime, originalTZ string) (time.Time, string, error) {
	if strings.TrimSpace(t.DateTime) == "" {
		return time.Time{}, "", errors.New("missing dateTime")
	}
	parsed, err := time.Parse(graphTimeLayout, t.DateTime)
	if err != nil {
		return time.Time{}, "", err
	}
	zone := ResolveTimezone(t.TimeZone, conn.ProfileTimezone, a.timezones)
	display := ResolveTimezone(originalTZ, zone, a.timezones)
	return ToUTC(parsed, zone), display, nil
}

func outlookDescription(body *outlookBody) string {
	if body == nil {
		return ""
	}
	if strings.EqualFold(body.ContentType, "html") {
		return ExtractText(body.Content)
	}
	return collapseWhitespace(body.Content)
}

func (a *OutlookAdapter) Subscribe(ctx context.Context, conn Connection) (Subscription, error) {
	token, err := a.tokens.AccessToken(ctx, conn)
	if err != nil {
		return Subscription{}, err
	}
	expiry := a.now().Add(a.subscriptionTTL).UTC()
	body := map[string]any{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    a.webhookURL,
		"resource":           "me/events",
		"expirationDateTime": expiry.Format(time.RFC3339),
	}
	var out struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := a.client.doJSON(ctx, http.MethodPost, a.baseURL+"/subscriptions", token, nil, body, &out); err != nil {
		return Subscription{}, err
	}
	if parsed, parseErr := time.Parse(time.RFC3339, out.ExpirationDateTime); parseErr == nil {
		expiry = parsed.UTC()
	}
	return Subscription{ID: out.ID, Expiry: expiry}, nil
}

func (a *OutlookAdapter) Renew(ctx context.Context, conn Connection) (Subscription, error) {
	if conn.SubscriptionID == "" {
		return a.Subscribe(ctx, conn)
	}
	token, err := a.tokens.AccessToken(ctx, conn)
	if err != nil {
		return Subscription{}, err
	}
	expiry := a.now().Add(a.subscriptionTTL).UTC()
	body := map[string]any{
		"expirationDateTime": expiry.Format(time.RFC3339),
	}
	var out struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	err = a.client.doJSON(ctx, http.MethodPatch,
		a.baseURL+"/subscriptions/"+url.PathEscape(conn.SubscriptionID), token, nil, body, &out)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			// The subscription lapsed on the provider side; open a new one.
			return a.Subscribe(ctx, conn)
		}
		return Subscription{}, err
	}
	if parsed, parseErr := time.Parse(time.RFC3339, out.ExpirationDateTime); parseErr == nil {
		expiry = parsed.UTC()
	}
	id := out.ID
	if id == "" {
		id = conn.SubscriptionID
	}
	return Subscription{ID: id, Expiry: expiry}, nil
}

func (a *OutlookAdapter) Unsubscribe(ctx context.Context, conn Connection) error {
	if conn.SubscriptionID == "" {
		return nil
	}
	token, err := a.tokens.AccessToken(ctx, conn)
	if err != nil {
		return err
	}
	err = a.client.doJSON(ctx, http.MethodDelete,
		a.baseURL+"/subscriptions/"+url.PathEscape(conn.SubscriptionID), token, nil, nil, nil)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}
