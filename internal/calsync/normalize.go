package calsync

import (
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ResolveTimezone picks the display timezone for one event side: the event's
// explicit zone when present, otherwise the connection owner's profile zone,
// otherwise UTC. Provider-namespace identifiers are mapped through the alias
// table; unknown identifiers pass through unchanged.
func ResolveTimezone(explicit, profile string, table *TimezoneTable) string {
	zone := strings.TrimSpace(explicit)
	if zone == "" {
		zone = strings.TrimSpace(profile)
	}
	if zone == "" {
		return "UTC"
	}
	return table.Canonical(zone)
}

// ToUTC interprets a naive local time in the named zone and returns the
// absolute instant. An unloadable zone falls back to UTC rather than failing
// the sync run.
func ToUTC(local time.Time, zone string) time.Time {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.UTC
	}
	return time.Date(
		local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(),
		loc,
	).UTC()
}

// ExtractText reduces a possibly marked-up description to plain text: tags
// stripped, whitespace collapsed, surrounding space trimmed. Raw markup is
// never stored in the normalized payload.
func ExtractText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapseWhitespace(s)
	}
	root, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return collapseWhitespace(s)
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return collapseWhitespace(b.String())
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
