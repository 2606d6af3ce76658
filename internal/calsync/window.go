package calsync

import "time"

// SyncWindow bounds the initial pull when a connection has no cursor yet.
// An unbounded first sync is disallowed; the window caps how much history
// and future the engine mirrors until incremental cursors take over.
type SyncWindow struct {
	Past   time.Duration
	Future time.Duration
}

func (w SyncWindow) Bounds(now time.Time) (time.Time, time.Time) {
	past := w.Past
	if past <= 0 {
		past = 180 * 24 * time.Hour
	}
	future := w.Future
	if future <= 0 {
		future = 365 * 24 * time.Hour
	}
	return now.Add(-past).UTC(), now.Add(future).UTC()
}
