package moderation

import (
	"fmt"
	"sync"
	"time"
)

// FloodDetector keeps a sliding window of message timestamps per chat
// member. State is process-local; a restart starts from an empty window,
// which can miss an in-flight burst but never flags a quiet member.
type FloodDetector struct {
	window time.Duration

	mapMutex  sync.Mutex
	hits      map[string][]time.Time
	lastAlbum map[string]string

	now func() time.Time
}

func NewFloodDetector(window time.Duration) *FloodDetector {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &FloodDetector{
		window:    window,
		hits:      map[string][]time.Time{},
		lastAlbum: map[string]string{},
		now:       time.Now,
	}
}

// Observe counts a message against the member's window and reports
// whether the threshold is reached. Consecutive parts of one album share
// a media group id and count once. On a positive verdict the window is
// cleared so one burst produces one verdict.
func (d *FloodDetector) Observe(chatID, userID int64, mediaGroupID string, threshold int) bool {
	if threshold < 2 {
		threshold = 2
	}
	key := memberKey(chatID, userID)
	now := d.now()

	d.mapMutex.Lock()
	defer d.mapMutex.Unlock()

	if mediaGroupID != "" && d.lastAlbum[key] == mediaGroupID {
		return false
	}
	if mediaGroupID != "" {
		d.lastAlbum[key] = mediaGroupID
	} else {
		delete(d.lastAlbum, key)
	}

	window := append(pruneBefore(d.hits[key], now.Add(-d.window)), now)
	if len(window) >= threshold {
		delete(d.hits, key)
		return true
	}
	d.hits[key] = window
	return false
}

// Forget drops the member's window, used when the member is banned or
// forgiven so stale counts do not leak into their next session.
func (d *FloodDetector) Forget(chatID, userID int64) {
	key := memberKey(chatID, userID)
	d.mapMutex.Lock()
	delete(d.hits, key)
	delete(d.lastAlbum, key)
	d.mapMutex.Unlock()
}

func pruneBefore(window []time.Time, cutoff time.Time) []time.Time {
	kept := window[:0]
	for _, at := range window {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

func memberKey(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}
