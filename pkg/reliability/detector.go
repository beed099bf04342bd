package reliability

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultWindow is how long a delivered key is remembered.
const DefaultWindow = 24 * time.Hour

// DefaultMaxEntries bounds the number of remembered keys.
const DefaultMaxEntries = 50000

// DuplicateDetector remembers keys for a bounded time and count. It is
// safe for concurrent use.
type DuplicateDetector struct {
	mu         sync.Mutex
	seen       *cache.Cache
	window     time.Duration
	maxEntries int
}

// NewDuplicateDetector creates a detector. Non-positive arguments select
// the defaults.
func NewDuplicateDetector(window time.Duration, maxEntries int) *DuplicateDetector {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	cleanup := window / 2
	if cleanup > time.Hour {
		cleanup = time.Hour
	}
	return &DuplicateDetector{
		seen:       cache.New(window, cleanup),
		window:     window,
		maxEntries: maxEntries,
	}
}

// IsDuplicate reports whether key was marked within the window.
func (d *DuplicateDetector) IsDuplicate(key string) bool {
	_, found := d.seen.Get(key)
	return found
}

// MarkReceived remembers key for the window, refreshing it if present.
func (d *DuplicateDetector) MarkReceived(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mark(key)
}

// CheckAndMark marks key and reports whether it was already known.
func (d *DuplicateDetector) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, found := d.seen.Get(key); found {
		return true
	}
	d.mark(key)
	return false
}

// Forget drops key, so a batch the consumer refused can be delivered again.
func (d *DuplicateDetector) Forget(key string) {
	d.seen.Delete(key)
}

// Len returns the number of remembered keys, expired ones included until
// the next cleanup.
func (d *DuplicateDetector) Len() int {
	return d.seen.ItemCount()
}

func (d *DuplicateDetector) mark(key string) {
	if d.seen.ItemCount() >= d.maxEntries {
		d.seen.DeleteExpired()
		if d.seen.ItemCount() >= d.maxEntries {
			d.seen.Flush()
		}
	}
	d.seen.SetDefault(key, struct{}{})
}
