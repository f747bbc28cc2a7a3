package core

import (
	"sync"
	"time"
)

// DeliveryDedup is a short-lived cache of detection event ids. JetStream
// redelivery, Kafka rebalances and producer retries can hand the engine the
// same event more than once; the engine must merge genuinely repeated attacks
// but must not count one delivery twice. Keys are producer + event id, so two
// distinct emissions of an identical detection still both reach the engine.
type DeliveryDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewDeliveryDedup creates a dedup cache. TTL controls how long an id is
// remembered. maxSize caps memory usage by evicting oldest entries.
func NewDeliveryDedup(ttl time.Duration, maxSize int) *DeliveryDedup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &DeliveryDedup{
		seen:    make(map[string]time.Time, maxSize/2),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen returns true if this delivery was recorded within the TTL window.
// Otherwise it records the delivery. Events without an id are never duplicates.
func (d *DeliveryDedup) Seen(event *DetectionEvent) bool {
	if event.ID == "" {
		return false
	}
	key := event.Producer + "\x00" + event.ID

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if seenAt, ok := d.seen[key]; ok && now.Sub(seenAt) < d.ttl {
		return true
	}

	d.seen[key] = now
	if len(d.seen) > d.maxSize {
		d.evictLocked(now)
	}
	return false
}

// Forget drops a recorded delivery so a later redelivery is processed again.
// Used when the engine could not accept the event (queue full, shutdown).
func (d *DeliveryDedup) Forget(event *DetectionEvent) {
	d.mu.Lock()
	delete(d.seen, event.Producer+"\x00"+event.ID)
	d.mu.Unlock()
}

// evictLocked removes entries older than TTL. Called when cache exceeds maxSize.
func (d *DeliveryDedup) evictLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= d.ttl {
			delete(d.seen, k)
		}
	}
	if len(d.seen) > d.maxSize {
		count := 0
		target := len(d.seen) / 2
		for k := range d.seen {
			delete(d.seen, k)
			count++
			if count >= target {
				break
			}
		}
	}
}

// StartCleanup runs a background goroutine that periodically evicts expired
// entries. Call the returned function to stop it.
func (d *DeliveryDedup) StartCleanup(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				d.mu.Lock()
				now := time.Now()
				for k, t := range d.seen {
					if now.Sub(t) >= d.ttl {
						delete(d.seen, k)
					}
				}
				d.mu.Unlock()
			}
		}
	}()
	return func() { close(done) }
}

// Size returns the current number of entries in the cache.
func (d *DeliveryDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
