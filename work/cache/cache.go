package cache

import (
	"time"

	"github.com/maypok86/otter/v2"

	"mixreplace/work/types"
)

// Frame is a cached copy of the most recently offered frame of a channel.
type Frame struct {
	Data       []byte    // Encoded frame bytes, never modified after insertion
	ReceivedAt time.Time // When the frame was offered to the server
}

// FrameCache keeps the latest frame per channel so the admin API can serve
// snapshots without subscribing to a stream. Entries expire a fixed time after
// they were written, so a stalled producer stops yielding stale snapshots.
type FrameCache struct {
	cache *otter.Cache[types.Channel, Frame]
	ttl   time.Duration
}

// NewFrameCache creates a cache whose entries live for ttl after each write.
func NewFrameCache(ttl time.Duration) *FrameCache {
	return &FrameCache{
		cache: otter.Must(&otter.Options[types.Channel, Frame]{
			ExpiryCalculator: otter.ExpiryWriting[types.Channel, Frame](ttl),
		}),
		ttl: ttl,
	}
}

// Store records data as the latest frame of ch. It matches the signature of
// mediaserver.FrameObserver. The slice is retained, not copied; producers
// hand ownership of a frame to the server when they offer it.
func (fc *FrameCache) Store(ch types.Channel, data []byte) {
	fc.cache.Set(ch, Frame{Data: data, ReceivedAt: time.Now()})
}

// Latest returns the newest unexpired frame of ch.
func (fc *FrameCache) Latest(ch types.Channel) (Frame, bool) {
	return fc.cache.GetIfPresent(ch)
}

// Clear drops every cached frame, used when the server stops.
func (fc *FrameCache) Clear() {
	fc.cache.InvalidateAll()
}

// TTL returns how long a frame stays available after it was stored.
func (fc *FrameCache) TTL() time.Duration {
	return fc.ttl
}
