package feeds

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CLOCK - Network-time-corrected timestamps
// ═══════════════════════════════════════════════════════════════════════════════
//
// Expiry snapping and the scheduler's fire windows are measured against
// the venue's clock, not ours. The offset is re-measured periodically;
// a failed sync keeps the last known offset (zero if never synced) and
// is logged, never fatal.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TimeSource answers with the venue's current time in unix millis.
type TimeSource interface {
	ServerTimeMillis(ctx context.Context) (int64, error)
}

// ServerClock is an offset-corrected clock. The zero offset is a safe
// fallback: it degrades to local time.
type ServerClock struct {
	mu        sync.RWMutex
	offset    time.Duration
	synced    bool
	source    TimeSource
	syncEvery time.Duration
}

// NewServerClock creates a clock synced against source.
func NewServerClock(source TimeSource, syncEvery time.Duration) *ServerClock {
	if syncEvery <= 0 {
		syncEvery = 5 * time.Minute
	}
	return &ServerClock{source: source, syncEvery: syncEvery}
}

// Now returns the current server-corrected time.
func (c *ServerClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Offset returns the last measured clock offset.
func (c *ServerClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Sync measures the offset once. Half the round trip is credited to the
// request leg.
func (c *ServerClock) Sync(ctx context.Context) error {
	before := time.Now()
	millis, err := c.source.ServerTimeMillis(ctx)
	if err != nil {
		c.mu.RLock()
		synced := c.synced
		c.mu.RUnlock()
		if synced {
			log.Warn().Err(err).Msg("⏱️ Clock sync failed, keeping cached offset")
		} else {
			log.Warn().Err(err).Msg("⏱️ Clock sync failed, falling back to local time")
		}
		return err
	}
	rtt := time.Since(before)

	serverNow := time.UnixMilli(millis)
	local := before.Add(rtt / 2)
	offset := serverNow.Sub(local)

	c.mu.Lock()
	c.offset = offset
	c.synced = true
	c.mu.Unlock()

	log.Debug().
		Dur("offset", offset).
		Dur("rtt", rtt).
		Msg("⏱️ Server clock synced")
	return nil
}

// Start syncs immediately and then keeps the offset fresh until ctx ends.
func (c *ServerClock) Start(ctx context.Context) {
	_ = c.Sync(ctx)

	go func() {
		ticker := time.NewTicker(c.syncEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.Sync(ctx)
			}
		}
	}()
}
