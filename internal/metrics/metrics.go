// Package metrics implements the periodic stats log line and the
// implementation-defined /metrics snapshot contract (spec.md §6). Grounded
// on the teacher's RunMetrics ticker loop (metrics.go).
package metrics

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/agentroom/service/internal/room"
	"github.com/agentroom/service/internal/session"
)

// Snapshot is the implementation-defined body returned by GET /metrics.
type Snapshot struct {
	Connections       int   `json:"connections"`
	Authenticated     int   `json:"authenticated"`
	Rooms             int   `json:"rooms"`
	EnvelopesSent     int64 `json:"envelopes_sent"`
	LinkPreviewsSent  int64 `json:"link_previews_sent"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
}

// Collector accumulates process-wide counters and renders periodic log
// lines and the /metrics snapshot. All counters are updated with atomic
// ops so the read-view handler never blocks a dispatcher goroutine (spec.md
// §4.6: "Read views MUST NOT mutate core state").
type Collector struct {
	startedAt    time.Time
	envelopes    atomic.Int64
	linkPreviews atomic.Int64

	sessions *session.Registry
	rooms    *room.Registry
}

// NewCollector constructs a Collector over the process's two registries.
func NewCollector(sessions *session.Registry, rooms *room.Registry) *Collector {
	return &Collector{startedAt: time.Now().UTC(), sessions: sessions, rooms: rooms}
}

// RecordEnvelopeSent increments the lifetime envelope counter.
func (c *Collector) RecordEnvelopeSent() {
	c.envelopes.Add(1)
}

// RecordLinkPreviewSent increments the lifetime link-preview counter.
func (c *Collector) RecordLinkPreviewSent() {
	c.linkPreviews.Add(1)
}

// Snapshot renders the current /metrics body.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Connections:      c.sessions.Count(),
		Authenticated:    c.sessions.AuthenticatedCount(),
		Rooms:            len(c.rooms.ListRooms("")),
		EnvelopesSent:    c.envelopes.Load(),
		LinkPreviewsSent: c.linkPreviews.Load(),
		UptimeSeconds:    int64(time.Since(c.startedAt).Seconds()),
	}
}

// StartedAt returns the time the collector (and so the process) started.
func (c *Collector) StartedAt() time.Time {
	return c.startedAt
}

// Run logs a one-line stats summary every interval until ctx is canceled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := c.Snapshot()
			if snap.Connections > 0 {
				log.Printf("[metrics] connections=%d authenticated=%d rooms=%d envelopes=%d previews=%d",
					snap.Connections, snap.Authenticated, snap.Rooms, snap.EnvelopesSent, snap.LinkPreviewsSent)
			}
		}
	}
}
