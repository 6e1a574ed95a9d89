package metrics

import (
	"testing"

	"github.com/agentroom/service/internal/room"
	"github.com/agentroom/service/internal/session"
	"github.com/agentroom/service/internal/transport"
)

func TestSnapshotReflectsRegistries(t *testing.T) {
	sessions := session.NewRegistry()
	rooms := room.NewRegistry(sessions)
	c := NewCollector(sessions, rooms)

	conn := transport.NewFake()
	sessions.Register(conn)
	sessions.Authenticate(conn, "alice", "")

	snap := c.Snapshot()
	if snap.Connections != 1 || snap.Authenticated != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.Rooms != 2 {
		t.Errorf("Rooms = %d, want 2 default rooms", snap.Rooms)
	}
}

func TestRecordCounters(t *testing.T) {
	sessions := session.NewRegistry()
	rooms := room.NewRegistry(sessions)
	c := NewCollector(sessions, rooms)

	c.RecordEnvelopeSent()
	c.RecordEnvelopeSent()
	c.RecordLinkPreviewSent()

	snap := c.Snapshot()
	if snap.EnvelopesSent != 2 {
		t.Errorf("EnvelopesSent = %d, want 2", snap.EnvelopesSent)
	}
	if snap.LinkPreviewsSent != 1 {
		t.Errorf("LinkPreviewsSent = %d, want 1", snap.LinkPreviewsSent)
	}
}
