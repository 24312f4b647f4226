package realtime

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func backdate(c *Client, by time.Duration) {
	c.mu.Lock()
	c.lastHeartbeat = time.Now().Add(-by)
	c.mu.Unlock()
}

func TestMonitor_SweepIgnoresFreshConnections(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	relay := NewRelay(r, nil, zap.NewNop())
	m := NewMonitor(r, relay, 45*time.Second, 30*time.Second, zap.NewNop())

	c := testClient()
	c.Heartbeat("u1", "guest", false)
	_, _ = r.Join(c, "room1")

	m.Sweep(time.Now())
	if r.MemberCount("room1") != 1 {
		t.Error("fresh connection must survive the sweep")
	}
}

func TestMonitor_SweepDisconnectsSilentGuest(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	relay := NewRelay(r, nil, zap.NewNop())
	m := NewMonitor(r, relay, 45*time.Second, 30*time.Second, zap.NewNop())

	host, guest := testClient(), testClient()
	host.Heartbeat("h1", "host", false)
	guest.Heartbeat("g1", "guest", false)
	_, _ = r.Join(host, "room1")
	_, _ = r.Join(guest, "room1")
	backdate(guest, time.Minute)

	m.Sweep(time.Now())

	if r.MemberCount("room1") != 1 {
		t.Fatalf("expected only host left, got %d members", r.MemberCount("room1"))
	}
	msgs := drain(host)
	if len(msgs) != 1 || msgs[0].Event != "guest_left" {
		t.Fatalf("host should get one guest_left, got %v", events(msgs))
	}
	if !guest.torndown.Load() {
		t.Error("guest should be marked torn down")
	}
}

func TestMonitor_SilentHostTearsDownRoom(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	relay := NewRelay(r, nil, zap.NewNop())
	m := NewMonitor(r, relay, 45*time.Second, 30*time.Second, zap.NewNop())

	host, g1, g2 := testClient(), testClient(), testClient()
	host.Heartbeat("h1", "host", false)
	g1.Heartbeat("g1", "guest", false)
	g2.Heartbeat("g2", "guest", false)
	for _, c := range []*Client{host, g1, g2} {
		_, _ = r.Join(c, "room1")
	}
	backdate(host, time.Minute)

	m.Sweep(time.Now())

	if r.MemberCount("room1") != 0 {
		t.Fatalf("room should be empty after host timeout, got %d", r.MemberCount("room1"))
	}
	for _, g := range []*Client{g1, g2} {
		msgs := drain(g)
		if len(msgs) != 1 || msgs[0].Event != "host_disconnected" {
			t.Errorf("guest should get exactly one host_disconnected, got %v", events(msgs))
		}
	}
	// guests drained by teardown must not fire their own teardown later
	if !g1.torndown.Load() || !g2.torndown.Load() {
		t.Error("drained guests should be marked torn down")
	}
}

func TestMonitor_SweepDisconnectsAtMostOnce(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	relay := NewRelay(r, nil, zap.NewNop())
	m := NewMonitor(r, relay, 45*time.Second, 30*time.Second, zap.NewNop())

	host, guest := testClient(), testClient()
	host.Heartbeat("h1", "host", false)
	guest.Heartbeat("g1", "guest", false)
	_, _ = r.Join(host, "room1")
	_, _ = r.Join(guest, "room1")
	backdate(guest, time.Minute)

	m.Sweep(time.Now())
	m.Sweep(time.Now())

	msgs := drain(host)
	if len(msgs) != 1 {
		t.Errorf("repeat sweeps must not duplicate guest_left, got %v", events(msgs))
	}
}

func TestMonitor_HeartbeatResetsDeadline(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	relay := NewRelay(r, nil, zap.NewNop())
	m := NewMonitor(r, relay, 45*time.Second, 30*time.Second, zap.NewNop())

	c := testClient()
	c.Heartbeat("g1", "guest", false)
	_, _ = r.Join(c, "room1")
	backdate(c, time.Minute)
	c.Heartbeat("g1", "guest", false) // client came back

	m.Sweep(time.Now())
	if r.MemberCount("room1") != 1 {
		t.Error("heartbeat should have reset the liveness deadline")
	}
}
