package realtime

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/duocast/backend/internal/models"
)

func testClient() *Client {
	return newClient(nil, zap.NewNop())
}

// drain empties a client's send buffer and returns the queued messages.
func drain(c *Client) []Message {
	var out []Message
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func events(msgs []Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Event)
	}
	return out
}

func TestRegistry_JoinReturnsExistingMembers(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a, b := testClient(), testClient()

	others, err := r.Join(a, "room1")
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	if len(others) != 0 {
		t.Errorf("first join should see empty room, got %v", others)
	}

	others, err = r.Join(b, "room1")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if len(others) != 1 || others[0] != a.ID {
		t.Errorf("second join should see [%s], got %v", a.ID, others)
	}
	if r.MemberCount("room1") != 2 {
		t.Errorf("expected 2 members, got %d", r.MemberCount("room1"))
	}
}

func TestRegistry_JoinSameRoomTwiceIsIdempotent(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a := testClient()
	if _, err := r.Join(a, "room1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join(a, "room1"); err != nil {
		t.Fatalf("rejoin same room: %v", err)
	}
	if r.MemberCount("room1") != 1 {
		t.Errorf("rejoin must not duplicate membership, got %d members", r.MemberCount("room1"))
	}
}

func TestRegistry_JoinSecondRoomRejected(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a := testClient()
	if _, err := r.Join(a, "room1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join(a, "room2"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrValidation for second room, got %v", err)
	}
}

func TestRegistry_CapacityEnforced(t *testing.T) {
	r := NewRegistry(2, nil, nil, zap.NewNop())
	if _, err := r.Join(testClient(), "room1"); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	if _, err := r.Join(testClient(), "room1"); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	if _, err := r.Join(testClient(), "room1"); !errors.Is(err, models.ErrRoomFull) {
		t.Errorf("expected ErrRoomFull at capacity, got %v", err)
	}
}

func TestRegistry_LeaveRemovesAndDropsEmptyRoom(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a := testClient()
	_, _ = r.Join(a, "room1")

	roomID, ok := r.Leave(a)
	if !ok || roomID != "room1" {
		t.Fatalf("leave: got (%q, %v)", roomID, ok)
	}
	if a.Room() != "" {
		t.Errorf("client room should be cleared, got %q", a.Room())
	}
	if r.MemberCount("room1") != 0 {
		t.Errorf("room should be empty, got %d", r.MemberCount("room1"))
	}

	// second leave reports not-present
	if _, ok := r.Leave(a); ok {
		t.Error("second leave should report not present")
	}
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a, b, c := testClient(), testClient(), testClient()
	for _, cl := range []*Client{a, b, c} {
		_, _ = r.Join(cl, "room1")
	}

	r.Broadcast("room1", NewMessage("ping", nil), a.ID, "")

	if got := drain(a); len(got) != 0 {
		t.Errorf("excluded sender received %v", events(got))
	}
	for _, cl := range []*Client{b, c} {
		if got := drain(cl); len(got) != 1 || got[0].Event != "ping" {
			t.Errorf("member should receive exactly one ping, got %v", events(got))
		}
	}
}

func TestRegistry_BroadcastTargeted(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a, b, c := testClient(), testClient(), testClient()
	for _, cl := range []*Client{a, b, c} {
		_, _ = r.Join(cl, "room1")
	}

	r.Broadcast("room1", NewMessage("offer", nil), "", b.ID)

	if got := drain(b); len(got) != 1 {
		t.Errorf("target should receive one message, got %v", events(got))
	}
	if got := drain(a); len(got) != 0 {
		t.Errorf("non-target a received %v", events(got))
	}
	if got := drain(c); len(got) != 0 {
		t.Errorf("non-target c received %v", events(got))
	}
}

func TestRegistry_BroadcastPrunesUnreachable(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a, b := testClient(), testClient()
	_, _ = r.Join(a, "room1")
	_, _ = r.Join(b, "room1")

	b.closeSend()
	r.Broadcast("room1", NewMessage("ping", nil), "", "")

	if r.MemberCount("room1") != 1 {
		t.Errorf("unreachable member should be pruned, got %d members", r.MemberCount("room1"))
	}
	if got := drain(a); len(got) != 1 {
		t.Errorf("healthy member should still receive, got %v", events(got))
	}
}

func TestRegistry_DrainEmptiesRoom(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a, b := testClient(), testClient()
	_, _ = r.Join(a, "room1")
	_, _ = r.Join(b, "room1")

	removed := r.Drain("room1")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if r.MemberCount("room1") != 0 {
		t.Errorf("room should be empty after drain")
	}
	for _, cl := range removed {
		if cl.Room() != "" {
			t.Errorf("removed client still has room %q", cl.Room())
		}
	}
}

func TestRegistry_StatsSnapshot(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	a := testClient()
	a.Heartbeat("user-1", models.RoleHost, true)
	_, _ = r.Join(a, "room1")

	stats := r.Stats("room1")
	if stats.ParticipantCount != 1 {
		t.Fatalf("expected 1 participant, got %d", stats.ParticipantCount)
	}
	p := stats.Participants[0]
	if p.UserID != "user-1" || p.Role != models.RoleHost || !p.IsRecording {
		t.Errorf("unexpected participant snapshot: %+v", p)
	}
}

func TestRegistry_DroppedRoomMarkedDead(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	c1 := testClient()
	if _, err := r.Join(c1, "room1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.mu.RLock()
	stale := r.rooms["room1"]
	r.mu.RUnlock()

	r.Leave(c1)

	stale.mu.Lock()
	dead := stale.dead
	stale.mu.Unlock()
	if !dead {
		t.Fatal("dropped room must be marked dead")
	}

	// a joiner holding the stale pointer must land in a fresh, visible room
	c2 := testClient()
	if _, err := r.Join(c2, "room1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if got := r.MemberCount("room1"); got != 1 {
		t.Fatalf("member count after rejoin = %d, want 1", got)
	}
	found := false
	for _, c := range r.Connections() {
		if c.ID == c2.ID {
			found = true
		}
	}
	if !found {
		t.Error("rejoined connection missing from liveness snapshot")
	}
}

func TestRegistry_ConcurrentJoinLeaveStaysVisible(t *testing.T) {
	r := NewRegistry(8, nil, nil, zap.NewNop())
	const iterations = 500

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := testClient()
			for n := 0; n < iterations; n++ {
				if _, err := r.Join(c, "room1"); err != nil {
					t.Errorf("join: %v", err)
					return
				}
				visible := false
				for _, m := range r.Members("room1") {
					if m.ID == c.ID {
						visible = true
						break
					}
				}
				if !visible {
					t.Error("joined connection not visible in room")
					return
				}
				r.Leave(c)
			}
		}()
	}
	wg.Wait()

	if got := r.MemberCount("room1"); got != 0 {
		t.Errorf("member count after all leaves = %d, want 0", got)
	}
}
