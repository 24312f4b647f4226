package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duocast/backend/internal/models"
)

// RoomPublisher publishes a room event for delivery on other instances.
type RoomPublisher interface {
	PublishRoomEvent(roomID string, env Envelope) error
}

// RoomSubscriber subscribes to a room's event stream and invokes handler
// for incoming envelopes. The returned cancel stops the subscription.
type RoomSubscriber interface {
	SubscribeRoom(roomID string, handler func(env Envelope)) (cancel func(), err error)
}

// Envelope is a broadcast routed between instances. Origin identifies the
// publishing instance so local deliveries are not duplicated; Exclude and
// Target carry the socket-level routing options across the wire.
type Envelope struct {
	Event   string `json:"event"`
	Data    []byte `json:"data"`
	Origin  string `json:"origin"`
	Exclude string `json:"exclude,omitempty"`
	Target  string `json:"target,omitempty"`
}

// Registry owns the room -> connections map. All membership mutation goes
// through Join/Leave under per-room critical sections; broadcast iterates a
// snapshot so sends never run while the member set is mutated.
type Registry struct {
	instanceID string
	capacity   int
	logger     *zap.Logger
	pub        RoomPublisher
	sub        RoomSubscriber

	mu    sync.RWMutex
	rooms map[string]*room
	subs  map[string]func() // cancel per-room redis subscription
}

type room struct {
	mu      sync.Mutex
	id      string
	members map[string]*Client
	// dead is set under mu when the room is removed from the registry.
	// A joiner holding a stale pointer must re-resolve instead of adding
	// itself to a room nothing can see anymore.
	dead bool
}

// NewRegistry creates a connection registry. capacity bounds participants
// per room; pub/sub are optional and enable cross-instance fanout.
func NewRegistry(capacity int, pub RoomPublisher, sub RoomSubscriber, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		instanceID: uuid.New().String(),
		capacity:   capacity,
		logger:     logger,
		pub:        pub,
		sub:        sub,
		rooms:      make(map[string]*room),
		subs:       make(map[string]func()),
	}
}

// Join adds the connection to a room and returns the socket ids of the
// members present before the join. Returns models.ErrRoomFull when the room
// is at capacity and models.ErrValidation when the connection already
// belongs to another room.
func (r *Registry) Join(c *Client, roomID string) ([]string, error) {
	if current := c.Room(); current != "" && current != roomID {
		return nil, models.ErrValidation
	}

	for {
		r.mu.Lock()
		rm, ok := r.rooms[roomID]
		if !ok {
			rm = &room{id: roomID, members: make(map[string]*Client)}
			r.rooms[roomID] = rm
			if r.sub != nil {
				if cancel, err := r.sub.SubscribeRoom(roomID, func(env Envelope) {
					r.deliverRemote(roomID, env)
				}); err == nil {
					r.subs[roomID] = cancel
				} else {
					r.logger.Warn("room subscribe failed", zap.String("room_id", roomID), zap.Error(err))
				}
			}
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.dead {
			// the last member left between our map lookup and this lock;
			// the room was dropped, so resolve it again
			rm.mu.Unlock()
			continue
		}
		if _, ok := rm.members[c.ID]; ok {
			others := rm.memberIDsExcept(c.ID)
			rm.mu.Unlock()
			return others, nil
		}
		if r.capacity > 0 && len(rm.members) >= r.capacity {
			rm.mu.Unlock()
			return nil, models.ErrRoomFull
		}
		others := rm.memberIDsExcept(c.ID)
		rm.members[c.ID] = c
		c.setRoom(roomID)
		rm.mu.Unlock()
		r.logger.Debug("client joined room", zap.String("client_id", c.ID), zap.String("room_id", roomID))
		return others, nil
	}
}

// memberIDsExcept must be called with rm.mu held.
func (rm *room) memberIDsExcept(exclude string) []string {
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	return ids
}

// Leave removes the connection from its room. Returns the room id it left
// and false when the connection was not in any room.
func (r *Registry) Leave(c *Client) (string, bool) {
	roomID := c.Room()
	if roomID == "" {
		return "", false
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		c.setRoom("")
		return "", false
	}

	rm.mu.Lock()
	_, present := rm.members[c.ID]
	delete(rm.members, c.ID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	c.setRoom("")
	if empty {
		r.dropRoom(roomID)
	}
	if present {
		r.logger.Debug("client left room", zap.String("client_id", c.ID), zap.String("room_id", roomID))
	}
	return roomID, present
}

// Lookup returns the room a connection belongs to, for O(1) signal routing.
func (r *Registry) Lookup(c *Client) (string, bool) {
	roomID := c.Room()
	return roomID, roomID != ""
}

// Drain empties a room and returns the removed connections. Used for
// cascading teardown when the host leaves.
func (r *Registry) Drain(roomID string) []*Client {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	removed := make([]*Client, 0, len(rm.members))
	for id, c := range rm.members {
		delete(rm.members, id)
		removed = append(removed, c)
	}
	rm.mu.Unlock()

	for _, c := range removed {
		c.setRoom("")
	}
	r.dropRoom(roomID)
	return removed
}

func (r *Registry) dropRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	if len(rm.members) > 0 {
		rm.mu.Unlock()
		return
	}
	rm.dead = true
	rm.mu.Unlock()
	delete(r.rooms, roomID)
	if cancel, ok := r.subs[roomID]; ok {
		cancel()
		delete(r.subs, roomID)
	}
}

// Broadcast sends msg to a snapshot of the room's members, skipping
// excludeID when set, or delivering only to targetID when set. Failed
// deliveries are pruned from membership, never surfaced to the caller.
// The event is also published for other instances when pub is configured.
func (r *Registry) Broadcast(roomID string, msg Message, excludeID, targetID string) {
	r.deliverLocal(roomID, msg, excludeID, targetID)
	if r.pub != nil {
		_ = r.pub.PublishRoomEvent(roomID, Envelope{
			Event:   msg.Event,
			Data:    msg.Data,
			Origin:  r.instanceID,
			Exclude: excludeID,
			Target:  targetID,
		})
	}
}

func (r *Registry) deliverLocal(roomID string, msg Message, excludeID, targetID string) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	recipients := make([]*Client, 0, len(rm.members))
	for id, c := range rm.members {
		if targetID != "" && id != targetID {
			continue
		}
		if id == excludeID {
			continue
		}
		recipients = append(recipients, c)
	}
	rm.mu.Unlock()

	var failed []*Client
	for _, c := range recipients {
		if !c.trySend(msg) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		c.closeSend()
		r.Leave(c)
		r.logger.Warn("pruned unreachable connection",
			zap.String("client_id", c.ID), zap.String("room_id", roomID))
	}
}

// deliverRemote handles an envelope published by another instance.
func (r *Registry) deliverRemote(roomID string, env Envelope) {
	if env.Origin == r.instanceID {
		return // already delivered locally at publish time
	}
	r.deliverLocal(roomID, Message{Event: env.Event, Data: env.Data}, env.Exclude, env.Target)
}

// Members returns a snapshot of the room's current connections.
func (r *Registry) Members(roomID string) []*Client {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*Client, 0, len(rm.members))
	for _, c := range rm.members {
		out = append(out, c)
	}
	return out
}

// MemberCount returns the number of connections in a room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Connections returns a snapshot of every tracked connection, for the
// liveness sweep.
func (r *Registry) Connections() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Client
	for _, rm := range r.rooms {
		rm.mu.Lock()
		for _, c := range rm.members {
			out = append(out, c)
		}
		rm.mu.Unlock()
	}
	return out
}

// RoomStats describes a room's current occupancy.
type RoomStats struct {
	RoomID           string            `json:"room_id"`
	ParticipantCount int               `json:"participant_count"`
	Participants     []ParticipantInfo `json:"participants"`
}

// Stats returns occupancy details for one room.
func (r *Registry) Stats(roomID string) RoomStats {
	members := r.Members(roomID)
	stats := RoomStats{RoomID: roomID, ParticipantCount: len(members)}
	for _, c := range members {
		stats.Participants = append(stats.Participants, c.Info())
	}
	return stats
}
