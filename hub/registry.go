// This file contains the Registry, the sole owner of room membership. Rooms and
// connections are spread over fixed shards so mutations on different rooms do not
// contend; mutations on one room serialize on that room's shard lock. Callers only ever
// receive copies of membership sets.
package hub

import (
	"hash/fnv"
	"sort"
	"sync"
	"unicode"
)

const registryShards = 64

// Member is one connection in a room together with the identity it acts as.
type Member struct {
	ConnID   string
	Identity Identity
}

// membershipObserver is notified of every effective membership change while the room's
// shard lock is held, so observers see changes in the room's serialization order.
type membershipObserver interface {
	memberJoined(room string, member Member, members map[string]Identity)
	memberLeft(room string, member Member, members map[string]Identity)
}

// JoinResult reports the outcome of a successful Join.
type JoinResult struct {
	AlreadyMember bool
	Identities    []string
}

// LeaveResult reports the outcome of a Leave.
type LeaveResult struct {
	WasMember bool
}

type room struct {
	members map[string]Identity
}

type roomShard struct {
	mutex sync.Mutex
	rooms map[string]*room
}

type connRecord struct {
	identity Identity
	rooms    map[string]struct{}
	closed   bool
}

type connShard struct {
	mutex sync.Mutex
	conns map[string]*connRecord
}

type Registry struct {
	rooms         [registryShards]roomShard
	conns         [registryShards]connShard
	maxMembers    int
	maxNameLength int
	observer      membershipObserver
}

// NewRegistry creates a registry. maxMembers <= 0 disables the per-room limit.
func NewRegistry(maxMembers, maxNameLength int) *Registry {
	r := &Registry{
		maxMembers:    maxMembers,
		maxNameLength: maxNameLength,
	}
	for i := range r.rooms {
		r.rooms[i].rooms = make(map[string]*room)
		r.conns[i].conns = make(map[string]*connRecord)
	}
	return r
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}

func (r *Registry) roomShard(roomID string) *roomShard {
	return &r.rooms[shardIndex(roomID)]
}

func (r *Registry) connShard(connID string) *connShard {
	return &r.conns[shardIndex(connID)]
}

// ValidateRoom checks a room id: non-empty, bounded length, no control characters.
func (r *Registry) ValidateRoom(roomID string) error {
	if roomID == "" {
		return invalidRoom(roomID, "room id must not be empty")
	}
	if r.maxNameLength > 0 && len(roomID) > r.maxNameLength {
		return invalidRoom(roomID, "room id is too long").withDetails(map[string]int{"maxLength": r.maxNameLength})
	}
	for _, ch := range roomID {
		if unicode.IsControl(ch) {
			return invalidRoom(roomID, "room id contains control characters")
		}
	}
	return nil
}

// Attach registers a connection so it can join rooms.
func (r *Registry) Attach(connID string, identity Identity) error {
	cs := r.connShard(connID)
	cs.mutex.Lock()

	defer cs.mutex.Unlock()

	if _, exists := cs.conns[connID]; exists {
		return conflict(connID, "connection already attached")
	}
	cs.conns[connID] = &connRecord{
		identity: identity,
		rooms:    make(map[string]struct{}),
	}
	return nil
}

// Join adds connID to roomID. Re-joining is a successful no-op reported as AlreadyMember.
func (r *Registry) Join(connID, roomID string) (JoinResult, error) {
	if err := r.ValidateRoom(roomID); err != nil {
		return JoinResult{}, err
	}
	rs := r.roomShard(roomID)
	rs.mutex.Lock()

	defer rs.mutex.Unlock()

	cs := r.connShard(connID)
	cs.mutex.Lock()

	rec, ok := cs.conns[connID]
	if !ok || rec.closed {
		cs.mutex.Unlock()

		return JoinResult{}, transportError("connection is not attached")
	}
	rm := rs.rooms[roomID]
	if rm != nil {
		if _, member := rm.members[connID]; member {
			cs.mutex.Unlock()

			return JoinResult{AlreadyMember: true, Identities: identities(rm.members)}, nil
		}
		if r.maxMembers > 0 && len(rm.members) >= r.maxMembers {
			cs.mutex.Unlock()

			return JoinResult{}, roomFull(roomID, r.maxMembers)
		}
	} else {
		rm = &room{members: make(map[string]Identity)}
		rs.rooms[roomID] = rm
	}
	rm.members[connID] = rec.identity
	rec.rooms[roomID] = struct{}{}
	identity := rec.identity
	cs.mutex.Unlock()

	if r.observer != nil {
		r.observer.memberJoined(roomID, Member{ConnID: connID, Identity: identity}, rm.members)
	}
	return JoinResult{Identities: identities(rm.members)}, nil
}

// Leave removes connID from roomID. Leaving a room the connection is not in is a no-op.
func (r *Registry) Leave(connID, roomID string) (LeaveResult, error) {
	if err := r.ValidateRoom(roomID); err != nil {
		return LeaveResult{}, err
	}
	rs := r.roomShard(roomID)
	rs.mutex.Lock()

	defer rs.mutex.Unlock()

	return LeaveResult{WasMember: r.removeLocked(rs, connID, roomID)}, nil
}

// LeaveAll detaches connID and removes it from every room it was in, returning those
// rooms. Joins issued for connID after LeaveAll starts fail.
func (r *Registry) LeaveAll(connID string) []string {
	cs := r.connShard(connID)
	cs.mutex.Lock()

	rec, ok := cs.conns[connID]
	if !ok {
		cs.mutex.Unlock()

		return nil
	}
	rec.closed = true
	rooms := make([]string, 0, len(rec.rooms))

	for roomID := range rec.rooms {
		rooms = append(rooms, roomID)
	}
	cs.mutex.Unlock()

	sort.Strings(rooms)

	for _, roomID := range rooms {
		rs := r.roomShard(roomID)
		rs.mutex.Lock()
		r.removeLocked(rs, connID, roomID)
		rs.mutex.Unlock()
	}

	cs.mutex.Lock()
	delete(cs.conns, connID)
	cs.mutex.Unlock()

	return rooms
}

// removeLocked requires rs to be locked.
func (r *Registry) removeLocked(rs *roomShard, connID, roomID string) bool {
	cs := r.connShard(connID)
	cs.mutex.Lock()

	rm := rs.rooms[roomID]
	if rm == nil {
		cs.mutex.Unlock()

		return false
	}
	identity, member := rm.members[connID]
	if !member {
		cs.mutex.Unlock()

		return false
	}
	delete(rm.members, connID)

	if rec, ok := cs.conns[connID]; ok {
		delete(rec.rooms, roomID)
	}
	cs.mutex.Unlock()

	if r.observer != nil {
		r.observer.memberLeft(roomID, Member{ConnID: connID, Identity: identity}, rm.members)
	}
	if len(rm.members) == 0 {
		delete(rs.rooms, roomID)
	}
	return true
}

// Members returns a point-in-time copy of the connection ids in roomID.
func (r *Registry) Members(roomID string) []string {
	rs := r.roomShard(roomID)
	rs.mutex.Lock()

	defer rs.mutex.Unlock()

	rm := rs.rooms[roomID]
	if rm == nil {
		return []string{}
	}
	members := make([]string, 0, len(rm.members))

	for connID := range rm.members {
		members = append(members, connID)
	}
	sort.Strings(members)

	return members
}

// snapshot returns a copy of roomID's members and whether connID is among them, taken
// atomically so a sender check and its recipient set agree.
func (r *Registry) snapshot(roomID, connID string) (map[string]Identity, bool) {
	rs := r.roomShard(roomID)
	rs.mutex.Lock()

	defer rs.mutex.Unlock()

	rm := rs.rooms[roomID]
	if rm == nil {
		return map[string]Identity{}, false
	}
	members := make(map[string]Identity, len(rm.members))

	for id, identity := range rm.members {
		members[id] = identity
	}
	_, ok := members[connID]
	return members, ok
}

// IsMember reports whether connID is currently in roomID.
func (r *Registry) IsMember(connID, roomID string) bool {
	rs := r.roomShard(roomID)
	rs.mutex.Lock()

	defer rs.mutex.Unlock()

	rm := rs.rooms[roomID]
	if rm == nil {
		return false
	}
	_, ok := rm.members[connID]
	return ok
}

// Rooms returns a copy of the rooms connID has joined.
func (r *Registry) Rooms(connID string) []string {
	cs := r.connShard(connID)
	cs.mutex.Lock()

	defer cs.mutex.Unlock()

	rec, ok := cs.conns[connID]
	if !ok {
		return []string{}
	}
	rooms := make([]string, 0, len(rec.rooms))

	for roomID := range rec.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)

	return rooms
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	total := 0
	for i := range r.rooms {
		rs := &r.rooms[i]
		rs.mutex.Lock()
		total += len(rs.rooms)
		rs.mutex.Unlock()
	}
	return total
}

func identities(members map[string]Identity) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))

	for _, identity := range members {
		if _, ok := seen[identity.Subject]; ok {
			continue
		}
		seen[identity.Subject] = struct{}{}
		out = append(out, identity.Subject)
	}
	sort.Strings(out)

	return out
}
