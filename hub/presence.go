// This file contains the presence tracker which turns connection-level membership changes
// into identity-level joined/left transitions. Several connections of one identity in a
// room count as one presence: joined fires on 0→1, left on 1→0.
package hub

import (
	"sync"
	"time"
)

type PresenceKind string

const (
	PresenceJoined PresenceKind = "joined"
	PresenceLeft   PresenceKind = "left"
)

// PresenceEvent is a transient transition broadcast once to the room.
type PresenceEvent struct {
	Room      string       `json:"room"`
	Identity  string       `json:"identity"`
	Kind      PresenceKind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`
}

type presenceBroadcaster interface {
	broadcastPresence(ev PresenceEvent, recipients []string)
}

type presenceKey struct {
	room    string
	subject string
}

type presenceShard struct {
	mutex  sync.Mutex
	counts map[presenceKey]int
}

type PresenceTracker struct {
	shards      [registryShards]presenceShard
	echoSelf    bool
	broadcaster presenceBroadcaster
	now         func() time.Time
}

func newPresenceTracker(broadcaster presenceBroadcaster, echoSelf bool) *PresenceTracker {
	p := &PresenceTracker{
		echoSelf:    echoSelf,
		broadcaster: broadcaster,
		now:         time.Now,
	}
	for i := range p.shards {
		p.shards[i].counts = make(map[presenceKey]int)
	}
	return p
}

func (p *PresenceTracker) shard(room string) *presenceShard {
	return &p.shards[shardIndex(room)]
}

func (p *PresenceTracker) memberJoined(room string, member Member, members map[string]Identity) {
	key := presenceKey{room: room, subject: member.Identity.Subject}
	s := p.shard(room)
	s.mutex.Lock()
	previous := s.counts[key]
	s.counts[key] = previous + 1
	s.mutex.Unlock()

	if previous != 0 {
		return
	}
	p.emit(PresenceEvent{
		Room:      room,
		Identity:  member.Identity.Subject,
		Kind:      PresenceJoined,
		Timestamp: p.now(),
	}, member.ConnID, members)
}

func (p *PresenceTracker) memberLeft(room string, member Member, members map[string]Identity) {
	key := presenceKey{room: room, subject: member.Identity.Subject}
	s := p.shard(room)
	s.mutex.Lock()
	previous := s.counts[key]

	switch {
	case previous <= 1:
		delete(s.counts, key)
	default:
		s.counts[key] = previous - 1
	}
	s.mutex.Unlock()

	if previous != 1 {
		return
	}
	p.emit(PresenceEvent{
		Room:      room,
		Identity:  member.Identity.Subject,
		Kind:      PresenceLeft,
		Timestamp: p.now(),
	}, member.ConnID, members)
}

// emit broadcasts to the room's current members; the acting connection is included only
// when echoSelf is set.
func (p *PresenceTracker) emit(ev PresenceEvent, actor string, members map[string]Identity) {
	recipients := make([]string, 0, len(members)+1)

	for connID := range members {
		if connID == actor && !p.echoSelf {
			continue
		}
		recipients = append(recipients, connID)
	}
	if p.echoSelf && ev.Kind == PresenceLeft {
		recipients = append(recipients, actor)
	}
	if p.broadcaster != nil {
		p.broadcaster.broadcastPresence(ev, recipients)
	}
}

// Count returns how many connections currently represent subject in room.
func (p *PresenceTracker) Count(room, subject string) int {
	s := p.shard(room)
	s.mutex.Lock()

	defer s.mutex.Unlock()

	return s.counts[presenceKey{room: room, subject: subject}]
}
