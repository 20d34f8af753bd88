// Package room tracks which client is in which room and fans text out to
// room members.
package room

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/metrics"
	"github.com/omochice/roomchat/pkg/protocol"
)

// History supplies recent room messages, oldest first.
type History interface {
	Recent(ctx context.Context, roomID int64, n int) ([]protocol.Text, error)
}

// AdmissionFunc decides whether a client may enter a room.
type AdmissionFunc func(ctx context.Context, clientID, roomID int64) bool

// Registry is the room membership service. A client is in at most one room;
// every operation is atomic with respect to the others.
type Registry struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxMembers  int
	admit       AdmissionFunc
	history     History
	historySize int

	mu      sync.Mutex
	rooms   map[int64]map[int64]chat.Member
	clients map[int64]int64 // client id -> room id
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithMaxMembers caps the members of a single room; 0 means unlimited.
func WithMaxMembers(n int) Option {
	return func(r *Registry) {
		r.maxMembers = n
	}
}

// WithAdmission installs a hook consulted before every join.
func WithAdmission(fn AdmissionFunc) Option {
	return func(r *Registry) {
		r.admit = fn
	}
}

// WithHistory replays the last n messages of a room to clients joining it.
func WithHistory(h History, n int) Option {
	return func(r *Registry) {
		r.history = h
		r.historySize = n
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:  zap.NewNop(),
		rooms:   make(map[int64]map[int64]chat.Member),
		clients: make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ chat.Rooms = (*Registry)(nil)

// Join moves m into roomID. It fails for unauthenticated members, invalid
// room ids, full rooms and clients the admission hook rejects. While another
// handle holds the same client id in any room, the join is refused, so each
// connection's view of its room matches the registry.
func (r *Registry) Join(ctx context.Context, m chat.Member, roomID int64) bool {
	clientID := m.ClientID()
	if clientID == protocol.NoIdentity || roomID <= 0 {
		return false
	}
	if r.admit != nil && !r.admit(ctx, clientID, roomID) {
		r.logger.Debug("admission denied", zap.Int64("client_id", clientID), zap.Int64("room_id", roomID))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, inRoom := r.clients[clientID]
	if inRoom && r.rooms[prev][clientID] != m {
		r.logger.Info("client id held by another connection",
			zap.Int64("client_id", clientID),
			zap.Int64("room_id", roomID),
			zap.Int64("held_room_id", prev))
		return false
	}

	members := r.rooms[roomID]
	present := inRoom && prev == roomID
	if !present && r.maxMembers > 0 && len(members) >= r.maxMembers {
		r.logger.Info("room full", zap.Int64("room_id", roomID), zap.Int("members", len(members)))
		return false
	}

	if inRoom && prev != roomID {
		r.removeLocked(clientID, prev)
	}
	if members == nil {
		members = make(map[int64]chat.Member)
		r.rooms[roomID] = members
	}
	if !present {
		r.metrics.MemberJoined()
	}
	members[clientID] = m
	r.clients[clientID] = roomID

	r.logger.Debug("joined", zap.Int64("client_id", clientID), zap.Int64("room_id", roomID), zap.Int("members", len(members)))
	return true
}

// Leave removes m from roomID. It is safe for non-members and does nothing
// when the membership belongs to another handle with the same client id.
func (r *Registry) Leave(m chat.Member, roomID int64) {
	clientID := m.ClientID()
	if clientID == protocol.NoIdentity || roomID == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.clients[clientID] != roomID || r.rooms[roomID][clientID] != m {
		return
	}
	r.removeLocked(clientID, roomID)
	r.logger.Debug("left", zap.Int64("client_id", clientID), zap.Int64("room_id", roomID))
}

// Broadcast delivers msg to every current member of its room, the sender
// included, and returns the number of members that accepted it.
func (r *Registry) Broadcast(ctx context.Context, msg protocol.Text) int {
	frame := protocol.NewEchoResponse(msg.Login, msg.RoomID, msg.Text)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for clientID, m := range r.rooms[msg.RoomID] {
		if m.Deliver(frame) {
			n++
			continue
		}
		r.logger.Debug("delivery refused", zap.Int64("client_id", clientID), zap.Int64("room_id", msg.RoomID))
	}
	r.metrics.Broadcast()
	return n
}

// Replay delivers the configured amount of room history to m.
func (r *Registry) Replay(ctx context.Context, m chat.Member, roomID int64) int {
	if r.history == nil || r.historySize <= 0 {
		return 0
	}

	msgs, err := r.history.Recent(ctx, roomID, r.historySize)
	if err != nil {
		r.logger.Error("load room history", zap.Int64("room_id", roomID), zap.Error(err))
		return 0
	}

	n := 0
	for _, msg := range msgs {
		if !m.Deliver(protocol.NewEchoResponse(msg.Login, msg.RoomID, msg.Text)) {
			break
		}
		n++
	}
	return n
}

// Members returns the client ids in roomID in ascending order.
func (r *Registry) Members(roomID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RoomOf returns the room clientID is in.
func (r *Registry) RoomOf(clientID int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.clients[clientID]
	return roomID, ok
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
