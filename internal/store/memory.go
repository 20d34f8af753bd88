package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/roomchat/pkg/protocol"
)

type account struct {
	clientID   int64
	secretHash string
}

// DefaultRoomLogSize is the number of messages Memory retains per room.
const DefaultRoomLogSize = 1000

// Memory keeps accounts and messages in process memory. Only the newest
// messages of each room are retained.
type Memory struct {
	cost    int
	logSize int

	mu       sync.RWMutex
	accounts map[string]account
	ids      map[int64]string
	rooms    map[int64][]protocol.Text
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithHashCost sets the bcrypt cost used for new accounts.
func WithHashCost(cost int) MemoryOption {
	return func(m *Memory) {
		m.cost = cost
	}
}

// WithRoomLogSize sets how many messages are retained per room; values
// below 1 keep DefaultRoomLogSize.
func WithRoomLogSize(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.logSize = n
		}
	}
}

// NewMemory creates an empty Memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		cost:     bcrypt.DefaultCost,
		logSize:  DefaultRoomLogSize,
		accounts: make(map[string]account),
		ids:      make(map[int64]string),
		rooms:    make(map[int64][]protocol.Text),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ResolveIdentity implements chat.Store.
func (m *Memory) ResolveIdentity(_ context.Context, login, secret string) (int64, error) {
	m.mu.RLock()
	acc, ok := m.accounts[login]
	m.mu.RUnlock()

	if !ok {
		return protocol.NoIdentity, nil
	}
	match, err := secretMatches(acc.secretHash, secret)
	if err != nil {
		return protocol.NoIdentity, err
	}
	if !match {
		return protocol.NoIdentity, nil
	}
	return acc.clientID, nil
}

// LookupLoginID implements chat.Store.
func (m *Memory) LookupLoginID(_ context.Context, login string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acc, ok := m.accounts[login]; ok {
		return acc.clientID, nil
	}
	return protocol.NoIdentity, nil
}

// CreateAccount implements chat.Store.
func (m *Memory) CreateAccount(_ context.Context, login string, clientID int64, secret string) error {
	hash, err := hashSecret(secret, m.cost)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[login]; ok {
		return errors.Wrap(ErrDuplicateLogin, login)
	}
	if _, ok := m.ids[clientID]; ok {
		return errors.Wrapf(ErrDuplicateID, "%d", clientID)
	}
	m.accounts[login] = account{clientID: clientID, secretHash: hash}
	m.ids[clientID] = login
	return nil
}

// LogMessage implements chat.Store. The oldest message of a full room is
// dropped.
func (m *Memory) LogMessage(_ context.Context, msg protocol.Text) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := append(m.rooms[msg.RoomID], msg)
	if len(msgs) > m.logSize {
		n := copy(msgs, msgs[len(msgs)-m.logSize:])
		msgs = msgs[:n]
	}
	m.rooms[msg.RoomID] = msgs
	return nil
}

// Recent implements room.History.
func (m *Memory) Recent(_ context.Context, roomID int64, n int) ([]protocol.Text, error) {
	if n <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.rooms[roomID]
	if n < len(msgs) {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]protocol.Text(nil), msgs...), nil
}

// Messages returns the retained messages of roomID in insertion order.
func (m *Memory) Messages(roomID int64) []protocol.Text {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.Text(nil), m.rooms[roomID]...)
}
