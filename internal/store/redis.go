package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/omochice/roomchat/pkg/protocol"
)

const defaultStreamMaxLen = 100_000

// RedisLog keeps one Redis stream per room.
type RedisLog struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// RedisOption configures a RedisLog.
type RedisOption func(*RedisLog)

// WithStreamMaxLen caps each room stream, approximately.
func WithStreamMaxLen(n int64) RedisOption {
	return func(r *RedisLog) {
		r.maxLen = n
	}
}

// WithKeyPrefix sets the stream key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLog) {
		r.prefix = prefix
	}
}

// NewRedisLog wraps client.
func NewRedisLog(client *redis.Client, opts ...RedisOption) *RedisLog {
	r := &RedisLog{
		client: client,
		prefix: "roomchat:room:",
		maxLen: defaultStreamMaxLen,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenRedisLog connects to addr and verifies the connection.
func OpenRedisLog(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisLog(client, opts...), nil
}

// Close closes the client.
func (r *RedisLog) Close() error {
	return r.client.Close()
}

func (r *RedisLog) key(roomID int64) string {
	return r.prefix + strconv.FormatInt(roomID, 10)
}

func (r *RedisLog) LogMessage(ctx context.Context, msg protocol.Text) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.key(msg.RoomID),
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"login": msg.Login,
			"text":  msg.Text,
		},
	}).Err()
	return errors.Wrap(err, "xadd")
}

func (r *RedisLog) Recent(ctx context.Context, roomID int64, n int) ([]protocol.Text, error) {
	entries, err := r.client.XRevRangeN(ctx, r.key(roomID), "+", "-", int64(n)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "xrevrange")
	}

	out := make([]protocol.Text, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		values := entries[i].Values
		out = append(out, protocol.Text{
			Login:  stringValue(values["login"]),
			RoomID: roomID,
			Text:   stringValue(values["text"]),
		})
	}
	return out, nil
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
