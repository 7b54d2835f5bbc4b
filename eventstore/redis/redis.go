// Package redis implements eventstore.Store on Redis Streams. Each session
// log is one stream: XADD with MAXLEN enforces the per-session bound, key
// TTLs reap idle sessions, and XRANGE serves cursor reads. Event IDs
// assigned by the session manager (decimal, strictly increasing) map onto
// stream IDs as "<id>-0".
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/mcpwire/mcp-transport-go/eventstore"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=mcp:events:"`
	// MaxEventsPerSession bounds each session's retained log. ENV: MAX_EVENTS_PER_SESSION
	MaxEventsPerSession int64 `env:"MAX_EVENTS_PER_SESSION,default=100"`
	// SessionTimeout reaps idle session logs via key TTL. ENV: SESSION_TIMEOUT
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT,default=30m"`
}

// Store implements eventstore.Store against a Redis backend.
type Store struct {
	client    *redis.Client
	keyPrefix string
	maxEvents int64
	timeout   time.Duration
}

// New connects to Redis and verifies it with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client. Used by tests and callers that
// manage their own connection pool.
func NewWithClient(client *redis.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	maxEvents := cfg.MaxEventsPerSession
	if maxEvents <= 0 {
		maxEvents = 100
	}
	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Store{client: client, keyPrefix: prefix, maxEvents: maxEvents, timeout: timeout}
}

func (s *Store) streamKey(sessionID string) string { return s.keyPrefix + "stream:" + sessionID }

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, sessionID string, ev eventstore.Event) error {
	key := s.streamKey(sessionID)
	_, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     ev.ID + "-0",
		MaxLen: s.maxEvents,
		Values: map[string]any{
			"type": ev.Type,
			"data": ev.Data,
			"ts":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	// Refresh the idle TTL on every append.
	_ = s.client.Expire(ctx, key, s.timeout).Err()
	return nil
}

// GetSince implements eventstore.Store.
func (s *Store) GetSince(ctx context.Context, sessionID string, cursor string) ([]eventstore.Event, error) {
	key := s.streamKey(sessionID)

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("exists: %w", err)
	}
	if n == 0 {
		return nil, eventstore.ErrSessionNotFound
	}

	start := "-"
	if cursor != "" {
		retained, err := s.cursorRetained(ctx, key, cursor)
		if err != nil {
			return nil, err
		}
		if !retained {
			return nil, eventstore.ErrCursorExpired
		}
		start = "(" + cursor + "-0"
	}

	msgs, err := s.client.XRange(ctx, key, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}

	events := make([]eventstore.Event, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, decodeMessage(sessionID, m))
	}
	return events, nil
}

// Touch implements eventstore.Store.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	_ = s.client.Expire(ctx, s.streamKey(sessionID), s.timeout).Err()
	return nil
}

// Drop implements eventstore.Store.
func (s *Store) Drop(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	_, err := s.client.Del(c, s.streamKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// cursorRetained reports whether the cursor still falls inside the retained
// window of the stream: at or after the oldest retained entry and no newer
// than the newest.
func (s *Store) cursorRetained(ctx context.Context, key, cursor string) (bool, error) {
	cur, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return false, nil
	}

	oldest, err := s.client.XRangeN(ctx, key, "-", "+", 1).Result()
	if err != nil {
		return false, fmt.Errorf("xrange oldest: %w", err)
	}
	newest, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return false, fmt.Errorf("xrange newest: %w", err)
	}
	if len(oldest) == 0 || len(newest) == 0 {
		return false, nil
	}

	first := streamIDSeq(oldest[0].ID)
	last := streamIDSeq(newest[0].ID)
	return cur >= first && cur <= last, nil
}

func streamIDSeq(id string) int64 {
	ms, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(ms, 10, 64)
	return n
}

func decodeMessage(sessionID string, m redis.XMessage) eventstore.Event {
	ev := eventstore.Event{
		ID:        strconv.FormatInt(streamIDSeq(m.ID), 10),
		SessionID: sessionID,
	}
	if v, ok := m.Values["type"].(string); ok {
		ev.Type = v
	}
	switch v := m.Values["data"].(type) {
	case string:
		ev.Data = []byte(v)
	case []byte:
		ev.Data = v
	}
	if v, ok := m.Values["ts"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ev.Timestamp = ts
		}
	}
	return ev
}

var _ eventstore.Store = (*Store)(nil)
