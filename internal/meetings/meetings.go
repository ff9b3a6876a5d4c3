// Package meetings is the meeting-key directory: it mints human-shareable
// keys and resolves them to meeting metadata so a UI can validate a key
// before joining. The relay itself never requires it; any key names a fresh
// room.
package meetings

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("meeting not found")

// keyPattern is three hyphen-joined 3-letter lowercase segments, e.g.
// "abc-def-ghi": low entropy but unique enough under SetNX, and shareable
// over the phone.
var keyPattern = regexp.MustCompile(`^[a-z]{3}-[a-z]{3}-[a-z]{3}$`)

const keyAlphabet = "abcdefghijklmnopqrstuvwxyz"

// Meeting is the directory's metadata row.
type Meeting struct {
	Key       string    `json:"key"`
	Title     string    `json:"title,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the persistence boundary. The production implementation is Redis;
// tests use an in-memory map.
type Store interface {
	// SetNX stores value under key only if absent, returning whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
}

// Directory mints and resolves meeting keys over a Store.
type Directory struct {
	store Store
	ttl   time.Duration
}

func NewDirectory(store Store, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Directory{store: store, ttl: ttl}
}

// Create mints a fresh key and stores the meeting. Key collisions are retried
// a few times; with 26^9 possible keys, more than one retry is already rare.
func (d *Directory) Create(ctx context.Context, title, createdBy string) (Meeting, error) {
	for attempt := 0; attempt < 5; attempt++ {
		key, err := NewKey()
		if err != nil {
			return Meeting{}, err
		}
		m := Meeting{
			Key:       key,
			Title:     title,
			CreatedBy: createdBy,
			CreatedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return Meeting{}, err
		}
		won, err := d.store.SetNX(ctx, storageKey(key), string(raw), d.ttl)
		if err != nil {
			return Meeting{}, fmt.Errorf("store meeting: %w", err)
		}
		if won {
			return m, nil
		}
	}
	return Meeting{}, errors.New("could not mint a unique meeting key")
}

// Resolve looks up a meeting by key.
func (d *Directory) Resolve(ctx context.Context, key string) (Meeting, error) {
	if !ValidKey(key) {
		return Meeting{}, ErrNotFound
	}
	raw, err := d.store.Get(ctx, storageKey(key))
	if err != nil {
		return Meeting{}, err
	}
	var m Meeting
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Meeting{}, fmt.Errorf("decode meeting %q: %w", key, err)
	}
	return m, nil
}

// ValidKey reports whether key has the canonical shape.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// NewKey mints a key like "abc-def-ghi" from crypto/rand.
func NewKey() (string, error) {
	var buf [9]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate meeting key: %w", err)
	}
	out := make([]byte, 0, 11)
	for i, b := range buf {
		if i > 0 && i%3 == 0 {
			out = append(out, '-')
		}
		out = append(out, keyAlphabet[int(b)%len(keyAlphabet)])
	}
	return string(out), nil
}

func storageKey(key string) string {
	return "meeting:" + key
}

// RedisStore is the production Store.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Ping verifies the Redis connection, for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
