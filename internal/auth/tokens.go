package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTokenInvalid covers unknown, expired and revoked tokens alike.
var ErrTokenInvalid = errors.New("token invalid or expired")

const tokenKeyPrefix = "auth:token:"

// TokenStore issues and resolves opaque bearer tokens.
type TokenStore interface {
	Issue(ctx context.Context, userID string) (string, error)
	Resolve(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, token string) error
}

// RedisTokens keeps tokens as TTL keys so sessions expire server-side.
type RedisTokens struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTokens(redisURL string, ttl time.Duration) (*RedisTokens, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisTokens{client: client, ttl: ttl}, nil
}

func (r *RedisTokens) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisTokens) Issue(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	if err := r.client.Set(ctx, tokenKeyPrefix+token, userID, r.ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

func (r *RedisTokens) Resolve(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrTokenInvalid
	}
	userID, err := r.client.Get(ctx, tokenKeyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (r *RedisTokens) Revoke(ctx context.Context, token string) error {
	return r.client.Del(ctx, tokenKeyPrefix+token).Err()
}

// MemoryTokens backs DB-less runs and tests.
type MemoryTokens struct {
	mu     sync.RWMutex
	ttl    time.Duration
	tokens map[string]memToken

	now func() time.Time
}

type memToken struct {
	userID    string
	expiresAt time.Time
}

func NewMemoryTokens(ttl time.Duration) *MemoryTokens {
	return &MemoryTokens{ttl: ttl, tokens: make(map[string]memToken), now: time.Now}
}

func (m *MemoryTokens) Issue(_ context.Context, userID string) (string, error) {
	token := uuid.NewString()
	m.mu.Lock()
	m.tokens[token] = memToken{userID: userID, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return token, nil
}

func (m *MemoryTokens) Resolve(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	t, ok := m.tokens[token]
	m.mu.RUnlock()
	if !ok || m.now().After(t.expiresAt) {
		return "", ErrTokenInvalid
	}
	return t.userID, nil
}

func (m *MemoryTokens) Revoke(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
	return nil
}
