// Package lock provides a redis-backed mutual exclusion lease shared by all
// proxy replicas.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrNotConfigured = errors.New("lock_client_not_configured")
	ErrInvalidKey    = errors.New("lock_key_empty")
	ErrInvalidTTL    = errors.New("lock_ttl_not_positive")
)

// Only the holder of the token may delete the key.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type Locker struct {
	client *redis.Client
	script *redis.Script
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Key   string
	Token string

	locker *Locker
}

// NewLocker returns nil when client is nil so callers can treat the
// distributed lock as optional.
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// TryAcquire attempts to take key for ttl. A nil lease with a nil error means
// another holder owns the key.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrNotConfigured
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: key, Token: token, locker: l}, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.locker == nil || l.Token == "" {
		return nil
	}
	err := l.locker.script.Run(ctx, l.locker.client, []string{l.Key}, l.Token).Err()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	l.Token = ""
	return err
}
