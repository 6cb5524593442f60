// README: Per-booking serialization. One holder per booking key, no global lock.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bookd/internal/infra"
)

var ErrLockTimeout = errors.New("booking lock not acquired")

// Locker serializes work per key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker with one reference-counted slot per key.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				k.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, s)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}
}

func (k *KeyedMutex) release(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every instance pointed at the same Redis.
// The lease lasts ttl and is renewed every ttl/3 while held, so a crashed holder
// frees the booking within ttl but a slow one keeps it.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	renew  time.Duration
	retry  time.Duration
	prefix string
	log    *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		renew:  ttl / 3,
		retry:  25 * time.Millisecond,
		prefix: "dispatch:lock:",
		log:    log,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := uuid.NewString()
	wait := r.retry
	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, infra.StoreError(err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go r.keepAlive(name, token, stop, done)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					// Release even if the caller's context is already done.
					rctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = unlockScript.Run(rctx, r.client, []string{name}, token).Err()
				})
			}, nil
		}

		jitter := time.Duration(rand.Int64N(int64(wait)/2 + 1))
		t := time.NewTimer(wait + jitter)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-t.C:
		}
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}
}

// keepAlive extends the lease until stop is closed or the token is no longer ours.
func (r *RedisLocker) keepAlive(name, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if r.renew <= 0 {
		return
	}
	ticker := time.NewTicker(r.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.renew)
		n, err := renewScript.Run(ctx, r.client, []string{name}, token, r.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			r.log.Warn("lock renewal failed", zap.String("key", name), zap.Error(err))
			continue
		}
		if n == 0 {
			r.log.Error("lock lease lost", zap.String("key", name))
			return
		}
	}
}
