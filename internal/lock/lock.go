// Package lock provides the per-alert mutual exclusion used by enumeration
// syncs, history merges and scheduled runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker is a best-effort lease keyed by name. TryLock hands out an owner
// token; Unlock and Refresh only act on a lease the token still owns.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
}

// ErrNotHeld is returned by Refresh when the caller no longer owns the lease.
var ErrNotHeld = errors.New("lock not held")

// Lease is a held lock. While held it is refreshed every third of its ttl.
type Lease struct {
	locker Locker
	key    string
	token  string
	ttl    time.Duration

	stop chan struct{}
	done chan struct{}
	lost chan struct{}
	once sync.Once
}

// Acquire polls l every retry until key is held or ctx ends.
func Acquire(ctx context.Context, l Locker, key string, ttl, retry time.Duration) (*Lease, error) {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		lease, ok, err := TryAcquire(ctx, l, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-time.After(retry):
		}
	}
}

// TryAcquire makes a single attempt at key.
func TryAcquire(ctx context.Context, l Locker, key string, ttl time.Duration) (*Lease, bool, error) {
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	lease := &Lease{
		locker: l,
		key:    key,
		token:  token,
		ttl:    ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, true, nil
}

// Lost is closed when a refresh finds the lease owned by someone else.
func (le *Lease) Lost() <-chan struct{} { return le.lost }

// Release stops the keep-alive and unlocks. It uses a fresh context so it
// still runs after the caller's context is cancelled. Safe to call twice.
func (le *Lease) Release() {
	le.once.Do(func() {
		close(le.stop)
		<-le.done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = le.locker.Unlock(ctx, le.key, le.token)
	})
}

func (le *Lease) keepAlive() {
	defer close(le.done)
	if le.ttl <= 0 {
		<-le.stop
		return
	}
	interval := le.ttl / 3
	if interval <= 0 {
		interval = le.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-le.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := le.locker.Refresh(ctx, le.key, le.token, le.ttl)
			cancel()
			if errors.Is(err, ErrNotHeld) {
				close(le.lost)
				<-le.stop
				return
			}
		}
	}
}

type localLease struct {
	token string
	exp   time.Time
}

// LocalLock is an in-process Locker for single-instance deployments and tests.
type LocalLock struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

// NewLocalLock returns an empty LocalLock.
func NewLocalLock() *LocalLock {
	return &LocalLock{leases: make(map[string]localLease), now: time.Now}
}

// TryLock takes key unless an unexpired lease exists. ttl <= 0 never expires.
func (l *LocalLock) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, held := l.leases[key]; held && l.live(cur, now) {
		return "", false, nil
	}
	lease := localLease{token: uuid.NewString()}
	if ttl > 0 {
		lease.exp = now.Add(ttl)
	}
	l.leases[key] = lease
	return lease.token, true, nil
}

// Unlock releases key when token still owns it. Otherwise it is a no-op.
func (l *LocalLock) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, held := l.leases[key]; held && cur.token == token {
		delete(l.leases, key)
	}
	return nil
}

// Refresh extends the lease owned by token to ttl from now.
func (l *LocalLock) Refresh(_ context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, held := l.leases[key]
	if !held || cur.token != token || !l.live(cur, now) {
		return fmt.Errorf("refresh %s: %w", key, ErrNotHeld)
	}
	cur.exp = time.Time{}
	if ttl > 0 {
		cur.exp = now.Add(ttl)
	}
	l.leases[key] = cur
	return nil
}

func (l *LocalLock) live(lease localLease, now time.Time) bool {
	return lease.exp.IsZero() || now.Before(lease.exp)
}
