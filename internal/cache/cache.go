// Package cache is a small TTL key/value cache with an in-process LRU
// backend and a Redis backend for multi-replica deployments. It also hands
// out short owner-scoped locks.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Lock acquires key for owner unless another owner holds it.
	Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Unlock releases key only if owner still holds it.
	Unlock(ctx context.Context, key, owner string) (bool, error)
}

const (
	defaultLocalSize = 1024
	defaultLocalTTL  = time.Hour
)

type entry struct {
	value   []byte
	expires time.Time
}

// Local is a process-local Cache. Entries never outlive maxTTL even when Set
// asks for longer.
type Local struct {
	lru *expirable.LRU[string, entry]
	now func() time.Time

	mu    sync.Mutex
	locks map[string]entry
}

func NewLocal(size int, maxTTL time.Duration) *Local {
	if size <= 0 {
		size = defaultLocalSize
	}
	if maxTTL <= 0 {
		maxTTL = defaultLocalTTL
	}
	return &Local{
		lru:   expirable.NewLRU[string, entry](size, nil, maxTTL),
		now:   time.Now,
		locks: map[string]entry{},
	}
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := l.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !l.now().Before(e.expires) {
		l.lru.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (l *Local) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = l.now().Add(ttl)
	}
	l.lru.Add(key, e)
	return nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	l.lru.Remove(key)
	return nil
}

func (l *Local) Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.locks[key]; ok && now.Before(held.expires) && string(held.value) != owner {
		return false, nil
	}
	l.locks[key] = entry{value: []byte(owner), expires: now.Add(ttl)}
	return true, nil
}

func (l *Local) Unlock(ctx context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[key]
	if !ok || string(held.value) != owner {
		return false, nil
	}
	delete(l.locks, key)
	return true, nil
}
