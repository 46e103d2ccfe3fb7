package kvps

import (
	"context"
	"sync"
	"time"
)

// FakeBackend is an in-memory stand-in for the shared store, used by
// tests. Several Fake handles can share one backend, which makes
// multi-node routing scenarios runnable inside a single test process:
// each "node" gets its own handle, and publishes fan out synchronously
// to every handle's subscriptions.
type FakeBackend struct {
	mu       sync.Mutex
	strings  map[string]string
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	expireAt map[string]time.Time

	handlers map[string][]*fakeHandler
}

type fakeHandler struct {
	owner   *Fake
	channel string
	fn      Handler
}

// NewFakeBackend creates an empty backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		strings:  make(map[string]string),
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		expireAt: make(map[string]time.Time),
		handlers: make(map[string][]*fakeHandler),
	}
}

// NewStore returns a Store handle sharing this backend.
func (b *FakeBackend) NewStore() *Fake {
	return &Fake{backend: b}
}

// Keys returns all live keys, for directory-cleanup assertions.
func (b *FakeBackend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()

	keys := []string{}
	for k := range b.strings {
		keys = append(keys, k)
	}
	for k := range b.hashes {
		keys = append(keys, k)
	}
	for k := range b.sets {
		keys = append(keys, k)
	}
	return keys
}

func (b *FakeBackend) sweepLocked() {
	now := time.Now()
	for key, at := range b.expireAt {
		if now.After(at) {
			delete(b.strings, key)
			delete(b.hashes, key)
			delete(b.sets, key)
			delete(b.expireAt, key)
		}
	}
}

// Fake is a single logical connection to a FakeBackend.
type Fake struct {
	backend *FakeBackend

	mu   sync.Mutex
	fail error
}

// NewFake creates a backend and returns the first handle on it.
func NewFake() *Fake {
	return NewFakeBackend().NewStore()
}

// FailWith makes every subsequent operation on this handle return err,
// simulating an unreachable store. Pass nil to restore.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *Fake) failing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

// Backend exposes the shared backend for tests that attach more nodes.
func (f *Fake) Backend() *FakeBackend { return f.backend }

func (f *Fake) Get(ctx context.Context, key string) (string, error) {
	if err := f.failing(); err != nil {
		return "", err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	val, ok := b.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (f *Fake) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strings[key] = value
	if ttl > 0 {
		b.expireAt[key] = time.Now().Add(ttl)
	} else {
		delete(b.expireAt, key)
	}
	return nil
}

func (f *Fake) Del(ctx context.Context, keys ...string) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.strings, key)
		delete(b.hashes, key)
		delete(b.sets, key)
		delete(b.expireAt, key)
	}
	return nil
}

func (f *Fake) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hashes[key]
	if !ok {
		h = make(map[string]string)
		b.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *Fake) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := f.failing(); err != nil {
		return nil, err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	out := make(map[string]string, len(b.hashes[key]))
	for k, v := range b.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) HDel(ctx context.Context, key string, fields ...string) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, field := range fields {
		delete(b.hashes[key], field)
	}
	return nil
}

func (f *Fake) SAdd(ctx context.Context, key string, members ...string) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SRem(ctx context.Context, key string, members ...string) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(b.sets, key)
	}
	return nil
}

func (f *Fake) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := f.failing(); err != nil {
		return nil, err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	members := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (f *Fake) SCard(ctx context.Context, key string) (int64, error) {
	if err := f.failing(); err != nil {
		return 0, err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	return int64(len(b.sets[key])), nil
}

func (f *Fake) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireAt[key] = time.Now().Add(ttl)
	return nil
}

// Publish dispatches synchronously to every matching handler across all
// handles sharing the backend. Handlers run outside the backend lock, so
// they may publish again without deadlocking.
func (f *Fake) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	targets := make([]*fakeHandler, len(b.handlers[channel]))
	copy(targets, b.handlers[channel])
	b.mu.Unlock()

	for _, h := range targets {
		h.fn(channel, payload)
	}
	return nil
}

func (f *Fake) Subscribe(channel string, handler Handler) error {
	if err := f.failing(); err != nil {
		return err
	}
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = append(b.handlers[channel], &fakeHandler{
		owner:   f,
		channel: channel,
		fn:      handler,
	})
	return nil
}

func (f *Fake) Unsubscribe(channel string) error {
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.handlers[channel][:0]
	for _, h := range b.handlers[channel] {
		if h.owner != f {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(b.handlers, channel)
	} else {
		b.handlers[channel] = kept
	}
	return nil
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.failing()
}

func (f *Fake) Close() error {
	b := f.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel := range b.handlers {
		kept := b.handlers[channel][:0]
		for _, h := range b.handlers[channel] {
			if h.owner != f {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(b.handlers, channel)
		} else {
			b.handlers[channel] = kept
		}
	}
	return nil
}
