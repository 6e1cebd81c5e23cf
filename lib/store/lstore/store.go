package lstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/puzpuzpuz/xsync/v3"
)

// entry is a single value of the store, either a string or a set
type entry struct {
	str      string
	set      map[string]struct{}
	isSet    bool
	expireAt time.Time // zero means no expiry
}

type storeImpl struct {
	mu   sync.Mutex
	data map[string]*entry

	// versions holds the revision of the last write per live key. A deleted
	// key keeps its entry only while a transaction watches it, so a delete
	// followed by a re-create is still detected.
	versions map[string]uint64
	rev      uint64
	// watchers counts the running Watch calls per key
	watchers map[string]int

	subs      *xsync.MapOf[uint64, *subscriptionImpl]
	nextSubID atomic.Uint64
	closed    atomic.Bool

	now func() time.Time
}

// Option configures the local store.
type Option func(*storeImpl)

// WithClock replaces the clock used for key expiry.
func WithClock(now func() time.Time) Option {
	return func(s *storeImpl) {
		s.now = now
	}
}

// NewLocalStore creates a new in-memory store instance.
// This store implementation is not distributed and only works in a single process.
func NewLocalStore(opts ...Option) store.IStore {
	s := &storeImpl{
		data:     make(map[string]*entry),
		versions: make(map[string]uint64),
		watchers: make(map[string]int),
		subs:     xsync.NewMapOf[uint64, *subscriptionImpl](),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) SetIfUnset(_ context.Context, key, value string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) != nil {
		return false, nil
	}
	s.write(key, &entry{str: value})
	return true, nil
}

func (s *storeImpl) MSetIfUnset(_ context.Context, pairs ...store.Pair) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if len(pairs) == 0 {
		return false, store.NewError(store.RetCInvalidOperation, "MSetIfUnset without keys")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pairs {
		if s.lookup(p.Key) != nil {
			return false, nil
		}
	}
	for _, p := range pairs {
		s.write(p.Key, &entry{str: p.Value})
	}
	return true, nil
}

func (s *storeImpl) Get(_ context.Context, key string) (string, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getString(key)
}

func (s *storeImpl) MGet(_ context.Context, keys ...string) ([]store.Value, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgetLocked(keys), nil
}

func (s *storeImpl) Set(_ context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(key, &entry{str: value})
	return nil
}

func (s *storeImpl) MSet(_ context.Context, pairs ...store.Pair) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		s.write(p.Key, &entry{str: p.Value})
	}
	return nil
}

func (s *storeImpl) Delete(_ context.Context, keys ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.remove(key)
	}
	return nil
}

func (s *storeImpl) Expire(_ context.Context, key string, ttl time.Duration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key, ttl)
	return nil
}

func (s *storeImpl) TTL(_ context.Context, key string) (time.Duration, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	switch {
	case e == nil:
		return store.NoKey, nil
	case e.expireAt.IsZero():
		return store.NoExpiry, nil
	default:
		return e.expireAt.Sub(s.now()), nil
	}
}

func (s *storeImpl) SAdd(_ context.Context, key string, members ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		e = &entry{isSet: true, set: make(map[string]struct{}, len(members))}
	} else if !e.isSet {
		return wrongType(key)
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	s.write(key, e)
	return nil
}

func (s *storeImpl) SRem(_ context.Context, key string, members ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return nil
	}
	if !e.isSet {
		return wrongType(key)
	}
	for _, m := range members {
		delete(e.set, m)
	}
	if len(e.set) == 0 {
		s.remove(key)
	} else {
		s.write(key, e)
	}
	return nil
}

func (s *storeImpl) SMembers(_ context.Context, key string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	if !e.isSet {
		return nil, wrongType(key)
	}
	members := make([]string, 0, len(e.set))
	for m := range e.set {
		members = append(members, m)
	}
	return members, nil
}

func (s *storeImpl) Watch(_ context.Context, fn func(tx store.ITx) error, keys ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	watched := make(map[string]uint64, len(keys))
	for _, key := range keys {
		s.lookup(key) // purge expired keys first so their expiry is not seen as a change later
		watched[key] = s.versions[key]
		s.watchers[key]++
	}
	s.mu.Unlock()

	defer s.unwatch(keys)
	return fn(&txImpl{parent: s, watched: watched})
}

func (s *storeImpl) Publish(_ context.Context, channel, payload string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.subs.Range(func(_ uint64, sub *subscriptionImpl) bool {
		if sub.channel == channel {
			sub.enqueue(payload)
		}
		return true
	})
	return nil
}

func (s *storeImpl) Subscribe(_ context.Context, channel string) (store.ISubscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id := s.nextSubID.Add(1)
	sub := &subscriptionImpl{
		id:       id,
		channel:  channel,
		parent:   s,
		messages: make(chan string),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.subs.Store(id, sub)
	go sub.forward()
	return sub, nil
}

func (s *storeImpl) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.subs.Range(func(_ uint64, sub *subscriptionImpl) bool {
		_ = sub.Close()
		return true
	})
	return nil
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

type txImpl struct {
	parent    *storeImpl
	watched   map[string]uint64
	committed bool
}

func (t *txImpl) Get(_ context.Context, key string) (string, bool, error) {
	if err := t.parent.checkOpen(); err != nil {
		return "", false, err
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	return t.parent.getString(key)
}

func (t *txImpl) MGet(_ context.Context, keys ...string) ([]store.Value, error) {
	if err := t.parent.checkOpen(); err != nil {
		return nil, err
	}
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	return t.parent.mgetLocked(keys), nil
}

func (t *txImpl) Commit(_ context.Context, fn func(b store.IBatch)) error {
	if err := t.parent.checkOpen(); err != nil {
		return err
	}
	if t.committed {
		return store.NewError(store.RetCInvalidOperation, "transaction already committed")
	}
	t.committed = true

	b := &batchImpl{}
	fn(b)

	s := t.parent
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range t.watched {
		s.lookup(key)
		if s.versions[key] != version {
			return store.NewError(store.RetCTxAborted, "watched key changed: "+key)
		}
	}
	for _, op := range b.ops {
		op(s)
	}
	return nil
}

type batchImpl struct {
	ops []func(s *storeImpl)
}

func (b *batchImpl) Set(key, value string) {
	b.ops = append(b.ops, func(s *storeImpl) {
		s.write(key, &entry{str: value})
	})
}

func (b *batchImpl) Delete(keys ...string) {
	b.ops = append(b.ops, func(s *storeImpl) {
		for _, key := range keys {
			s.remove(key)
		}
	})
}

func (b *batchImpl) Expire(key string, ttl time.Duration) {
	b.ops = append(b.ops, func(s *storeImpl) {
		s.expireLocked(key, ttl)
	})
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

// subscriptionImpl buffers published payloads in an unbounded queue so that
// Publish never blocks on a slow subscriber while order is preserved.
type subscriptionImpl struct {
	id      uint64
	channel string
	parent  *storeImpl

	mu    sync.Mutex
	queue []string

	messages  chan string
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscriptionImpl) enqueue(payload string) {
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriptionImpl) forward() {
	defer close(s.messages)
	for {
		s.mu.Lock()
		var next string
		pending := len(s.queue) > 0
		if pending {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !pending {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.messages <- next:
		case <-s.done:
			return
		}
	}
}

func (s *subscriptionImpl) Messages() <-chan string {
	return s.messages
}

func (s *subscriptionImpl) Close() error {
	s.closeOnce.Do(func() {
		s.parent.subs.Delete(s.id)
		close(s.done)
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods (all expect s.mu to be held)
// --------------------------------------------------------------------------

func (s *storeImpl) checkOpen() error {
	if s.closed.Load() {
		return store.NewError(store.RetCUnavailable, "store is closed")
	}
	return nil
}

// lookup returns the live entry for key, purging it if it has expired
func (s *storeImpl) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		s.remove(key)
		return nil
	}
	return e
}

func (s *storeImpl) getString(key string) (string, bool, error) {
	e := s.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.isSet {
		return "", false, wrongType(key)
	}
	return e.str, true, nil
}

func (s *storeImpl) mgetLocked(keys []string) []store.Value {
	values := make([]store.Value, len(keys))
	for i, key := range keys {
		// like MGET, non-string values are reported as missing
		if e := s.lookup(key); e != nil && !e.isSet {
			values[i] = store.Value{Data: e.str, Ok: true}
		}
	}
	return values
}

func (s *storeImpl) expireLocked(key string, ttl time.Duration) {
	e := s.lookup(key)
	if e == nil {
		return
	}
	if ttl <= 0 {
		s.remove(key)
		return
	}
	e.expireAt = s.now().Add(ttl)
	s.touch(key)
}

func (s *storeImpl) write(key string, e *entry) {
	s.data[key] = e
	s.touch(key)
}

func (s *storeImpl) remove(key string) {
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	if s.watchers[key] > 0 {
		s.touch(key)
		return
	}
	delete(s.versions, key)
}

// unwatch releases the keys of a finished Watch and drops the revisions of
// keys that were deleted meanwhile
func (s *storeImpl) unwatch(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if s.watchers[key]--; s.watchers[key] > 0 {
			continue
		}
		delete(s.watchers, key)
		if _, live := s.data[key]; !live {
			delete(s.versions, key)
		}
	}
}

func (s *storeImpl) touch(key string) {
	s.rev++
	s.versions[key] = s.rev
}

func wrongType(key string) error {
	return store.NewError(store.RetCInvalidOperation, "operation against a key holding the wrong kind of value: "+key)
}
