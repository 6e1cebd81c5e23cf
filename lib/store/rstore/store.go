package rstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	backend "github.com/redis/go-redis/v9"
)

var Logger = logger.GetLogger("store")

type storeImpl struct {
	client *backend.Client
	prefix string
}

// Option configures the redis store.
type Option func(*storeImpl)

// WithPrefix namespaces all keys and channels of the store.
func WithPrefix(prefix string) Option {
	return func(s *storeImpl) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a new store connected to the redis server at address.
func NewRedisStore(address, password string, db int, opts ...Option) store.IStore {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(client, opts...)
}

// NewFromClient creates a new store from an existing client.
// Closing the store closes the client.
func NewFromClient(client *backend.Client, opts ...Option) store.IStore {
	s := &storeImpl{
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) SetIfUnset(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, 0).Result()
	if err != nil {
		return false, wrap("SETNX", err)
	}
	return ok, nil
}

func (s *storeImpl) MSetIfUnset(ctx context.Context, pairs ...store.Pair) (bool, error) {
	if len(pairs) == 0 {
		return false, store.NewError(store.RetCInvalidOperation, "MSETNX without keys")
	}
	ok, err := s.client.MSetNX(ctx, s.pairArgs(pairs)...).Result()
	if err != nil {
		return false, wrap("MSETNX", err)
	}
	return ok, nil
}

func (s *storeImpl) Get(ctx context.Context, key string) (string, bool, error) {
	return get(ctx, s.client, s.key(key))
}

func (s *storeImpl) MGet(ctx context.Context, keys ...string) ([]store.Value, error) {
	return mget(ctx, s.client, s.keys(keys))
}

func (s *storeImpl) Set(ctx context.Context, key, value string) error {
	return wrap("SET", s.client.Set(ctx, s.key(key), value, 0).Err())
}

func (s *storeImpl) MSet(ctx context.Context, pairs ...store.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	return wrap("MSET", s.client.MSet(ctx, s.pairArgs(pairs)...).Err())
}

func (s *storeImpl) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("DEL", s.client.Del(ctx, s.keys(keys)...).Err())
}

func (s *storeImpl) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("EXPIRE", s.client.Expire(ctx, s.key(key), ttl).Err())
}

func (s *storeImpl) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, wrap("TTL", err)
	}
	// go-redis passes the -1 / -2 replies through unscaled
	switch ttl {
	case -1:
		return store.NoExpiry, nil
	case -2:
		return store.NoKey, nil
	}
	return ttl, nil
}

func (s *storeImpl) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap("SADD", s.client.SAdd(ctx, s.key(key), toArgs(members)...).Err())
}

func (s *storeImpl) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return wrap("SREM", s.client.SRem(ctx, s.key(key), toArgs(members)...).Err())
}

func (s *storeImpl) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, wrap("SMEMBERS", err)
	}
	return members, nil
}

func (s *storeImpl) Watch(ctx context.Context, fn func(tx store.ITx) error, keys ...string) error {
	var fnErr error
	err := s.client.Watch(ctx, func(tx *backend.Tx) error {
		fnErr = fn(&txImpl{tx: tx, parent: s})
		return fnErr
	}, s.keys(keys)...)
	if err == nil {
		return nil
	}

	// errors returned by fn are passed through unchanged
	if fnErr != nil && errors.Is(err, fnErr) {
		return err
	}
	if errors.Is(err, backend.TxFailedErr) {
		return store.WrapError(store.RetCTxAborted, "watched key changed", err)
	}
	return wrap("WATCH", err)
}

func (s *storeImpl) Publish(ctx context.Context, channel, payload string) error {
	return wrap("PUBLISH", s.client.Publish(ctx, s.key(channel), payload).Err())
}

func (s *storeImpl) Subscribe(ctx context.Context, channel string) (store.ISubscription, error) {
	pubsub := s.client.Subscribe(ctx, s.key(channel))

	// Wait for the subscription confirmation, messages published after this
	// point are guaranteed to be delivered.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrap("SUBSCRIBE", err)
	}

	sub := &subscriptionImpl{
		pubsub:   pubsub,
		messages: make(chan string),
		done:     make(chan struct{}),
	}
	go sub.forward()

	Logger.Debugf("subscribed to channel %s", channel)
	return sub, nil
}

func (s *storeImpl) Close() error {
	return s.client.Close()
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

type txImpl struct {
	tx     *backend.Tx
	parent *storeImpl
}

func (t *txImpl) Get(ctx context.Context, key string) (string, bool, error) {
	return get(ctx, t.tx, t.parent.key(key))
}

func (t *txImpl) MGet(ctx context.Context, keys ...string) ([]store.Value, error) {
	return mget(ctx, t.tx, t.parent.keys(keys))
}

func (t *txImpl) Commit(ctx context.Context, fn func(b store.IBatch)) error {
	_, err := t.tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		fn(&batchImpl{pipe: pipe, ctx: ctx, parent: t.parent})
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.TxFailedErr) {
		return store.WrapError(store.RetCTxAborted, "watched key changed", err)
	}
	return wrap("EXEC", err)
}

type batchImpl struct {
	pipe   backend.Pipeliner
	ctx    context.Context
	parent *storeImpl
}

func (b *batchImpl) Set(key, value string) {
	b.pipe.Set(b.ctx, b.parent.key(key), value, 0)
}

func (b *batchImpl) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.pipe.Del(b.ctx, b.parent.keys(keys)...)
}

func (b *batchImpl) Expire(key string, ttl time.Duration) {
	b.pipe.Expire(b.ctx, b.parent.key(key), ttl)
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

type subscriptionImpl struct {
	pubsub    *backend.PubSub
	messages  chan string
	done      chan struct{}
	closeOnce sync.Once
}

// forward copies the payloads of the redis channel until the subscription
// is closed.
func (s *subscriptionImpl) forward() {
	defer close(s.messages)
	source := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-source:
			if !ok {
				return
			}
			select {
			case s.messages <- msg.Payload:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriptionImpl) Messages() <-chan string {
	return s.messages
}

func (s *subscriptionImpl) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *storeImpl) key(key string) string {
	return s.prefix + key
}

func (s *storeImpl) keys(keys []string) []string {
	if s.prefix == "" {
		return keys
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.prefix + k
	}
	return prefixed
}

func (s *storeImpl) pairArgs(pairs []store.Pair) []interface{} {
	args := make([]interface{}, 0, len(pairs)*2)
	for _, p := range pairs {
		args = append(args, s.key(p.Key), p.Value)
	}
	return args
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// reader is the read subset shared by *backend.Client and *backend.Tx
type reader interface {
	Get(ctx context.Context, key string) *backend.StringCmd
	MGet(ctx context.Context, keys ...string) *backend.SliceCmd
}

// get reads a single key with the given command issuer (client or tx)
func get(ctx context.Context, c reader, key string) (string, bool, error) {
	val, err := c.Get(ctx, key).Result()
	if errors.Is(err, backend.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("GET", err)
	}
	return val, true, nil
}

// mget reads several keys with the given command issuer (client or tx)
func mget(ctx context.Context, c reader, keys []string) ([]store.Value, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap("MGET", err)
	}
	values := make([]store.Value, len(raw))
	for i, v := range raw {
		if str, ok := v.(string); ok {
			values[i] = store.Value{Data: str, Ok: true}
		}
	}
	return values, nil
}

// wrap converts a go-redis error into a store error. Errors replied by the
// server are internal errors, everything else (closed client, network,
// timeouts) means the store is unavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var replyErr backend.Error
	if errors.As(err, &replyErr) {
		return store.WrapError(store.RetCInternalError, op+" failed", err)
	}
	return store.WrapError(store.RetCUnavailable, op+" failed", err)
}
