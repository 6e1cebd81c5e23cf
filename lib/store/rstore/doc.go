// Package rstore implements the store.IStore interface on top of a Redis
// server using go-redis.
//
// Primitive mapping:
//
//	SetIfUnset   -> SETNX
//	MSetIfUnset  -> MSETNX (all-or-nothing)
//	Get / MGet   -> GET / MGET
//	Set / MSet   -> SET / MSET
//	Delete       -> DEL
//	Expire / TTL -> EXPIRE / TTL
//	SAdd / SRem / SMembers -> SADD / SREM / SMEMBERS
//	Watch        -> WATCH + reads + MULTI/EXEC via TxPipelined
//	Publish      -> PUBLISH
//	Subscribe    -> SUBSCRIBE, confirmed before returning
//
// Errors replied by the server are reported as store.RetCInternalError, a
// failed EXEC after a watched key changed as store.RetCTxAborted and every
// other error (network, closed client, timeouts) as store.RetCUnavailable.
//
// Usage Example:
//
//	s := rstore.NewRedisStore("localhost:6379", "", 0, rstore.WithPrefix("dlock:"))
//	defer s.Close()
//
//	ok, err := s.SetIfUnset(ctx, "lock:doc-42", "session-1")
package rstore
