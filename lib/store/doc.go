// Package store provides the interface of the shared key-value store the lock
// broker coordinates through. The store is the single source of truth for all
// sessions, locks and wait sets; nothing in the broker keeps lock state in
// process memory.
//
// The package focuses on:
//   - A narrow, unified interface (IStore) listing exactly the primitives the
//     lock coordination core relies on
//   - Standardized error reporting that keeps store unavailability and lost
//     optimistic transactions distinguishable from other failures
//
// Key Components:
//
//   - IStore Interface: conditional single and multi-key set, get / multi-get,
//     set / multi-set, delete, expire, time-to-live, set operations,
//     optimistic transactions (Watch + ITx + IBatch) and publish/subscribe.
//
//   - Error System: A structured error reporting mechanism using typed return
//     codes. IsUnavailable and IsTxAborted let callers react to the two error
//     conditions the lock manager must report differently.
//
// Implementations:
//
//	The package includes two implementations of the IStore interface:
//
//	- Redis Store (rstore): The production implementation on top of a Redis
//	  server using go-redis. Conditional sets map to SETNX / MSETNX, optimistic
//	  transactions to WATCH / MULTI / EXEC and the broadcast channel to Redis
//	  pub/sub. Available in the "github.com/ValentinKolb/dLock/lib/store/rstore"
//	  package.
//
//	- Local Store (lstore): A single-process, in-memory implementation of the
//	  same primitive set. It is suitable for development and tests where no
//	  Redis server is available. Available in the
//	  "github.com/ValentinKolb/dLock/lib/store/lstore" package.
//
// Both implementations are verified by the shared contract in the
// "github.com/ValentinKolb/dLock/lib/store/testing" package.
package store
