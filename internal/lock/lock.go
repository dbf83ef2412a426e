// Package lock provides the per-entity mutual exclusion the engine takes
// before touching a market or a balance.
//
// Every caller acquires its keys through Acquire, which sorts them
// ascending. Market keys ("market:<id>") sort before user keys
// ("user:<id>"), so a trade takes its market then its user, and a
// resolution takes its market then every holder in id order. With one
// global order no two units can wait on each other in a cycle.
package lock

import (
	"context"
	"errors"
	"slices"
)

// ErrTimeout is returned when the keys could not all be acquired within the
// locker's wait bound. Nothing is held when it is returned.
var ErrTimeout = errors.New("lock: wait bound exceeded")

// Locker acquires a set of keys as a unit.
type Locker interface {
	// Acquire blocks until every key is held, the wait bound expires, or ctx
	// is done. The returned release func frees all keys and is safe to call
	// more than once.
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// MarketKey is the lock key for a market.
func MarketKey(id string) string { return "market:" + id }

// UserKey is the lock key for a user's balance.
func UserKey(id string) string { return "user:" + id }

// Order returns keys sorted ascending with duplicates removed.
func Order(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
