// Package lock serializes work on a visit and on individual drugs.
//
// Keys are acquired through Acquire, which records held keys on the context
// so that a unit of work calling into another component that locks the same
// key does not deadlock on itself. Acquire sorts the keys of one call as
// strings, so "drug:*" keys are taken before "visit:*". Dispense is the only
// operation holding both kinds and takes them in a single call; a nested
// Acquire only ever adds keys of the visit its outer unit already holds.
package lock

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/platform/apperror"
)

// ErrTimeout is returned by a Locker when the wait bound elapses.
var ErrTimeout = errors.New("lock wait timed out")

// Locker grants exclusive ownership of a key until the returned release
// function is called.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

func VisitKey(id uuid.UUID) string { return "visit:" + id.String() }
func DrugKey(id uuid.UUID) string  { return "drug:" + id.String() }

type heldKey struct{}

type heldSet map[string]struct{}

func held(ctx context.Context) heldSet {
	h, _ := ctx.Value(heldKey{}).(heldSet)
	return h
}

// Held reports whether key is already owned by the unit of work on ctx.
func Held(ctx context.Context, key string) bool {
	_, ok := held(ctx)[key]
	return ok
}

// Acquire locks keys in ascending order, skipping keys already held on ctx.
// The returned context records the new keys; release unlocks them in
// reverse order. A timed out wait is reported as a lock_timeout conflict.
func Acquire(ctx context.Context, l Locker, keys ...string) (context.Context, func(), error) {
	current := held(ctx)

	pending := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := current[k]; !ok {
			pending = append(pending, k)
		}
	}
	if len(pending) == 0 {
		return ctx, func() {}, nil
	}
	sort.Strings(pending)

	releases := make([]func(), 0, len(pending))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, k := range pending {
		rel, err := l.Lock(ctx, k)
		if err != nil {
			releaseAll()
			if errors.Is(err, ErrTimeout) {
				return ctx, nil, apperror.Conflict(apperror.ReasonLockTimeout, "%s is busy, retry the request", k)
			}
			return ctx, nil, err
		}
		releases = append(releases, rel)
	}

	next := make(heldSet, len(current)+len(pending))
	for k := range current {
		next[k] = struct{}{}
	}
	for _, k := range pending {
		next[k] = struct{}{}
	}
	return context.WithValue(ctx, heldKey{}, next), releaseAll, nil
}
