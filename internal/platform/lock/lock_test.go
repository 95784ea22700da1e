package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/visitflow/internal/platform/apperror"
	"github.com/ehr/visitflow/internal/platform/db"
)

func TestKeyedMutex_Exclusive(t *testing.T) {
	m := NewKeyedMutex(0)
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Lock(context.Background(), "visit:1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if m.Len() != 0 {
		t.Errorf("expected idle keys to be dropped, %d left", m.Len())
	}
}

func TestKeyedMutex_Timeout(t *testing.T) {
	m := NewKeyedMutex(20 * time.Millisecond)
	release, err := m.Lock(context.Background(), "drug:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	_, err = m.Lock(context.Background(), "drug:1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := NewKeyedMutex(20 * time.Millisecond)
	r1, err := m.Lock(context.Background(), "drug:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer r1()
	r2, err := m.Lock(context.Background(), "drug:2")
	if err != nil {
		t.Fatalf("expected second key to be free: %v", err)
	}
	r2()
}

func TestKeyedMutex_ReleaseIdempotent(t *testing.T) {
	m := NewKeyedMutex(20 * time.Millisecond)
	release, _ := m.Lock(context.Background(), "k")
	release()
	release()
	r, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected key to be free: %v", err)
	}
	r()
}

func TestAcquire_Reentrant(t *testing.T) {
	m := NewKeyedMutex(20 * time.Millisecond)
	visit := VisitKey(uuid.New())

	ctx, release, err := Acquire(context.Background(), m, visit)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if !Held(ctx, visit) {
		t.Fatal("expected visit key to be recorded on context")
	}
	_, inner, err := Acquire(ctx, m, visit)
	if err != nil {
		t.Fatalf("re-entrant acquire should not block: %v", err)
	}
	inner()

	if _, err := m.Lock(context.Background(), visit); !errors.Is(err, ErrTimeout) {
		t.Errorf("inner release must not free the outer lock, got %v", err)
	}
}

func TestAcquire_TimeoutIsConflict(t *testing.T) {
	m := NewKeyedMutex(10 * time.Millisecond)
	key := DrugKey(uuid.New())
	release, _ := m.Lock(context.Background(), key)
	defer release()

	_, _, err := Acquire(context.Background(), m, key)
	if apperror.ConflictReasonOf(err) != apperror.ReasonLockTimeout {
		t.Fatalf("expected lock_timeout conflict, got %v", err)
	}
}

func TestAcquire_ReleasesPartialOnFailure(t *testing.T) {
	m := NewKeyedMutex(10 * time.Millisecond)
	a, b := "drug:a", "drug:b"
	hold, _ := m.Lock(context.Background(), b)

	if _, _, err := Acquire(context.Background(), m, b, a); err == nil {
		t.Fatal("expected acquire to fail")
	}
	hold()

	r, err := m.Lock(context.Background(), a)
	if err != nil {
		t.Fatalf("key a should have been released: %v", err)
	}
	r()
}

// orderLocker records the order keys are locked in.
type orderLocker struct {
	mu    sync.Mutex
	order []string
}

func (o *orderLocker) Lock(_ context.Context, key string) (func(), error) {
	o.mu.Lock()
	o.order = append(o.order, key)
	o.mu.Unlock()
	return func() {}, nil
}

func TestAcquire_DrugKeysBeforeVisitKey(t *testing.T) {
	l := &orderLocker{}
	visitKey := VisitKey(uuid.New())
	d1, d2 := DrugKey(uuid.New()), DrugKey(uuid.New())

	ctx, release, err := Acquire(context.Background(), l, visitKey, d2, d1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()
	if len(l.order) != 3 || l.order[2] != visitKey {
		t.Fatalf("expected the visit key last, got %v", l.order)
	}
	if l.order[0] > l.order[1] {
		t.Errorf("expected drug keys in ascending order, got %v", l.order[:2])
	}

	// A nested call for the held visit locks nothing new.
	if _, rel, err := Acquire(ctx, l, visitKey); err != nil {
		t.Fatalf("nested Acquire: %v", err)
	} else {
		rel()
	}
	if len(l.order) != 3 {
		t.Errorf("nested acquire of a held key must not lock again, got %v", l.order)
	}
}

func TestDo_RunsInsideUnit(t *testing.T) {
	m := NewKeyedMutex(0)
	key := VisitKey(uuid.New())
	var hookHeld bool

	err := Do(context.Background(), m, db.LocalTransactor{}, []string{key}, func(ctx context.Context) error {
		if !db.InUnit(ctx) {
			t.Error("expected unit of work")
		}
		db.AfterCommit(ctx, func(context.Context) { hookHeld = m.Len() == 1 })
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !hookHeld {
		t.Error("expected post-commit hook to run while the key is held")
	}
	if m.Len() != 0 {
		t.Error("expected key to be released after Do")
	}
}
