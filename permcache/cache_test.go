package permcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/portalguard/permission"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingEvaluator struct {
	calls  atomic.Int64
	grants map[string]map[permission.Permission]bool
	err    error
}

func (e *countingEvaluator) Evaluate(_ context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error) {
	e.calls.Add(1)
	if e.err != nil {
		return false, e.err
	}
	held := e.grants[userID]
	if mode == Any {
		for _, p := range perms {
			if held[p] {
				return true, nil
			}
		}
		return false, nil
	}
	for _, p := range perms {
		if !held[p] {
			return false, nil
		}
	}
	return true, nil
}

func newTestCache(t *testing.T) (*Cache, *countingEvaluator, *fakeClock) {
	t.Helper()
	eval := &countingEvaluator{grants: map[string]map[permission.Permission]bool{
		"officer": {permission.CreateMetadata: true, permission.UpdateMetadata: true},
		"reader":  {permission.ReadMetadata: true},
	}}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(eval, WithClock(clock.Now)), eval, clock
}

func TestCheckRoundTripWithinTTL(t *testing.T) {
	c, eval, clock := newTestCache(t)
	ctx := context.Background()

	first, err := c.Check(ctx, "officer", permission.CreateMetadata)
	if err != nil || !first {
		t.Fatalf("first check = %v, %v", first, err)
	}
	clock.Advance(DefaultTTL - time.Second)
	second, err := c.Check(ctx, "officer", permission.CreateMetadata)
	if err != nil || second != first {
		t.Fatalf("second check = %v, %v", second, err)
	}
	if got := eval.calls.Load(); got != 1 {
		t.Fatalf("expected 1 evaluation, got %d", got)
	}
	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestCheckRecomputesAfterTTL(t *testing.T) {
	c, eval, clock := newTestCache(t)
	ctx := context.Background()

	_, _ = c.Check(ctx, "reader", permission.ReadMetadata)
	clock.Advance(DefaultTTL)
	_, _ = c.Check(ctx, "reader", permission.ReadMetadata)
	if got := eval.calls.Load(); got != 2 {
		t.Fatalf("expected recomputation at TTL boundary, got %d calls", got)
	}
}

func TestKeyIgnoresOrderAndDuplicates(t *testing.T) {
	c, eval, _ := newTestCache(t)
	ctx := context.Background()

	a := []permission.Permission{permission.UpdateMetadata, permission.CreateMetadata}
	b := []permission.Permission{permission.CreateMetadata, permission.UpdateMetadata, permission.CreateMetadata}
	if ok, _ := c.CheckAll(ctx, "officer", a); !ok {
		t.Fatal("expected officer to hold both")
	}
	if ok, _ := c.CheckAll(ctx, "officer", b); !ok {
		t.Fatal("expected cached grant")
	}
	if got := eval.calls.Load(); got != 1 {
		t.Fatalf("expected order-insensitive key, got %d calls", got)
	}

	// Same set under Any is a different key.
	if ok, _ := c.CheckAny(ctx, "officer", a); !ok {
		t.Fatal("expected any-grant")
	}
	if got := eval.calls.Load(); got != 2 {
		t.Fatalf("expected separate key per mode, got %d calls", got)
	}
}

func TestCheckAllAndAnySemantics(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	set := []permission.Permission{permission.ReadMetadata, permission.DeleteMetadata}

	if ok, _ := c.CheckAll(ctx, "reader", set); ok {
		t.Fatal("reader must not hold delete")
	}
	if ok, _ := c.CheckAny(ctx, "reader", set); !ok {
		t.Fatal("reader holds read")
	}
	if ok, _ := c.CheckAll(ctx, "reader", nil); !ok {
		t.Fatal("empty all-set is vacuously granted")
	}
	if ok, _ := c.CheckAny(ctx, "reader", nil); ok {
		t.Fatal("empty any-set is never granted")
	}
	if _, err := c.Check(ctx, "", permission.ReadMetadata); !errors.Is(err, ErrNoUser) {
		t.Fatalf("expected ErrNoUser, got %v", err)
	}
}

func TestInvalidateClearsEveryUser(t *testing.T) {
	c, eval, _ := newTestCache(t)
	ctx := context.Background()

	_, _ = c.Check(ctx, "officer", permission.CreateMetadata)
	_, _ = c.Check(ctx, "reader", permission.ReadMetadata)
	c.Invalidate("officer")
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
	_, _ = c.Check(ctx, "reader", permission.ReadMetadata)
	if got := eval.calls.Load(); got != 3 {
		t.Fatalf("expected recomputation for other user too, got %d calls", got)
	}
}

func TestInvalidateUserIsPrecise(t *testing.T) {
	c, eval, _ := newTestCache(t)
	ctx := context.Background()

	_, _ = c.Check(ctx, "officer", permission.CreateMetadata)
	_, _ = c.Check(ctx, "reader", permission.ReadMetadata)
	c.InvalidateUser("officer")
	_, _ = c.Check(ctx, "reader", permission.ReadMetadata)
	if got := eval.calls.Load(); got != 2 {
		t.Fatalf("reader entry should survive, got %d calls", got)
	}
	_, _ = c.Check(ctx, "officer", permission.CreateMetadata)
	if got := eval.calls.Load(); got != 3 {
		t.Fatalf("officer entry should be recomputed, got %d calls", got)
	}
}

func TestEvaluatorErrorFailsClosedAndIsNotCached(t *testing.T) {
	c, eval, _ := newTestCache(t)
	ctx := context.Background()
	eval.err = errors.New("directory offline")

	ok, err := c.Check(ctx, "officer", permission.CreateMetadata)
	if ok || err == nil {
		t.Fatalf("expected fail-closed, got %v, %v", ok, err)
	}
	if c.Len() != 0 {
		t.Fatal("errors must not be cached")
	}

	eval.err = nil
	ok, err = c.Check(ctx, "officer", permission.CreateMetadata)
	if !ok || err != nil {
		t.Fatalf("expected recovery, got %v, %v", ok, err)
	}
	if s := c.Stats(); s.EvalErrors != 1 || s.Evaluations != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	eval := EvaluatorFunc(func(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return true, nil
	})
	c := New(eval)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make(chan bool, n)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ok, _ := c.Check(ctx, "u", permission.ReadMetadata)
		results <- ok
	}()
	<-started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := c.Check(ctx, "u", permission.ReadMetadata)
			results <- ok
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			t.Fatal("expected every caller to see the grant")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single evaluation, got %d", got)
	}
}

func TestInvalidateDuringEvaluationDropsResult(t *testing.T) {
	var c *Cache
	eval := EvaluatorFunc(func(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error) {
		c.Invalidate(userID)
		return true, nil
	})
	c = New(eval)

	ok, err := c.Check(context.Background(), "u", permission.ReadMetadata)
	if !ok || err != nil {
		t.Fatalf("check = %v, %v", ok, err)
	}
	if c.Len() != 0 {
		t.Fatal("result computed before invalidation must not be stored")
	}
}

type ident struct{ user, role string }

func (i *ident) CacheIdentity() (string, string) {
	if i == nil {
		return "", ""
	}
	return i.user, i.role
}

func TestObserveSession(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	_, _ = c.Check(ctx, "officer", permission.CreateMetadata)

	same := &ident{"officer", "NODE_OFFICER"}
	if c.ObserveSession(same, &ident{"officer", "NODE_OFFICER"}) {
		t.Fatal("identical identity must not invalidate")
	}
	if c.Len() != 1 {
		t.Fatal("entry should survive")
	}
	if !c.ObserveSession(same, &ident{"officer", "ADMIN"}) {
		t.Fatal("role change must invalidate")
	}
	_, _ = c.Check(ctx, "officer", permission.CreateMetadata)
	var none *ident
	if !c.ObserveSession(same, none) {
		t.Fatal("logout must invalidate")
	}
	if c.Len() != 0 {
		t.Fatal("expected empty cache after logout")
	}
}

func TestMaxEntriesPrunesThenResets(t *testing.T) {
	eval := EvaluatorFunc(func(context.Context, string, []permission.Permission, Mode) (bool, error) {
		return true, nil
	})
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New(eval, WithMaxEntries(2), WithClock(clock.Now), WithTTL(time.Minute))
	ctx := context.Background()

	_, _ = c.Check(ctx, "a", permission.ReadMetadata)
	clock.Advance(2 * time.Minute)
	_, _ = c.Check(ctx, "b", permission.ReadMetadata)
	_, _ = c.Check(ctx, "c", permission.ReadMetadata)
	if c.Len() != 2 {
		t.Fatalf("expected stale entry pruned, got %d", c.Len())
	}
	_, _ = c.Check(ctx, "d", permission.ReadMetadata)
	if c.Len() != 1 {
		t.Fatalf("expected reset when full of fresh entries, got %d", c.Len())
	}
}

func TestCheckFreshSkipsStoredDecision(t *testing.T) {
	c, eval, _ := newTestCache(t)
	ctx := context.Background()

	if ok, _ := c.Check(ctx, "officer", permission.CreateMetadata); !ok {
		t.Fatal("officer denied")
	}
	delete(eval.grants["officer"], permission.CreateMetadata)

	if ok, _ := c.Check(ctx, "officer", permission.CreateMetadata); !ok {
		t.Fatal("cached check should still grant within the TTL")
	}
	ok, err := c.CheckFresh(ctx, "officer", []permission.Permission{permission.CreateMetadata}, All)
	if err != nil || ok {
		t.Fatalf("fresh check = %v, %v", ok, err)
	}
	if ok, _ := c.Check(ctx, "officer", permission.CreateMetadata); ok {
		t.Fatal("fresh result should replace the stored grant")
	}
	if got := eval.calls.Load(); got != 2 {
		t.Fatalf("expected 2 evaluations, got %d", got)
	}
}

func TestCheckFreshFailsClosed(t *testing.T) {
	c, eval, _ := newTestCache(t)
	eval.err = errors.New("directory down")

	ok, err := c.CheckFresh(context.Background(), "officer", []permission.Permission{permission.CreateMetadata}, All)
	if ok || err == nil {
		t.Fatalf("fresh check = %v, %v", ok, err)
	}
	if c.Len() != 0 {
		t.Fatal("failed evaluation must not be stored")
	}
}

func TestCancelledCallerDoesNotFailWaiters(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	eval := EvaluatorFunc(func(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	})
	c := New(eval)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Check(leaderCtx, "u", permission.ReadMetadata)
		leaderErr <- err
	}()
	<-started

	waiter := make(chan bool, 1)
	go func() {
		ok, _ := c.Check(context.Background(), "u", permission.ReadMetadata)
		waiter <- ok
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v", err)
	}
	close(release)

	select {
	case ok := <-waiter:
		if !ok {
			t.Fatal("waiter denied after the leader gave up")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never returned")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single evaluation, got %d", got)
	}
}

func TestEvalTimeoutBoundsEvaluation(t *testing.T) {
	eval := EvaluatorFunc(func(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	c := New(eval, WithEvalTimeout(20*time.Millisecond))

	ok, err := c.Check(context.Background(), "u", permission.ReadMetadata)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("check = %v, %v", ok, err)
	}
}
