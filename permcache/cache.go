package permcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/MrEthical07/portalguard/internal/logging"
	"github.com/MrEthical07/portalguard/permission"
)

// DefaultTTL is how long a decision stays valid.
const DefaultTTL = 5 * time.Minute

// Mode selects how a permission set is combined.
type Mode uint8

const (
	// All requires every permission in the set.
	All Mode = iota
	// Any requires at least one permission in the set.
	Any
)

func (m Mode) String() string {
	if m == Any {
		return "any"
	}
	return "all"
}

// Evaluator is the authoritative decision source the cache wraps.
type Evaluator interface {
	Evaluate(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error)
}

// EvaluatorFunc adapts a function to [Evaluator].
type EvaluatorFunc func(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error) {
	return f(ctx, userID, perms, mode)
}

// Key identifies one cached decision. Set is the canonical, comma-joined
// permission list, so member order never affects hits.
type Key struct {
	UserID string
	Mode   Mode
	Set    string
}

func (k Key) String() string {
	return k.UserID + "|" + k.Mode.String() + "|" + k.Set
}

// Entry is one cached decision.
type Entry struct {
	Key      Key
	Result   bool
	CachedAt time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evaluations   uint64
	EvalErrors    uint64
	Invalidations uint64
	Entries       int
}

// Cache is a TTL cache of permission decisions. The zero value is not
// usable; construct with [New]. Safe for concurrent use.
type Cache struct {
	eval       Evaluator
	ttl        time.Duration
	now        func() time.Time
	maxEntries int
	evalTTL    time.Duration
	log        logrus.FieldLogger

	mu         sync.Mutex
	entries    map[Key]Entry
	generation uint64

	group singleflight.Group

	hits          atomic.Uint64
	misses        atomic.Uint64
	evaluations   atomic.Uint64
	evalErrors    atomic.Uint64
	invalidations atomic.Uint64
}

// Option configures a [Cache].
type Option func(*Cache)

// WithTTL overrides [DefaultTTL]. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxEntries bounds the entry count. When full, expired entries are
// pruned first; if still full, the cache is reset.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithEvalTimeout bounds one evaluator call. The evaluation is detached
// from the requesting context so a caller that gives up does not fail the
// others waiting on the same key. Non-positive values are ignored.
func WithEvalTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.evalTTL = d
		}
	}
}

// WithLogger sets the logger used for evaluator failures and invalidations.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a Cache wrapping eval.
func New(eval Evaluator, opts ...Option) *Cache {
	c := &Cache{
		eval:       eval,
		ttl:        DefaultTTL,
		now:        time.Now,
		maxEntries: 10_000,
		evalTTL:    5 * time.Second,
		log:        logging.Discard(),
		entries:    make(map[Key]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.WithComponent(c.log, "permcache")
	return c
}

// TTL returns the configured decision lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Check reports whether userID holds every permission in perms.
func (c *Cache) Check(ctx context.Context, userID string, perms ...permission.Permission) (bool, error) {
	return c.lookup(ctx, userID, perms, All)
}

// CheckAll reports whether userID holds every permission in perms. An empty
// set is vacuously granted.
func (c *Cache) CheckAll(ctx context.Context, userID string, perms []permission.Permission) (bool, error) {
	return c.lookup(ctx, userID, perms, All)
}

// CheckAny reports whether userID holds at least one permission in perms. An
// empty set is never granted.
func (c *Cache) CheckAny(ctx context.Context, userID string, perms []permission.Permission) (bool, error) {
	return c.lookup(ctx, userID, perms, Any)
}

// CheckFresh evaluates perms without consulting stored decisions, then
// stores the result. Use it where a revocation made by another process must
// take effect before the TTL runs out, such as on mutating requests.
func (c *Cache) CheckFresh(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, ErrNoUser
	}
	canonical := permission.Canonical(perms)
	if len(canonical) == 0 {
		return mode == All, nil
	}
	key := Key{UserID: userID, Mode: mode, Set: strings.Join(canonical, ",")}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.misses.Add(1)
	c.evaluations.Add(1)

	result, err := c.eval.Evaluate(ctx, userID, perms, mode)
	if err != nil {
		c.evalFailed(key, err)
		return false, err
	}
	c.store(key, result, gen)
	return result, nil
}

// ErrNoUser is returned when a check is attempted without a user id.
var ErrNoUser = errors.New("permcache: user id is required")

func (c *Cache) lookup(ctx context.Context, userID string, perms []permission.Permission, mode Mode) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, ErrNoUser
	}
	canonical := permission.Canonical(perms)
	if len(canonical) == 0 {
		return mode == All, nil
	}

	key := Key{UserID: userID, Mode: mode, Set: strings.Join(canonical, ",")}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.fresh(entry) {
		c.mu.Unlock()
		c.hits.Add(1)
		return entry.Result, nil
	}
	gen := c.generation
	c.mu.Unlock()
	c.misses.Add(1)

	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		c.evaluations.Add(1)
		evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.evalTTL)
		defer cancel()
		result, err := c.eval.Evaluate(evalCtx, userID, perms, mode)
		if err != nil {
			return false, err
		}
		c.store(key, result, gen)
		return result, nil
	})

	select {
	case <-ctx.Done():
		c.evalFailed(key, ctx.Err())
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.evalFailed(key, res.Err)
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func (c *Cache) evalFailed(key Key, err error) {
	c.evalErrors.Add(1)
	c.log.WithFields(logrus.Fields{
		"user_id":     key.UserID,
		"permissions": key.Set,
		"mode":        key.Mode.String(),
	}).WithError(err).Warn("permission evaluation failed; denying")
}

func (c *Cache) fresh(e Entry) bool {
	return c.now().Sub(e.CachedAt) < c.ttl
}

// store writes the decision unless an invalidation happened after the
// evaluation started.
func (c *Cache) store(key Key, result bool, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}
	if len(c.entries) >= c.maxEntries {
		c.pruneLocked()
	}
	c.entries[key] = Entry{Key: key, Result: result, CachedAt: c.now()}
}

func (c *Cache) pruneLocked() {
	for k, e := range c.entries {
		if !c.fresh(e) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.maxEntries {
		c.entries = make(map[Key]Entry)
	}
}

// Invalidate clears every entry, not only userID's. See the package
// documentation for the policy.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[Key]Entry)
	c.generation++
	c.mu.Unlock()

	c.invalidations.Add(1)
	c.log.WithFields(logrus.Fields{"user_id": userID, "dropped": n}).Debug("permission cache cleared")
}

// InvalidateUser drops only userID's entries.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	n := 0
	for k := range c.entries {
		if k.UserID == userID {
			delete(c.entries, k)
			n++
		}
	}
	c.generation++
	c.mu.Unlock()

	c.invalidations.Add(1)
	c.log.WithFields(logrus.Fields{"user_id": userID, "dropped": n}).Debug("permission cache user entries dropped")
}

// Identity is the subset of a session the cache watches for changes.
// Implementations on pointer types must tolerate nil receivers.
type Identity interface {
	CacheIdentity() (userID string, role string)
}

// ObserveSession clears the cache when the session identity differs between
// prev and next. Either may be nil.
func (c *Cache) ObserveSession(prev, next Identity) bool {
	var prevUser, prevRole, nextUser, nextRole string
	if prev != nil {
		prevUser, prevRole = prev.CacheIdentity()
	}
	if next != nil {
		nextUser, nextRole = next.CacheIdentity()
	}
	if prevUser == nextUser && prevRole == nextRole {
		return false
	}
	user := nextUser
	if user == "" {
		user = prevUser
	}
	c.Invalidate(user)
	return true
}

// Len returns the number of stored entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evaluations:   c.evaluations.Load(),
		EvalErrors:    c.evalErrors.Load(),
		Invalidations: c.invalidations.Load(),
		Entries:       c.Len(),
	}
}
