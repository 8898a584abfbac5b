// Package sem implements the semaphore admission engine: capacity
// bookkeeping, lease lifecycle, the FIFO admission queue and the expiry
// sweeper. All mutable state is owned by Engine and guarded by a single
// mutex; nothing outside this package mutates it.
package sem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/Drizzley/throttle/internal/config"
)

var (
	ErrUnknownSemaphore = errors.New("unknown semaphore")
	ErrUnsatisfiable    = errors.New("demand can never be satisfied")
	ErrTimeout          = errors.New("wait deadline elapsed before admission")
	ErrLeaseNotFound    = errors.New("lease not found")
)

// Lease event kinds delivered to the notify hook.
const (
	EventGranted  = "granted"
	EventReleased = "released"
	EventExpired  = "expired"
)

// Lease is a granted claim against one or more semaphores. Demands is
// immutable once granted; only ExpiresAt moves, via Heartbeat.
type Lease struct {
	ID        string           `json:"id"`
	Demands   map[string]int64 `json:"demands"`
	GrantedAt time.Time        `json:"granted_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// waiter is a queued acquire request. The channel is buffered so the
// dispatcher can hand over a lease ID without blocking; a waiter only leaves
// the queue under the engine mutex, so a queued waiter's channel has never
// been sent to.
type waiter struct {
	demands    map[string]int64
	ttl        time.Duration
	ch         chan string
	enqueuedAt time.Time
	seq        uint64
}

// Engine is the sole authority over semaphore usage counters, the lease
// table and the admission queue. Every operation takes the one mutex, which
// is what makes the capacity invariants provable.
type Engine struct {
	mu      sync.Mutex
	reg     *Registry
	held    map[string]int64 // semaphore → granted weight
	pending map[string]int64 // semaphore → queued weight
	leases  map[string]*Lease
	queue   deque.Deque[*waiter]
	seq     uint64

	sweep  time.Duration
	log    *slog.Logger
	notify func(kind, semaphore, leaseID string)
}

func New(cfg *config.Config, log *slog.Logger) *Engine {
	reg := NewRegistry(cfg.Semaphores)
	e := &Engine{
		reg:     reg,
		held:    make(map[string]int64),
		pending: make(map[string]int64),
		leases:  make(map[string]*Lease),
		sweep:   cfg.SweepInterval,
		log:     log,
	}
	e.mu.Lock()
	for _, name := range reg.Names() {
		capacity, _ := reg.Capacity(name)
		metricFullCount.WithLabelValues(name).Set(float64(capacity))
		e.publishMetricsLocked(name)
	}
	e.mu.Unlock()
	return e
}

// exit is indirected so tests can observe a fatal accounting failure
// without killing the test binary.
var exit = os.Exit

// corruptf reports broken accounting and terminates the process. A panic is
// not enough here: net/http recovers handler panics and keeps serving, which
// would leave a corrupt engine admitting requests against wrong counters.
func (e *Engine) corruptf(format string, args ...any) {
	e.log.Error("accounting corruption detected, terminating", "err", fmt.Sprintf(format, args...))
	exit(1)
}

// SetNotify installs a hook invoked once per (lease, semaphore) pair on
// grant, release and expiry. The hook runs under the engine mutex and must
// not block.
func (e *Engine) SetNotify(f func(kind, semaphore, leaseID string)) {
	e.notify = f
}

// validDemands checks demands against the registry and returns a private
// copy. Unknown names and weights that could never be admitted fail here,
// before any state is touched.
func (e *Engine) validDemands(demands map[string]int64) (map[string]int64, error) {
	if len(demands) == 0 {
		return nil, fmt.Errorf("%w: empty demands", ErrUnsatisfiable)
	}
	copied := make(map[string]int64, len(demands))
	for name, weight := range demands {
		capacity, ok := e.reg.Capacity(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSemaphore, name)
		}
		if weight <= 0 {
			return nil, fmt.Errorf("%w: weight for %q must be > 0 (got %d)", ErrUnsatisfiable, name, weight)
		}
		if weight > capacity {
			return nil, fmt.Errorf("%w: %q asks for %d but full count is %d", ErrUnsatisfiable, name, weight, capacity)
		}
		copied[name] = weight
	}
	return copied, nil
}

// ---------------------------------------------------------------------------
// Internal helpers (must be called with e.mu held)
// ---------------------------------------------------------------------------

// fitsLocked reports whether demands can be admitted right now without
// pushing any semaphore past its capacity.
func (e *Engine) fitsLocked(demands map[string]int64) bool {
	for name, weight := range demands {
		capacity, _ := e.reg.Capacity(name)
		if e.held[name]+weight > capacity {
			return false
		}
	}
	return true
}

// grantLocked commits all increments of demands together and records the
// lease. Callers must have verified fitsLocked; a failed recheck here means
// the accounting is corrupt and the process dies.
func (e *Engine) grantLocked(demands map[string]int64, ttl time.Duration, now time.Time) *Lease {
	l := &Lease{
		ID:        uuid.NewString(),
		Demands:   demands,
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	for name, weight := range demands {
		e.held[name] += weight
		if capacity, _ := e.reg.Capacity(name); e.held[name] > capacity {
			e.corruptf("semaphore %q held %d exceeds capacity %d", name, e.held[name], capacity)
		}
	}
	e.leases[l.ID] = l
	for name := range demands {
		e.publishMetricsLocked(name)
		e.notifyLocked(EventGranted, name, l.ID)
	}
	return l
}

// dropLocked removes a lease and gives its weights back. Does not run the
// dispatcher; callers decide when the batch is complete.
func (e *Engine) dropLocked(l *Lease, kind string) {
	delete(e.leases, l.ID)
	for name, weight := range l.Demands {
		e.held[name] -= weight
		if e.held[name] < 0 {
			e.corruptf("semaphore %q held %d after releasing lease %s", name, e.held[name], l.ID)
		}
		e.publishMetricsLocked(name)
		e.notifyLocked(kind, name, l.ID)
	}
}

// wakeLocked re-evaluates the admission queue in FIFO order, granting every
// prefix that now fits. The walk stops at the first head that does not fit:
// later, smaller requests never overtake it, so large requests cannot
// starve. Idempotent when nothing changed.
func (e *Engine) wakeLocked(now time.Time) {
	for e.queue.Len() > 0 {
		w := e.queue.Front()
		if !e.fitsLocked(w.demands) {
			return
		}
		e.queue.PopFront()
		e.addPendingLocked(w.demands, -1)
		l := e.grantLocked(w.demands, w.ttl, now)
		e.log.Debug("waiter admitted", "lease", l.ID, "seq", w.seq, "queued_for", now.Sub(w.enqueuedAt))
		// Buffered send cannot block: the waiter is still queued, so its
		// channel has never been used, and abandoning waiters remove
		// themselves under the same mutex before giving up on the channel.
		w.ch <- l.ID
	}
}

func (e *Engine) addPendingLocked(demands map[string]int64, sign int64) {
	for name, weight := range demands {
		e.pending[name] += sign * weight
		e.publishMetricsLocked(name)
	}
}

// removeWaiterLocked takes w out of the queue if it is still there. Returns
// false if the dispatcher already granted it.
func (e *Engine) removeWaiterLocked(w *waiter) bool {
	idx := e.queue.Index(func(x *waiter) bool { return x == w })
	if idx < 0 {
		return false
	}
	e.queue.Remove(idx)
	e.addPendingLocked(w.demands, -1)
	return true
}

func (e *Engine) notifyLocked(kind, semaphore, leaseID string) {
	if e.notify != nil {
		e.notify(kind, semaphore, leaseID)
	}
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Acquire grants a lease over demands if every semaphore has room and no one
// is queued ahead, otherwise it suspends the caller until the dispatcher
// admits it, wait elapses, or ctx is cancelled. A request that could never
// be admitted fails immediately with ErrUnsatisfiable instead of queueing
// forever.
func (e *Engine) Acquire(ctx context.Context, demands map[string]int64, ttl, wait time.Duration) (string, error) {
	demands, err := e.validDemands(demands)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	now := time.Now()

	// Fast path: room on every semaphore and nobody queued ahead. A
	// non-empty queue forces even a satisfiable request to line up behind
	// the blocked head; admission order is global, not per semaphore.
	if e.queue.Len() == 0 && e.fitsLocked(demands) {
		l := e.grantLocked(demands, ttl, now)
		e.mu.Unlock()
		e.log.Debug("lease granted", "lease", l.ID)
		return l.ID, nil
	}

	if wait <= 0 {
		e.mu.Unlock()
		return "", ErrTimeout
	}

	e.seq++
	w := &waiter{
		demands:    demands,
		ttl:        ttl,
		ch:         make(chan string, 1),
		enqueuedAt: now,
		seq:        e.seq,
	}
	e.queue.PushBack(w)
	e.addPendingLocked(demands, 1)
	e.mu.Unlock()
	e.log.Debug("acquire queued", "seq", w.seq, "wait", wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case id := <-w.ch:
		e.log.Debug("lease granted after wait", "lease", id, "seq", w.seq)
		return id, nil

	case <-ctx.Done():
		e.mu.Lock()
		// Race check: the dispatcher may have granted between cancellation
		// and us re-taking the mutex. Nobody is left to use the lease, so
		// hand the capacity straight back.
		select {
		case id := <-w.ch:
			if l, ok := e.leases[id]; ok {
				e.dropLocked(l, EventReleased)
				e.wakeLocked(time.Now())
			}
			e.mu.Unlock()
			return "", ctx.Err()
		default:
		}
		if e.removeWaiterLocked(w) {
			// Removing a blocked head can unblock the requests behind it.
			e.wakeLocked(time.Now())
		}
		e.mu.Unlock()
		return "", ctx.Err()

	case <-timer.C:
		e.mu.Lock()
		// Race check: a grant that beat the deadline to the mutex wins.
		select {
		case id := <-w.ch:
			e.mu.Unlock()
			return id, nil
		default:
		}
		if e.removeWaiterLocked(w) {
			e.wakeLocked(time.Now())
		}
		e.mu.Unlock()
		return "", ErrTimeout
	}
}

// Release removes the lease, returns its weights to every semaphore it
// references and re-runs the dispatcher.
func (e *Engine) Release(leaseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.leases[leaseID]
	if !ok {
		return ErrLeaseNotFound
	}
	e.dropLocked(l, EventReleased)
	e.wakeLocked(time.Now())
	e.log.Debug("lease released", "lease", leaseID)
	return nil
}

// Heartbeat pushes the lease expiry out to now + ttl. It never touches usage
// counters or the queue. Committing before the sweeper reads ExpiresAt is
// what wins the race against expiry; both run under the same mutex.
func (e *Engine) Heartbeat(leaseID string, ttl time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.leases[leaseID]
	if !ok {
		return ErrLeaseNotFound
	}
	l.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// RemoveExpired force-releases every lease past its deadline and runs the
// dispatcher once for the whole batch. Returns the number of leases
// collected.
func (e *Engine) RemoveExpired() int {
	e.mu.Lock()
	now := time.Now()
	var expired []*Lease
	for _, l := range e.leases {
		if !now.Before(l.ExpiresAt) {
			expired = append(expired, l)
		}
	}
	for _, l := range expired {
		e.dropLocked(l, EventExpired)
	}
	if len(expired) > 0 {
		e.wakeLocked(now)
	}
	e.mu.Unlock()

	if len(expired) > 0 {
		e.log.Warn("removed expired leases", "count", len(expired))
	}
	return len(expired)
}

// ExpiryLoop runs the lease sweeper until ctx is cancelled. The tick
// interval bounds how long leaked capacity can stay unavailable after a
// holder stops heartbeating.
func (e *Engine) ExpiryLoop(ctx context.Context) {
	e.log.Debug("expiry loop starting", "interval", e.sweep)
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RemoveExpired()
		}
	}
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Remainder returns how much of the semaphore's capacity is not granted.
func (e *Engine) Remainder(name string) (int64, error) {
	capacity, ok := e.reg.Capacity(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSemaphore, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return capacity - e.held[name], nil
}

// SemaphoreStatus is the per-semaphore view in a Snapshot.
type SemaphoreStatus struct {
	Capacity int64 `json:"capacity"`
	Held     int64 `json:"held"`
	Pending  int64 `json:"pending"`
}

// Snapshot is a consistent point-in-time view of the engine state.
type Snapshot struct {
	Semaphores  map[string]SemaphoreStatus `json:"semaphores"`
	QueueLength int                        `json:"queue_length"`
	Leases      int                        `json:"leases"`
}

// Snapshot returns the current usage of every configured semaphore plus
// queue and lease totals, taken under the engine mutex.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Semaphores:  make(map[string]SemaphoreStatus, e.reg.Len()),
		QueueLength: e.queue.Len(),
		Leases:      len(e.leases),
	}
	for _, name := range e.reg.Names() {
		capacity, _ := e.reg.Capacity(name)
		snap.Semaphores[name] = SemaphoreStatus{
			Capacity: capacity,
			Held:     e.held[name],
			Pending:  e.pending[name],
		}
	}
	return snap
}
