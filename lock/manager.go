// Package lock provides named, expiring, single-holder leases over the state
// store, with a per-process mutex table that stops goroutines of the same
// worker from racing each other to the lease row. Leases do not nest; callers
// taking multiple leases must acquire them in lexicographic (kind, resource)
// order to avoid deadlock.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/async"
	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/db/kv"
	"github.com/chamalabs/chama/types"
)

var log = logrus.WithField("prefix", "lock")

var (
	leasesAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chama_leases_acquired_total",
		Help: "Count of leases successfully acquired, by kind.",
	}, []string{"kind"})
	leasesContended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chama_leases_contended_total",
		Help: "Count of lease acquisitions that found the lease held, by kind.",
	}, []string{"kind"})
	leasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_leases_reaped_total",
		Help: "Count of expired leases removed by the background reaper.",
	})
)

// ErrAlreadyHeld is returned when the lease is held by another worker or by
// another goroutine of this worker.
var ErrAlreadyHeld = kv.ErrAlreadyHeld

// Lease is a held lease together with the local mutex slot backing it.
type Lease struct {
	row   *types.Lease
	entry *mutexEntry
	mgr   *Manager
}

// ID returns the lease row id.
func (l *Lease) ID() string {
	return l.row.ID
}

// ExpiresAt returns the lease expiry instant.
func (l *Lease) ExpiresAt() time.Time {
	return l.row.ExpiresAt
}

type mutexEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager acquires and releases leases for one worker process.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	db     iface.Database
	clock  clock.Clock
	holder string

	mu    sync.Mutex
	local map[string]*mutexEntry
}

// Config holds the manager's dependencies.
type Config struct {
	Database iface.Database
	Clock    clock.Clock
}

// NewManager instantiates a lock manager with a fresh holder identity.
func NewManager(ctx context.Context, cfg *Config) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		db:     cfg.Database,
		clock:  c,
		holder: uuid.NewString(),
		local:  make(map[string]*mutexEntry),
	}
}

// Holder returns this worker's lease holder identity.
func (m *Manager) Holder() string {
	return m.holder
}

// Acquire takes the lease for (kind, resource) with the given TTL, or the
// configured default when ttl is zero. The local mutex for the key is taken
// first; if the lease row is contested the mutex is released again and
// ErrAlreadyHeld returned.
func (m *Manager) Acquire(ctx context.Context, kind types.LeaseKind, resource string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = params.ChamaConfig().DefaultLeaseTTL
	}
	key := types.LeaseKey(kind, resource)
	entry := m.checkout(key)
	if !entry.mu.TryLock() {
		m.checkin(key, entry)
		leasesContended.WithLabelValues(string(kind)).Inc()
		return nil, errors.Wrapf(ErrAlreadyHeld, "local contention on %s", key)
	}

	now := m.clock.Now().UTC()
	row := &types.Lease{
		ID:        uuid.NewString(),
		Kind:      kind,
		Resource:  resource,
		Holder:    m.holder,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := m.db.AcquireLease(ctx, row, now); err != nil {
		entry.mu.Unlock()
		m.checkin(key, entry)
		if errors.Is(err, kv.ErrAlreadyHeld) {
			leasesContended.WithLabelValues(string(kind)).Inc()
		}
		return nil, err
	}
	leasesAcquired.WithLabelValues(string(kind)).Inc()
	return &Lease{row: row, entry: entry, mgr: m}, nil
}

// Release gives the lease back. Releasing an expired-and-reassigned lease is
// a no-op on the row but still frees the local mutex.
func (m *Manager) Release(ctx context.Context, l *Lease) {
	if l == nil {
		return
	}
	if err := m.db.ReleaseLease(ctx, l.row.ID, m.holder); err != nil && !errors.Is(err, kv.ErrLeaseNotHeld) {
		log.WithError(err).WithField("lease", l.row.Key()).Error("Could not release lease")
	}
	l.entry.mu.Unlock()
	m.checkin(l.row.Key(), l.entry)
}

func (m *Manager) checkout(key string) *mutexEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.local[key]
	if !ok {
		entry = &mutexEntry{}
		m.local[key] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) checkin(key string, entry *mutexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.local, key)
	}
}

// Start launches the background reaper that removes expired lease rows.
func (m *Manager) Start() {
	async.RunEvery(m.ctx, params.ChamaConfig().LeaseReapInterval, func() {
		removed, err := m.db.DeleteExpiredLeases(m.ctx, m.clock.Now().UTC())
		if err != nil {
			log.WithError(err).Error("Could not reap expired leases")
			return
		}
		if removed > 0 {
			leasesReaped.Add(float64(removed))
			log.WithField("count", removed).Debug("Reaped expired leases")
		}
	})
}

// Stop terminates the reaper.
func (m *Manager) Stop() error {
	m.cancel()
	return nil
}

// Status is always healthy while the context is live.
func (m *Manager) Status() error {
	if err := m.ctx.Err(); err != nil {
		return errors.Wrap(err, "lock manager stopped")
	}
	return nil
}
