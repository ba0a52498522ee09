// Package engine exposes the transport-independent command surface of the
// ROSCA core. Every command takes a context, an actor reference and an
// optional idempotency key, validates at the boundary, delegates to the
// owning subsystem under its leases, and returns a result or a classified
// fault. Conflict and transient failures are retried here with exponential
// backoff and jitter; validation, precondition and invariant failures never
// retry.
package engine

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/chamalabs/chama/auditor"
	"github.com/chamalabs/chama/config/params"
	"github.com/chamalabs/chama/contribution"
	"github.com/chamalabs/chama/cycle"
	"github.com/chamalabs/chama/db"
	"github.com/chamalabs/chama/db/iface"
	"github.com/chamalabs/chama/defaults"
	"github.com/chamalabs/chama/feed"
	"github.com/chamalabs/chama/lock"
	"github.com/chamalabs/chama/payments"
	"github.com/chamalabs/chama/rotation"
	"github.com/chamalabs/chama/types"
)

var log = logrus.WithField("prefix", "engine")

var commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chama_commands_total",
	Help: "Count of engine commands, by command and outcome.",
}, []string{"command", "outcome"})

const (
	groupCacheSize = 256
	idemTTL        = time.Hour
)

// Service is the engine's command surface.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	db       iface.Database
	locks    *lock.Manager
	bus      *feed.Bus
	rotation *rotation.Engine
	fsm      *contribution.FSM
	defaults *defaults.Handler
	closer   *cycle.Closer
	auditor  *auditor.Auditor
	gateway  payments.Gateway
	clock    clock.Clock

	idem   *cache.Cache
	groups *lru.Cache
}

// Config holds the service's dependencies.
type Config struct {
	Database iface.Database
	Locks    *lock.Manager
	Bus      *feed.Bus
	Rotation *rotation.Engine
	FSM      *contribution.FSM
	Defaults *defaults.Handler
	Closer   *cycle.Closer
	Auditor  *auditor.Auditor
	Gateway  payments.Gateway
	Clock    clock.Clock
}

// NewService instantiates the command surface.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	groups, err := lru.New(groupCacheSize)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not create group cache")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		db:       cfg.Database,
		locks:    cfg.Locks,
		bus:      cfg.Bus,
		rotation: cfg.Rotation,
		fsm:      cfg.FSM,
		defaults: cfg.Defaults,
		closer:   cfg.Closer,
		auditor:  cfg.Auditor,
		gateway:  cfg.Gateway,
		clock:    c,
		idem:     cache.New(idemTTL, 2*idemTTL),
		groups:   groups,
	}, nil
}

// Start launches the payout outbox sweep when enabled.
func (s *Service) Start() {
	s.startOutbox()
}

// Stop terminates background work.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status is always healthy while the context is live.
func (s *Service) Status() error {
	if err := s.ctx.Err(); err != nil {
		return errors.Wrap(err, "engine stopped")
	}
	return nil
}

// retry runs op, repeating on Conflict and Transient faults with exponential
// backoff and jitter. Every other fault surfaces immediately.
func (s *Service) retry(ctx context.Context, op func() error) error {
	cfg := params.ChamaConfig()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBaseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, cfg.RetryMaxAttempts), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if types.FaultKind(err).Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// idempotent returns the cached result of a previously completed command
// with the same key, or runs it and caches the outcome. An empty key skips
// deduplication.
func (s *Service) idempotent(key string, op func() (interface{}, error)) (interface{}, error) {
	if key == "" {
		return op()
	}
	if cached, ok := s.idem.Get(key); ok {
		return cached, nil
	}
	result, err := op()
	if err == nil {
		s.idem.SetDefault(key, result)
	}
	return result, err
}

// observe records the command outcome metric and logs failures.
func observe(command string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = types.FaultKind(err).String()
		log.WithError(err).WithField("command", command).Debug("Command failed")
	}
	commandsTotal.WithLabelValues(command, outcome).Inc()
}

// cachedGroup reads a group through the LRU. Mutating commands call
// dropGroup after their writes; a stale hit is caught by version predicates
// on the next write either way.
func (s *Service) cachedGroup(ctx context.Context, id string) (*types.Group, error) {
	if hit, ok := s.groups.Get(id); ok {
		if g, ok := hit.(*types.Group); ok {
			return g.Copy(), nil
		}
	}
	g, err := s.db.Group(ctx, id)
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	s.groups.Add(id, g.Copy())
	return g, nil
}

func (s *Service) dropGroup(id string) {
	s.groups.Remove(id)
}
