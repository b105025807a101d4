// Package pool manages reusable resources on top of puddle. Resource
// creation, validation and breakage checks are delegated to a
// ResourceManager, so any closable resource can be pooled.
package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guileen/litepool/logger"
	"github.com/jackc/puddle/v2"
)

// ResourceManager creates and checks the resources of a Pool.
type ResourceManager[T io.Closer] interface {
	// Create opens a new resource.
	Create(ctx context.Context) (T, error)
	// Validate probes a resource before reuse. An error discards it.
	Validate(ctx context.Context, res T) error
	// IsBroken reports, without I/O, whether a released resource must be discarded.
	IsBroken(res T) bool
}

// Option configures a Pool.
type Option func(*settings)

type settings struct {
	log *slog.Logger
}

// WithLogger sets the logger used by the pool.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// Pool is a bounded pool of resources produced by a ResourceManager.
type Pool[T io.Closer] struct {
	mgr    ResourceManager[T]
	config Config
	p      *puddle.Pool[T]
	log    *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	createErrors       atomic.Int64
	validationFailures atomic.Int64
	brokenReleases     atomic.Int64
	lifetimeDestroys   atomic.Int64
	idleDestroys       atomic.Int64
}

// New creates a pool and opens MinSize resources before returning.
func New[T io.Closer](ctx context.Context, mgr ResourceManager[T], config Config, opts ...Option) (*Pool[T], error) {
	if err := config.validate(); err != nil {
		return nil, &PoolError{Op: "new", Err: err}
	}

	s := settings{log: logger.Logger}
	for _, opt := range opts {
		opt(&s)
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		mgr:    mgr,
		config: config,
		log:    s.log.With(logger.Component("pool")),
		ctx:    pctx,
		cancel: cancel,
	}

	pp, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: p.construct,
		Destructor:  p.destruct,
		MaxSize:     config.MaxSize,
	})
	if err != nil {
		cancel()
		return nil, &PoolError{Op: "new", Err: err}
	}
	p.p = pp

	if err := p.ensureMinSize(ctx); err != nil {
		cancel()
		pp.Close()
		return nil, &PoolError{Op: "new", Err: err}
	}

	if config.HealthCheckPeriod > 0 {
		p.wg.Add(1)
		go p.maintain()
	}
	return p, nil
}

func (p *Pool[T]) construct(ctx context.Context) (T, error) {
	res, err := p.mgr.Create(ctx)
	if err != nil {
		p.createErrors.Add(1)
		p.log.WarnContext(ctx, "Failed to create resource", logger.ErrorField(err))
		return res, err
	}
	return res, nil
}

func (p *Pool[T]) destruct(res T) {
	if err := res.Close(); err != nil {
		p.log.Warn("Failed to close resource", logger.ErrorField(err))
	}
}

// Acquire returns a validated resource, waiting for one to become available
// if the pool is full. Resources that fail validation are destroyed and
// replaced; after MaxSize+1 consecutive failures the last validation error
// is returned.
func (p *Pool[T]) Acquire(ctx context.Context) (*Conn[T], error) {
	var lastErr error
	for attempt := int32(0); attempt <= p.config.MaxSize; attempt++ {
		res, err := p.p.Acquire(ctx)
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				err = ErrPoolClosed
			}
			return nil, &PoolError{Op: "acquire", Err: err}
		}

		if !p.needsValidation(res) {
			return &Conn[T]{res: res, pool: p}, nil
		}
		err = p.mgr.Validate(ctx, res.Value())
		if err == nil {
			return &Conn[T]{res: res, pool: p}, nil
		}

		p.validationFailures.Add(1)
		p.log.DebugContext(ctx, "Discarding resource that failed validation", logger.ErrorField(err))
		res.Destroy()
		lastErr = err

		if ctx.Err() != nil {
			return nil, &PoolError{Op: "acquire", Err: ctx.Err()}
		}
	}
	return nil, &PoolError{Op: "validate", Err: lastErr}
}

func (p *Pool[T]) needsValidation(res *puddle.Resource[T]) bool {
	if p.config.TestOnCheckout {
		return true
	}
	return p.config.HealthCheckPeriod > 0 && res.IdleDuration() >= p.config.HealthCheckPeriod
}

func (p *Pool[T]) expired(res *puddle.Resource[T]) bool {
	return p.config.MaxLifetime > 0 && time.Since(res.CreationTime()) > p.config.MaxLifetime
}

// Do acquires a resource, calls fn with it and releases it.
func (p *Pool[T]) Do(ctx context.Context, fn func(ctx context.Context, res T) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(ctx, conn.Value())
}

func (p *Pool[T]) maintain() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

// checkHealth destroys expired and surplus idle resources, validates the
// rest and refills the pool to MinSize.
func (p *Pool[T]) checkHealth() {
	total := p.p.Stat().TotalResources()
	for _, res := range p.p.AcquireAllIdle() {
		switch {
		case p.expired(res):
			p.lifetimeDestroys.Add(1)
			res.Destroy()
			total--
		case p.config.MaxIdleTime > 0 && res.IdleDuration() > p.config.MaxIdleTime && total > p.config.MinSize:
			p.idleDestroys.Add(1)
			res.Destroy()
			total--
		default:
			if err := p.validateIdle(res.Value()); err != nil {
				p.validationFailures.Add(1)
				p.log.Debug("Discarding idle resource that failed validation", logger.ErrorField(err))
				res.Destroy()
				total--
				continue
			}
			res.ReleaseUnused()
		}
	}

	if err := p.ensureMinSize(p.ctx); err != nil && p.ctx.Err() == nil {
		p.log.Warn("Failed to refill pool", logger.Int("min_size", int(p.config.MinSize)), logger.ErrorField(err))
	}
}

func (p *Pool[T]) validateIdle(res T) error {
	ctx := p.ctx
	if p.config.ValidateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ValidateTimeout)
		defer cancel()
	}
	return p.mgr.Validate(ctx, res)
}

func (p *Pool[T]) ensureMinSize(ctx context.Context) error {
	for p.p.Stat().TotalResources() < p.config.MinSize {
		if err := p.p.CreateResource(ctx); err != nil {
			if errors.Is(err, puddle.ErrNotAvailable) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Config returns the pool configuration.
func (p *Pool[T]) Config() Config {
	return p.config
}

// Stat returns a snapshot of the pool state.
func (p *Pool[T]) Stat() Stat {
	s := p.p.Stat()
	return Stat{
		MaxResources:          s.MaxResources(),
		TotalResources:        s.TotalResources(),
		IdleResources:         s.IdleResources(),
		AcquiredResources:     s.AcquiredResources(),
		ConstructingResources: s.ConstructingResources(),
		AcquireCount:          s.AcquireCount(),
		AcquireDuration:       s.AcquireDuration(),
		EmptyAcquireCount:     s.EmptyAcquireCount(),
		CanceledAcquireCount:  s.CanceledAcquireCount(),
		CreateErrors:          p.createErrors.Load(),
		ValidationFailures:    p.validationFailures.Load(),
		BrokenReleases:        p.brokenReleases.Load(),
		LifetimeDestroys:      p.lifetimeDestroys.Load(),
		IdleDestroys:          p.idleDestroys.Load(),
	}
}

// Close stops maintenance, destroys idle resources and rejects further
// acquires. It blocks until every acquired resource has been released.
func (p *Pool[T]) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.p.Close()
	})
}

// Stat is a snapshot of pool counters.
type Stat struct {
	MaxResources          int32
	TotalResources        int32
	IdleResources         int32
	AcquiredResources     int32
	ConstructingResources int32

	AcquireCount         int64
	AcquireDuration      time.Duration
	EmptyAcquireCount    int64
	CanceledAcquireCount int64

	CreateErrors       int64
	ValidationFailures int64
	BrokenReleases     int64
	LifetimeDestroys   int64
	IdleDestroys       int64
}

// Conn is a resource acquired from a Pool. It must be released exactly once
// and is not safe for concurrent use.
type Conn[T io.Closer] struct {
	res  *puddle.Resource[T]
	pool *Pool[T]
}

// Value returns the pooled resource.
func (c *Conn[T]) Value() T {
	return c.res.Value()
}

// Release returns the resource to the pool, or destroys it when the manager
// reports it broken or it is past MaxLifetime.
func (c *Conn[T]) Release() {
	if c.res == nil {
		return
	}
	res, p := c.res, c.pool
	c.res = nil

	switch {
	case p.mgr.IsBroken(res.Value()):
		p.brokenReleases.Add(1)
		res.Destroy()
	case p.expired(res):
		p.lifetimeDestroys.Add(1)
		res.Destroy()
	default:
		res.Release()
	}
}

// Destroy closes the resource instead of returning it to the pool.
func (c *Conn[T]) Destroy() {
	if c.res == nil {
		return
	}
	c.res.Destroy()
	c.res = nil
}
