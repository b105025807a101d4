package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guileen/litepool/engine"
	"github.com/guileen/litepool/manager"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ResourceManager[*manager.Connection] = (*manager.Manager)(nil)

var errInvalid = errors.New("resource failed validation")

type fakeResource struct {
	id      int
	closed  atomic.Bool
	broken  atomic.Bool
	invalid atomic.Bool
}

func (r *fakeResource) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeManager struct {
	mu          sync.Mutex
	created     []*fakeResource
	createErr   error
	validateErr error
	validations atomic.Int64
}

func (m *fakeManager) Create(context.Context) (*fakeResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	res := &fakeResource{id: len(m.created)}
	m.created = append(m.created, res)
	return res, nil
}

func (m *fakeManager) Validate(_ context.Context, res *fakeResource) error {
	m.validations.Add(1)
	if m.validateErr != nil {
		return m.validateErr
	}
	if res.invalid.Load() {
		return errInvalid
	}
	return nil
}

func (m *fakeManager) IsBroken(res *fakeResource) bool {
	return res.broken.Load()
}

func (m *fakeManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func testConfig() Config {
	return Config{
		MaxSize:        2,
		TestOnCheckout: true,
	}
}

func newTestPool(t *testing.T, mgr ResourceManager[*fakeResource], config Config) *Pool[*fakeResource] {
	t.Helper()
	p, err := New(context.Background(), mgr, config)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestAcquireRelease(t *testing.T) {
	mgr := &fakeManager{}
	p := newTestPool(t, mgr, testConfig())
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	first := conn.Value()
	assert.Equal(t, int32(1), p.Stat().AcquiredResources)
	conn.Release()
	conn.Release()

	stat := p.Stat()
	assert.Equal(t, int32(1), stat.TotalResources)
	assert.Equal(t, int32(1), stat.IdleResources)

	conn, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first, conn.Value())
	conn.Release()

	assert.Equal(t, 1, mgr.count())
	assert.Equal(t, int64(2), mgr.validations.Load())
}

func TestNewWarmsMinSize(t *testing.T) {
	mgr := &fakeManager{}
	config := testConfig()
	config.MaxSize = 4
	config.MinSize = 3
	p := newTestPool(t, mgr, config)

	assert.Equal(t, 3, mgr.count())
	assert.Equal(t, int32(3), p.Stat().IdleResources)
}

func TestNewFailsWhenWarmupFails(t *testing.T) {
	want := errors.New("cannot open")
	config := testConfig()
	config.MinSize = 1

	p, err := New(context.Background(), &fakeManager{createErr: want}, config)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, want)

	var poolErr *PoolError
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, "new", poolErr.Op)
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero max size", func(c *Config) { c.MaxSize = 0 }},
		{"negative min size", func(c *Config) { c.MinSize = -1 }},
		{"min above max", func(c *Config) { c.MinSize = 3 }},
		{"negative duration", func(c *Config) { c.MaxIdleTime = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.modify(&config)
			_, err := New(context.Background(), &fakeManager{}, config)
			assert.Error(t, err)
		})
	}

	assert.NoError(t, DefaultConfig().validate())
}

func TestAcquireCreateError(t *testing.T) {
	want := errors.New("cannot open")
	mgr := &fakeManager{createErr: want}
	p := newTestPool(t, mgr, testConfig())

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, want)
	assert.Equal(t, int64(1), p.Stat().CreateErrors)
}

func TestAcquireDiscardsInvalidResources(t *testing.T) {
	mgr := &fakeManager{}
	p := newTestPool(t, mgr, testConfig())
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	bad := conn.Value()
	conn.Release()
	bad.invalid.Store(true)

	conn, err = p.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	assert.NotSame(t, bad, conn.Value())
	assert.Eventually(t, bad.closed.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), p.Stat().ValidationFailures)
}

func TestAcquireGivesUpAfterRepeatedValidationFailures(t *testing.T) {
	mgr := &fakeManager{validateErr: errInvalid}
	p := newTestPool(t, mgr, testConfig())

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errInvalid)

	var poolErr *PoolError
	require.ErrorAs(t, err, &poolErr)
	assert.Equal(t, "validate", poolErr.Op)
	assert.Equal(t, int(testConfig().MaxSize)+1, mgr.count())
}

func TestAcquireWithoutTestOnCheckout(t *testing.T) {
	mgr := &fakeManager{}
	config := testConfig()
	config.TestOnCheckout = false
	p := newTestPool(t, mgr, config)

	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conn.Release()
	}
	assert.Zero(t, mgr.validations.Load())
}

func TestReleaseDestroysBroken(t *testing.T) {
	mgr := &fakeManager{}
	p := newTestPool(t, mgr, testConfig())

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	res := conn.Value()
	res.broken.Store(true)
	conn.Release()

	assert.Eventually(t, res.closed.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), p.Stat().BrokenReleases)
	assert.Eventually(t, func() bool { return p.Stat().TotalResources == 0 }, time.Second, 5*time.Millisecond)
}

func TestReleaseDestroysExpired(t *testing.T) {
	mgr := &fakeManager{}
	config := testConfig()
	config.MaxLifetime = time.Nanosecond
	p := newTestPool(t, mgr, config)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	res := conn.Value()
	time.Sleep(time.Millisecond)
	conn.Release()

	assert.Eventually(t, res.closed.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), p.Stat().LifetimeDestroys)
}

func TestConnDestroy(t *testing.T) {
	mgr := &fakeManager{}
	p := newTestPool(t, mgr, testConfig())

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	res := conn.Value()
	conn.Destroy()
	conn.Release()

	assert.Eventually(t, res.closed.Load, time.Second, 5*time.Millisecond)
}

func TestMaintenanceDestroysIdle(t *testing.T) {
	mgr := &fakeManager{}
	config := testConfig()
	config.HealthCheckPeriod = 10 * time.Millisecond
	config.MaxIdleTime = time.Millisecond
	p := newTestPool(t, mgr, config)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	res := conn.Value()
	conn.Release()

	assert.Eventually(t, res.closed.Load, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return p.Stat().IdleDestroys >= 1 }, time.Second, 5*time.Millisecond)
}

func TestMaintenanceValidatesAndRefills(t *testing.T) {
	mgr := &fakeManager{}
	config := testConfig()
	config.MinSize = 2
	config.HealthCheckPeriod = 10 * time.Millisecond
	p := newTestPool(t, mgr, config)

	mgr.mu.Lock()
	bad := mgr.created[0]
	mgr.mu.Unlock()
	bad.invalid.Store(true)

	assert.Eventually(t, bad.closed.Load, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return mgr.count() >= 3 && p.Stat().TotalResources == 2
	}, time.Second, 5*time.Millisecond)
}

func TestAcquireWaitsForCapacity(t *testing.T) {
	mgr := &fakeManager{}
	config := testConfig()
	config.MaxSize = 1
	p := newTestPool(t, mgr, config)

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan *Conn[*fakeResource])
	go func() {
		conn, err := p.Acquire(context.Background())
		if err == nil {
			done <- conn
		}
		close(done)
	}()
	held.Release()

	select {
	case conn := <-done:
		require.NotNil(t, conn)
		conn.Release()
	case <-time.After(time.Second):
		t.Fatal("acquire did not get the released resource")
	}
}

func TestClosedPool(t *testing.T) {
	mgr := &fakeManager{}
	config := testConfig()
	config.MinSize = 1
	p, err := New(context.Background(), mgr, config)
	require.NoError(t, err)

	p.Close()
	p.Close()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolClosed)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, res := range mgr.created {
		assert.True(t, res.closed.Load())
	}
}

func TestPoolWithManager(t *testing.T) {
	ctx := context.Background()
	mgr := manager.ForMemory(engine.NewSession("test", "pool"))

	config := testConfig()
	config.MinSize = 1
	p, err := New(ctx, mgr, config)
	require.NoError(t, err)
	defer p.Close()

	err = p.Do(ctx, func(ctx context.Context, conn *manager.Connection) error {
		responses, err := conn.Execute(ctx, manager.ValidationQuery, nil, false)
		if err != nil {
			return err
		}
		assert.Equal(t, []engine.Value{float64(1)}, responses[0].Result)
		return nil
	})
	require.NoError(t, err)

	// A closed connection fails validation and is replaced on acquire.
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	closed := conn.Value()
	require.NoError(t, closed.Close())
	conn.Release()

	conn, err = p.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	assert.NotEqual(t, closed.ID(), conn.Value().ID())
	assert.NoError(t, mgr.Validate(ctx, conn.Value()))
	assert.Equal(t, int64(1), p.Stat().ValidationFailures)
}

func TestCollector(t *testing.T) {
	mgr := &fakeManager{}
	config := testConfig()
	config.MinSize = 1
	p := newTestPool(t, mgr, config)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn.Value().broken.Store(true)
	conn.Release()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(p, "test")))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	maxRes := byName["litepool_pool_max_resources"]
	require.NotNil(t, maxRes)
	require.Len(t, maxRes.Metric, 1)
	assert.Equal(t, float64(2), maxRes.Metric[0].GetGauge().GetValue())
	assert.Equal(t, "pool", maxRes.Metric[0].GetLabel()[0].GetName())
	assert.Equal(t, "test", maxRes.Metric[0].GetLabel()[0].GetValue())

	broken := byName["litepool_pool_broken_releases_total"]
	require.NotNil(t, broken)
	assert.Equal(t, float64(1), broken.Metric[0].GetCounter().GetValue())

	acquires := byName["litepool_pool_acquire_total"]
	require.NotNil(t, acquires)
	assert.Equal(t, float64(1), acquires.Metric[0].GetCounter().GetValue())

	destroyed := byName["litepool_pool_destroyed_total"]
	require.NotNil(t, destroyed)
	assert.Len(t, destroyed.Metric, 2)
}
