package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mir00r/dbbalancer/internal/config"
	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
	"github.com/mir00r/dbbalancer/internal/repository"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

// fakeConnector is an in-memory replica whose behaviour tests can change
type fakeConnector struct {
	name string

	mu        sync.Mutex
	pingErr   error
	pingPanic bool
	pingHang  bool
	execErr   error
	execDelay time.Duration
	block     chan struct{}
	closed    bool
	writes    []string

	execs       atomic.Int64
	pings       atomic.Int64
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{name: name}
}

func (c *fakeConnector) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeConnector) setExecErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execErr = err
}

func (c *fakeConnector) setBlock(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = ch
}

func (c *fakeConnector) setExecDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execDelay = d
}

func (c *fakeConnector) Ping(ctx context.Context) error {
	c.pings.Add(1)

	c.mu.Lock()
	err, panics, hangs := c.pingErr, c.pingPanic, c.pingHang
	c.mu.Unlock()

	if panics {
		panic("probe exploded")
	}
	if hangs {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (c *fakeConnector) Execute(ctx context.Context, kind domain.QueryKind, payload []byte) ([]byte, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		max := c.maxInflight.Load()
		if n <= max || c.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}
	c.execs.Add(1)

	c.mu.Lock()
	err, delay, block := c.execErr, c.execDelay, c.block
	if kind == domain.KindWrite {
		c.writes = append(c.writes, string(payload))
	}
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte(c.name + ":" + string(kind)), nil
}

// appliedWrites returns write payloads in the order the replica ran them
func (c *fakeConnector) appliedWrites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeOpener hands out fakeConnectors by replica name
type fakeOpener struct {
	connectors map[string]*fakeConnector
	failOn     string
}

func (o *fakeOpener) Open(rc config.ReplicaConfig) (domain.Connector, error) {
	if rc.Name == o.failOn {
		return nil, lberrors.NewError(lberrors.ErrCodeConfigLoad, "test", "cannot open "+rc.Name)
	}
	conn, ok := o.connectors[rc.Name]
	if !ok {
		conn = newFakeConnector(rc.Name)
		o.connectors[rc.Name] = conn
	}
	return conn, nil
}

func unreachable(name string) error {
	return lberrors.NewReplicaUnreachableError(name, nil)
}

func testLBConfig() domain.LoadBalancerConfig {
	return domain.LoadBalancerConfig{
		ReadAlgorithm:  domain.RoundRobinAlgorithm,
		WriteAlgorithm: domain.FanOutWriteAlgorithm,
		RouteTimeout:   200 * time.Millisecond,
		QueryTimeout:   time.Second,
		MaxRetries:     2,
		Backoff: domain.BackoffConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
		},
	}
}

func newTestDatabases(names ...string) ([]*domain.Database, map[string]*fakeConnector) {
	databases := make([]*domain.Database, 0, len(names))
	conns := make(map[string]*fakeConnector, len(names))
	for _, name := range names {
		conn := newFakeConnector(name)
		conns[name] = conn
		databases = append(databases, domain.NewDatabase(name, conn))
	}
	return databases, conns
}

// newTestLoadBalancer wires a started load balancer whose probe loop never
// fires on its own; tests drive probe cycles explicitly.
func newTestLoadBalancer(t *testing.T, cfg domain.LoadBalancerConfig, databases []*domain.Database) *LoadBalancer {
	t.Helper()

	log := logger.NewNop()
	repo := repository.NewDatabaseRepository()
	require.NoError(t, repo.SaveAll(databases))

	reader, err := NewReadAlgorithm(cfg.ReadAlgorithm, databases, cfg)
	require.NoError(t, err)
	writer, err := NewWriteAlgorithm(cfg.WriteAlgorithm, databases, cfg)
	require.NoError(t, err)

	probe, err := NewHealthProbe(domain.HealthCheckConfig{WaitTime: time.Hour, Timeout: 50 * time.Millisecond}, databases, log)
	require.NoError(t, err)

	metrics := NewMetrics()
	workers := NewWorkerPool(databases, probe, metrics, log)
	lb := NewLoadBalancer(cfg, repo, reader, writer, probe, workers, metrics, log)
	lb.closer = &replicaCloser{databases: databases}
	require.NoError(t, lb.Start(context.Background()))

	t.Cleanup(func() { _ = lb.Stop() })
	return lb
}

func readQuery(id string) *domain.Query {
	return &domain.Query{ID: id, Kind: domain.KindRead, Payload: []byte("SELECT 1")}
}

func writeQuery(id string) *domain.Query {
	return &domain.Query{ID: id, Kind: domain.KindWrite, Payload: []byte("UPDATE t SET x = 1")}
}
