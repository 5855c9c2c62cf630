package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/dbbalancer/internal/domain"
	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

// complete stands in for a worker: it takes the task off the queue and frees
// the replica
func complete(t *testing.T, task *domain.Task) {
	t.Helper()
	select {
	case got := <-task.Database.Queue():
		require.Same(t, task, got)
	case <-time.After(time.Second):
		t.Fatal("task was not queued")
	}
	task.Database.Release()
}

func routeNames(t *testing.T, alg domain.ReadAlgorithm, n int) []string {
	t.Helper()
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		task, err := alg.RouteRead(context.Background(), readQuery("q"))
		require.NoError(t, err)
		names = append(names, task.Database.Name)
		complete(t, task)
	}
	return names
}

func TestRoundRobinFairness(t *testing.T) {
	databases, _ := newTestDatabases("a", "b", "c")
	rr := NewRoundRobin(databases, testLBConfig())

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, routeNames(t, rr, 6))

	rr.Reset()
	assert.Equal(t, 0, rr.NextIndex())
	assert.Equal(t, []string{"a"}, routeNames(t, rr, 1))
}

func TestRoundRobinSkipsDownReplicas(t *testing.T) {
	databases, _ := newTestDatabases("a", "b", "c")
	databases[1].SetStatus(domain.StatusDown)
	rr := NewRoundRobin(databases, testLBConfig())

	assert.Equal(t, []string{"a", "c", "a", "c"}, routeNames(t, rr, 4))
}

func TestRoundRobinSkipsBusyReplicas(t *testing.T) {
	databases, _ := newTestDatabases("a", "b")
	rr := NewRoundRobin(databases, testLBConfig())

	first, err := rr.RouteRead(context.Background(), readQuery("q1"))
	require.NoError(t, err)
	assert.Equal(t, "a", first.Database.Name)

	// a still holds q1, so the next two reads cannot land on it
	second, err := rr.RouteRead(context.Background(), readQuery("q2"))
	require.NoError(t, err)
	assert.Equal(t, "b", second.Database.Name)
	complete(t, second)

	third, err := rr.RouteRead(context.Background(), readQuery("q3"))
	require.NoError(t, err)
	assert.Equal(t, "b", third.Database.Name)
}

func TestRoundRobinWaitsForIdleReplica(t *testing.T) {
	databases, _ := newTestDatabases("a")
	rr := NewRoundRobin(databases, testLBConfig())

	held, err := rr.RouteRead(context.Background(), readQuery("q1"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-held.Database.Queue()
		held.Database.Release()
	}()

	task, err := rr.RouteRead(context.Background(), readQuery("q2"))
	require.NoError(t, err)
	assert.Equal(t, "a", task.Database.Name)
}

func TestRoundRobinNoAvailableReplica(t *testing.T) {
	databases, _ := newTestDatabases("a", "b", "c")
	for _, db := range databases {
		db.SetStatus(domain.StatusDown)
	}
	cfg := testLBConfig()
	cfg.RouteTimeout = 50 * time.Millisecond
	rr := NewRoundRobin(databases, cfg)

	start := time.Now()
	_, err := rr.RouteRead(context.Background(), readQuery("q"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, lberrors.ErrCodeNoAvailableReplica, lberrors.GetErrorCode(err))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int64(1), rr.GetStats()["exhausted"])
}

func TestRoundRobinEmptyReplicaSet(t *testing.T) {
	cfg := testLBConfig()
	cfg.RouteTimeout = 10 * time.Millisecond
	rr := NewRoundRobin(nil, cfg)

	_, err := rr.RouteRead(context.Background(), readQuery("q"))
	assert.Equal(t, lberrors.ErrCodeNoAvailableReplica, lberrors.GetErrorCode(err))
}

func TestWeightedRoundRobinDistribution(t *testing.T) {
	databases, _ := newTestDatabases("a", "b")
	databases[0].Weight = 3
	databases[1].Weight = 1
	w := NewWeightedRoundRobin(databases, testLBConfig())

	counts := map[string]int{}
	for _, name := range routeNames(t, w, 8) {
		counts[name]++
	}
	assert.Equal(t, map[string]int{"a": 6, "b": 2}, counts)
}

func TestWeightedRoundRobinSkipsBusyHeavyReplica(t *testing.T) {
	databases, _ := newTestDatabases("a", "b")
	databases[0].Weight = 10
	w := NewWeightedRoundRobin(databases, testLBConfig())

	held, err := w.RouteRead(context.Background(), readQuery("q1"))
	require.NoError(t, err)
	require.Equal(t, "a", held.Database.Name)

	next, err := w.RouteRead(context.Background(), readQuery("q2"))
	require.NoError(t, err)
	assert.Equal(t, "b", next.Database.Name)
}

func TestFanOutWriteTargetsEveryRunningReplica(t *testing.T) {
	databases, _ := newTestDatabases("a", "b", "c")
	databases[1].SetStatus(domain.StatusDown)
	f := NewFanOutWrite(databases, testLBConfig())

	tasks, err := f.RouteWrite(context.Background(), writeQuery("w1"))
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].Database.Name)
	assert.Equal(t, "c", tasks[1].Database.Name)
	for _, task := range tasks {
		assert.Equal(t, "w1", task.Query.ID)
		complete(t, task)
	}
}

func TestFanOutWriteReportsReplicaBusyPastTimeout(t *testing.T) {
	databases, _ := newTestDatabases("a", "b")
	cfg := testLBConfig()
	cfg.RouteTimeout = 30 * time.Millisecond
	cfg.QueryTimeout = 20 * time.Millisecond
	require.True(t, databases[0].Enqueue(domain.NewTask(readQuery("held"), databases[0], 0)))

	f := NewFanOutWrite(databases, cfg)
	tasks, err := f.RouteWrite(context.Background(), writeQuery("w1"))

	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Database.Name)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 1)
	var lbErr *lberrors.BalancerError
	require.True(t, errors.As(merr.Errors[0], &lbErr))
	assert.Equal(t, "a", lbErr.Replica)
}

func TestFanOutWriteAllDown(t *testing.T) {
	databases, _ := newTestDatabases("a", "b")
	for _, db := range databases {
		db.SetStatus(domain.StatusDown)
	}
	cfg := testLBConfig()
	cfg.RouteTimeout = 20 * time.Millisecond

	tasks, err := NewFanOutWrite(databases, cfg).RouteWrite(context.Background(), writeQuery("w"))
	assert.Empty(t, tasks)
	assert.Equal(t, lberrors.ErrCodeNoAvailableReplica, lberrors.GetErrorCode(err))
}

func TestPrimaryWrite(t *testing.T) {
	databases, _ := newTestDatabases("a", "b")
	databases[1].Primary = true
	cfg := testLBConfig()
	cfg.RouteTimeout = 20 * time.Millisecond

	pw, err := NewPrimaryWrite(databases, cfg)
	require.NoError(t, err)
	assert.Equal(t, "b", pw.Primary().Name)

	tasks, err := pw.RouteWrite(context.Background(), writeQuery("w1"))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Database.Name)
	complete(t, tasks[0])

	databases[1].SetStatus(domain.StatusDown)
	_, err = pw.RouteWrite(context.Background(), writeQuery("w2"))
	assert.Equal(t, lberrors.ErrCodeNoAvailableReplica, lberrors.GetErrorCode(err))
}

func TestPrimaryWriteNeedsExactlyOnePrimary(t *testing.T) {
	databases, _ := newTestDatabases("a", "b")
	_, err := NewPrimaryWrite(databases, testLBConfig())
	assert.Error(t, err)

	databases[0].Primary = true
	databases[1].Primary = true
	_, err = NewPrimaryWrite(databases, testLBConfig())
	assert.Error(t, err)
}

func TestAlgorithmConstructors(t *testing.T) {
	databases, _ := newTestDatabases("a")

	reader, err := NewReadAlgorithm(domain.WeightedRoundRobinAlgorithm, databases, testLBConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.WeightedRoundRobinAlgorithm, reader.Type())

	_, err = NewReadAlgorithm("random", databases, testLBConfig())
	assert.Equal(t, lberrors.ErrCodeInvalidAlgorithm, lberrors.GetErrorCode(err))

	_, err = NewWriteAlgorithm(domain.PrimaryWriteAlgorithm, databases, testLBConfig())
	assert.Equal(t, lberrors.ErrCodeInvalidAlgorithm, lberrors.GetErrorCode(err))

	writer, err := NewWriteAlgorithm(domain.FanOutWriteAlgorithm, databases, testLBConfig())
	require.NoError(t, err)
	assert.Equal(t, "Fan-out Write", writer.Name())
}
