package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/dbbalancer/internal/domain"
	"github.com/mir00r/dbbalancer/pkg/logger"
)

func newTestProbe(t *testing.T, databases []*domain.Database, wait time.Duration) *HealthProbe {
	t.Helper()
	probe, err := NewHealthProbe(domain.HealthCheckConfig{WaitTime: wait, Timeout: 30 * time.Millisecond}, databases, logger.NewNop())
	require.NoError(t, err)
	return probe
}

func TestNewHealthProbeRejectsZeroWaitTime(t *testing.T) {
	_, err := NewHealthProbe(domain.HealthCheckConfig{}, nil, logger.NewNop())
	assert.Error(t, err)
}

func TestProbeCycleIsolatesFailures(t *testing.T) {
	databases, conns := newTestDatabases("panics", "unreachable", "healthy", "confused")
	conns["panics"].pingPanic = true
	conns["unreachable"].setPingErr(unreachable("unreachable"))
	conns["confused"].setPingErr(errors.New("probe machinery broke"))
	databases[3].SetStatus(domain.StatusDown)

	probe := newTestProbe(t, databases, time.Hour)
	probe.RunCycle(context.Background())

	assert.Equal(t, domain.StatusRunning, databases[0].GetStatus(), "panicking probe leaves status unchanged")
	assert.Equal(t, domain.StatusDown, databases[1].GetStatus())
	assert.Equal(t, domain.StatusRunning, databases[2].GetStatus())
	assert.Equal(t, domain.StatusDown, databases[3].GetStatus(), "non-operational error leaves status unchanged")

	for name, conn := range conns {
		assert.Equal(t, int64(1), conn.pings.Load(), "replica %s probed once", name)
	}
	assert.Equal(t, int64(1), probe.Cycles())
}

func TestProbeRecoversReplica(t *testing.T) {
	databases, conns := newTestDatabases("a")
	conns["a"].setPingErr(unreachable("a"))
	probe := newTestProbe(t, databases, time.Hour)

	probe.RunCycle(context.Background())
	require.Equal(t, domain.StatusDown, databases[0].GetStatus())

	conns["a"].setPingErr(nil)
	probe.RunCycle(context.Background())
	assert.Equal(t, domain.StatusRunning, databases[0].GetStatus())
	assert.Equal(t, int64(0), databases[0].ProbeFailures())
}

func TestProbeTimeoutMarksDown(t *testing.T) {
	databases, conns := newTestDatabases("slow")
	conns["slow"].pingHang = true
	probe := newTestProbe(t, databases, time.Hour)

	start := time.Now()
	probe.RunCycle(context.Background())

	assert.Equal(t, domain.StatusDown, databases[0].GetStatus())
	assert.Less(t, time.Since(start), time.Second)
}

func TestProbeLoopRunsUntilStopped(t *testing.T) {
	databases, conns := newTestDatabases("a")
	probe := newTestProbe(t, databases, 10*time.Millisecond)

	require.NoError(t, probe.Start(context.Background()))
	assert.Error(t, probe.Start(context.Background()), "second start is rejected")
	assert.True(t, probe.IsRunning())

	conns["a"].setPingErr(unreachable("a"))
	assert.Eventually(t, func() bool {
		return databases[0].GetStatus() == domain.StatusDown
	}, time.Second, 5*time.Millisecond)

	conns["a"].setPingErr(nil)
	assert.Eventually(t, func() bool {
		return databases[0].GetStatus() == domain.StatusRunning
	}, time.Second, 5*time.Millisecond)

	probe.Stop()
	assert.False(t, probe.IsRunning())
	pings := conns["a"].pings.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, pings, conns["a"].pings.Load(), "no probes after stop")
}

func TestMarkDown(t *testing.T) {
	databases, _ := newTestDatabases("a")
	probe := newTestProbe(t, databases, time.Hour)

	probe.MarkDown(databases[0], unreachable("a"))
	probe.MarkDown(databases[0], unreachable("a"))

	assert.Equal(t, domain.StatusDown, databases[0].GetStatus())
	assert.Equal(t, int64(2), probe.GetStats()["mark_downs"])
}
