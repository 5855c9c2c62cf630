package domain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lberrors "github.com/mir00r/dbbalancer/internal/errors"
)

type stubConnector struct {
	pingErr error
}

func (c *stubConnector) Ping(ctx context.Context) error { return c.pingErr }

func (c *stubConnector) Execute(ctx context.Context, kind QueryKind, payload []byte) ([]byte, error) {
	return payload, nil
}

func (c *stubConnector) Close() error { return nil }

func TestNewDatabaseStartsRunningAndIdle(t *testing.T) {
	db := NewDatabase("replica-a", &stubConnector{})

	assert.Equal(t, StatusRunning, db.GetStatus())
	assert.True(t, db.IsRunning())
	assert.True(t, db.IsIdle())
	assert.Equal(t, 1, db.Weight)
	assert.Equal(t, "RUNNING", db.GetStatus().String())
}

func TestEnqueueAdmitsOneTaskAtATime(t *testing.T) {
	db := NewDatabase("replica-a", &stubConnector{})
	q1 := &Query{ID: "q1", Kind: KindRead}
	q2 := &Query{ID: "q2", Kind: KindRead}

	first := NewTask(q1, db, time.Second)
	second := NewTask(q2, db, time.Second)

	require.True(t, db.Enqueue(first))
	assert.False(t, db.IsIdle())
	assert.False(t, db.Enqueue(second), "busy replica must refuse a second task")
	assert.Same(t, db, first.Database)

	got := <-db.Queue()
	assert.Same(t, first, got)

	db.Release()
	assert.True(t, db.IsIdle())
	assert.True(t, db.Enqueue(second))
	assert.Equal(t, int64(2), db.TotalTasks())
}

func TestProbeTracksConsecutiveFailures(t *testing.T) {
	conn := &stubConnector{pingErr: lberrors.NewReplicaUnreachableError("replica-a", nil)}
	db := NewDatabase("replica-a", conn)

	err := db.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, db.IsOperationalError(err))
	_ = db.Probe(context.Background())
	assert.Equal(t, int64(2), db.ProbeFailures())
	assert.False(t, db.LastProbe().IsZero())

	conn.pingErr = nil
	require.NoError(t, db.Probe(context.Background()))
	assert.Equal(t, int64(0), db.ProbeFailures())
}

func TestOperationalErrorClassification(t *testing.T) {
	db := NewDatabase("replica-a", &stubConnector{})

	assert.True(t, db.IsOperationalError(lberrors.NewReplicaUnreachableError("replica-a", fmt.Errorf("eof"))))
	assert.False(t, db.IsOperationalError(lberrors.NewQueryExecutionError("replica-a", fmt.Errorf("syntax"))))
	assert.False(t, db.IsOperationalError(fmt.Errorf("plain")))
	assert.False(t, db.IsOperationalError(nil))
}

func TestFutureCompletesOnce(t *testing.T) {
	f := NewFuture("q1", "replica-a")

	assert.True(t, f.Complete(ValueResult("q1", "replica-a", []byte("first"))))
	assert.False(t, f.Complete(ValueResult("q1", "replica-a", []byte("second"))))

	res, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), res.Value)
	assert.Equal(t, "replica-a", f.Replica())
}

func TestFutureGetHonoursContext(t *testing.T) {
	f := NewFuture("q1", "replica-a")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorResultPassesQueryFailureVerbatim(t *testing.T) {
	cause := fmt.Errorf(`relation "missing" does not exist`)
	res := ErrorResult("q1", lberrors.NewQueryExecutionError("replica-b", cause))

	require.NotNil(t, res.Error)
	assert.False(t, res.OK())
	assert.Equal(t, string(lberrors.ErrCodeQueryExecution), res.Error.Code)
	assert.Equal(t, cause.Error(), res.Error.Message)
	assert.Equal(t, "replica-b", res.Replica)

	err := res.Err()
	assert.Equal(t, lberrors.ErrCodeQueryExecution, lberrors.GetErrorCode(err))
}

func TestErrorResultForForeignError(t *testing.T) {
	res := ErrorResult("q2", fmt.Errorf("boom"))

	assert.Equal(t, string(lberrors.ErrCodeInternalError), res.Error.Code)
	assert.Equal(t, "boom", res.Error.Message)
	assert.Nil(t, ValueResult("q2", "a", nil).Err())
}

func TestFilters(t *testing.T) {
	a := NewDatabase("a", &stubConnector{})
	b := NewDatabase("b", &stubConnector{})
	c := NewDatabase("c", &stubConnector{})
	b.SetStatus(StatusDown)
	require.True(t, c.Enqueue(NewTask(&Query{ID: "x"}, c, 0)))

	all := []*Database{a, b, c}
	assert.Equal(t, []*Database{a}, (&EligibleFilter{}).Filter(all))
	assert.Equal(t, []*Database{a, c}, (&RunningFilter{}).Filter(all))
}

func TestQueryKindValid(t *testing.T) {
	assert.True(t, KindRead.Valid())
	assert.True(t, KindWrite.Valid())
	assert.False(t, QueryKind("DELETE").Valid())
}
