package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/retry"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	logger := logging.Default()
	fast := func(kind storage.Kind) *storage.Guard {
		return storage.NewGuard(kind, &retry.Config{MaxAttempts: 1}, nil, logger)
	}
	guards := &storage.GuardSet{
		Transactional: fast(storage.KindTransactional),
		Vector:        fast(storage.KindVector),
		Graph:         fast(storage.KindGraph),
		Cache:         fast(storage.KindCache),
	}
	cfg := config.Default().Coordinator
	c := New(guards, cfg, logger)
	t.Cleanup(c.Close)
	return c
}

// recorder tracks operation execution order across goroutines.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func op(rec *recorder, target storage.Kind, name string, forwardErr error) Operation {
	return Operation{
		Target: target,
		Name:   name,
		Forward: func(context.Context) error {
			rec.add("fwd:" + name)
			return forwardErr
		},
		Compensate: func(context.Context) error {
			rec.add("undo:" + name)
			return nil
		},
	}
}

func TestStrongCommitsInCanonicalOrder(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	// deliberately added out of order
	tx := NewTransaction(types.LevelStrong, "doc-1").
		Add(op(rec, storage.KindCache, "cache", nil)).
		Add(op(rec, storage.KindTransactional, "sql", nil)).
		Add(op(rec, storage.KindGraph, "graph", nil)).
		Add(op(rec, storage.KindVector, "vector", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, []string{"fwd:sql", "fwd:vector", "fwd:graph", "fwd:cache"}, rec.snapshot())
	for _, r := range outcome.Results {
		assert.Equal(t, StatusCommitted, r.Status)
	}
}

func TestStrongRollsBackInReverseOnFailure(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	tx := NewTransaction(types.LevelStrong, "doc-1").
		Add(op(rec, storage.KindTransactional, "sql", nil)).
		Add(op(rec, storage.KindVector, "vector", nil)).
		Add(op(rec, storage.KindGraph, "graph", errors.Internal("graph exploded"))).
		Add(op(rec, storage.KindCache, "cache", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeError, outcome.Status)
	require.Error(t, outcome.Err)

	assert.Equal(t, []string{"fwd:sql", "fwd:vector", "fwd:graph", "undo:vector", "undo:sql"}, rec.snapshot())

	byTarget := map[storage.Kind]ParticipantStatus{}
	for _, r := range outcome.Results {
		byTarget[r.Target] = r.Status
	}
	assert.Equal(t, StatusCompensated, byTarget[storage.KindTransactional])
	assert.Equal(t, StatusCompensated, byTarget[storage.KindVector])
	assert.Equal(t, StatusFailed, byTarget[storage.KindGraph])
	assert.Equal(t, StatusSkipped, byTarget[storage.KindCache])
}

func TestStrongReportsCompensationFailure(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	broken := op(rec, storage.KindVector, "vector", nil)
	broken.Compensate = func(context.Context) error {
		return errors.Internal("undo failed")
	}

	tx := NewTransaction(types.LevelStrong, "doc-1").
		Add(op(rec, storage.KindTransactional, "sql", nil)).
		Add(broken).
		Add(op(rec, storage.KindGraph, "graph", errors.Internal("graph exploded")))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeError, outcome.Status)
	assert.True(t, errors.Is(outcome.Err, errors.KindCompensationFailure))

	var sawCompFailed bool
	for _, r := range outcome.Results {
		if r.Status == StatusCompensationFailed {
			sawCompFailed = true
		}
	}
	assert.True(t, sawCompFailed)
}

func TestReverseTransactionRunsCacheFirst(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	tx := NewTransaction(types.LevelStrong, "doc-1")
	tx.Reverse = true
	tx.Add(op(rec, storage.KindTransactional, "sql", nil)).
		Add(op(rec, storage.KindVector, "vector", nil)).
		Add(op(rec, storage.KindGraph, "graph", nil)).
		Add(op(rec, storage.KindCache, "cache", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, []string{"fwd:cache", "fwd:graph", "fwd:vector", "fwd:sql"}, rec.snapshot())
}

func TestQuorumToleratesOneReplicaFailure(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	tx := NewTransaction(types.LevelQuorum, "doc-1").
		Add(op(rec, storage.KindTransactional, "sql", nil)).
		Add(op(rec, storage.KindVector, "vector", nil)).
		Add(op(rec, storage.KindGraph, "graph", errors.Internal("graph down"))).
		Add(op(rec, storage.KindCache, "cache", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomePartial, outcome.Status)
	assert.True(t, errors.Is(outcome.Err, errors.KindPartialFailure))
	assert.True(t, outcome.Committed(storage.KindTransactional))
	assert.True(t, outcome.Committed(storage.KindCache))
}

func TestQuorumFailsWithoutSourceOfTruth(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	tx := NewTransaction(types.LevelQuorum, "doc-1").
		Add(op(rec, storage.KindTransactional, "sql", errors.Internal("sql down"))).
		Add(op(rec, storage.KindVector, "vector", nil)).
		Add(op(rec, storage.KindGraph, "graph", nil)).
		Add(op(rec, storage.KindCache, "cache", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeQuorumNotMet, outcome.Status)
	assert.True(t, errors.Is(outcome.Err, errors.KindQuorumNotMet))

	// replicas that committed must have been compensated
	calls := rec.snapshot()
	assert.Contains(t, calls, "undo:vector")
	assert.Contains(t, calls, "undo:graph")
	assert.Contains(t, calls, "undo:cache")
}

func TestQuorumFailsBelowThreeOfFour(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	tx := NewTransaction(types.LevelQuorum, "doc-1").
		Add(op(rec, storage.KindTransactional, "sql", nil)).
		Add(op(rec, storage.KindVector, "vector", errors.Internal("vector down"))).
		Add(op(rec, storage.KindGraph, "graph", errors.Internal("graph down"))).
		Add(op(rec, storage.KindCache, "cache", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeQuorumNotMet, outcome.Status)
	assert.Contains(t, rec.snapshot(), "undo:sql")
}

func TestPrimarySucceedsOnSourceOfTruthAlone(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	tx := NewTransaction(types.LevelPrimary, "doc-1").
		Add(op(rec, storage.KindTransactional, "sql", nil)).
		Add(op(rec, storage.KindVector, "vector", nil)).
		Add(op(rec, storage.KindCache, "cache", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeSuccess, outcome.Status)
	assert.True(t, outcome.Committed(storage.KindTransactional))

	// async replication finishes by coordinator shutdown
	c.Close()
	calls := rec.snapshot()
	assert.Contains(t, calls, "fwd:vector")
	assert.Contains(t, calls, "fwd:cache")
}

func TestPrimaryFailsWhenSourceOfTruthFails(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	tx := NewTransaction(types.LevelPrimary, "doc-1").
		Add(op(rec, storage.KindTransactional, "sql", errors.Internal("sql down"))).
		Add(op(rec, storage.KindVector, "vector", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeError, outcome.Status)

	c.Close()
	assert.NotContains(t, rec.snapshot(), "fwd:vector")
}

func TestEventualReportsInitiated(t *testing.T) {
	c := testCoordinator(t)
	rec := &recorder{}

	tx := NewTransaction(types.LevelEventual, "doc-1").
		Add(op(rec, storage.KindTransactional, "sql", nil)).
		Add(op(rec, storage.KindCache, "cache", nil))

	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeInitiated, outcome.Status)

	c.Close()
	calls := rec.snapshot()
	assert.Contains(t, calls, "fwd:sql")
	assert.Contains(t, calls, "fwd:cache")
}

func TestEmptyTransactionSucceeds(t *testing.T) {
	c := testCoordinator(t)
	outcome := c.Execute(context.Background(), NewTransaction(types.LevelStrong, "doc-1"))
	assert.Equal(t, OutcomeSuccess, outcome.Status)
}

func TestInvalidLevelRejected(t *testing.T) {
	c := testCoordinator(t)
	tx := &Transaction{ID: "tx", Level: types.ConsistencyLevel("bogus"),
		Ops: []Operation{{Target: storage.KindCache, Name: "noop", Forward: func(context.Context) error { return nil }}}}
	outcome := c.Execute(context.Background(), tx)
	require.Equal(t, OutcomeError, outcome.Status)
	assert.True(t, errors.Is(outcome.Err, errors.KindValidation))
}

func TestConcurrentTransactionsOnSameEntitySerialise(t *testing.T) {
	c := testCoordinator(t)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	enter := func(context.Context) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := NewTransaction(types.LevelStrong, "shared-entity").
				Add(Operation{Target: storage.KindTransactional, Name: "touch", Forward: enter})
			outcome := c.Execute(context.Background(), tx)
			assert.Equal(t, OutcomeSuccess, outcome.Status)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInFlight)
}

func TestQuorumSize(t *testing.T) {
	assert.Equal(t, 3, quorumSize(4))
	assert.Equal(t, 3, quorumSize(3))
	assert.Equal(t, 2, quorumSize(2))
	assert.Equal(t, 1, quorumSize(1))
}
