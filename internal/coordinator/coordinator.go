// Package coordinator executes multi-store transactions across the four
// backends with per-level atomicity guarantees. Forward commits follow the
// canonical order transactional, vector, graph, cache; rollback compensates
// completed operations in reverse.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

// Operation is one backend mutation inside a transaction. Compensate
// undoes a committed Forward; a nil Compensate marks the operation as
// irreversible (best effort on rollback).
type Operation struct {
	Target     storage.Kind
	Name       string
	Forward    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Transaction groups operations under one consistency level. EntityIDs
// name the entities the transaction touches; the coordinator serialises
// transactions with overlapping entity sets.
type Transaction struct {
	ID        string
	Level     types.ConsistencyLevel
	EntityIDs []string
	// Reverse runs operations in reverse commit order, which delete
	// transactions need (cache first, source of truth last).
	Reverse bool
	Ops     []Operation
}

// NewTransaction creates a transaction with a fresh ULID.
func NewTransaction(level types.ConsistencyLevel, entityIDs ...string) *Transaction {
	return &Transaction{
		ID:        ulid.Make().String(),
		Level:     level,
		EntityIDs: entityIDs,
	}
}

// Add appends an operation.
func (t *Transaction) Add(op Operation) *Transaction {
	t.Ops = append(t.Ops, op)
	return t
}

// ParticipantStatus is the terminal state of one operation.
type ParticipantStatus string

const (
	StatusCommitted          ParticipantStatus = "committed"
	StatusFailed             ParticipantStatus = "failed"
	StatusCompensated        ParticipantStatus = "compensated"
	StatusCompensationFailed ParticipantStatus = "compensation_failed"
	StatusSkipped            ParticipantStatus = "skipped"
)

// ParticipantResult records one operation's outcome.
type ParticipantResult struct {
	Target storage.Kind      `json:"target"`
	Name   string            `json:"name"`
	Status ParticipantStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

// OutcomeStatus classifies a transaction outcome.
type OutcomeStatus string

const (
	// OutcomeSuccess: every required operation committed.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomePartial: quorum met, some replicas failed; reconciliation owns
	// the repair.
	OutcomePartial OutcomeStatus = "partial_failure"
	// OutcomeQuorumNotMet: too few commits, successes were compensated.
	OutcomeQuorumNotMet OutcomeStatus = "quorum_not_met"
	// OutcomeInitiated: eventual-level transaction accepted for async apply.
	OutcomeInitiated OutcomeStatus = "initiated"
	// OutcomeError: the transaction failed and was rolled back.
	OutcomeError OutcomeStatus = "error"
)

// Outcome is the full transaction result.
type Outcome struct {
	TxID    string                 `json:"tx_id"`
	Level   types.ConsistencyLevel `json:"level"`
	Status  OutcomeStatus          `json:"status"`
	Results []ParticipantResult    `json:"results"`
	Err     error                  `json:"-"`
}

// Committed reports whether the named backend committed.
func (o *Outcome) Committed(kind storage.Kind) bool {
	for _, r := range o.Results {
		if r.Target == kind && r.Status == StatusCommitted {
			return true
		}
	}
	return false
}

// Coordinator owns the lock table and per-backend guards.
type Coordinator struct {
	guards *storage.GuardSet
	locks  *lockTable
	cfg    config.CoordinatorConfig
	logger logging.Logger

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a coordinator.
func New(guards *storage.GuardSet, cfg config.CoordinatorConfig, logger logging.Logger) *Coordinator {
	return &Coordinator{
		guards: guards,
		locks:  newLockTable(),
		cfg:    cfg,
		logger: logger.WithComponent("coordinator"),
		closed: make(chan struct{}),
	}
}

// Close waits for in-flight async applications to finish. Safe to call
// more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.wg.Wait()
}

// Guards exposes the backend guards for health reporting.
func (c *Coordinator) Guards() *storage.GuardSet { return c.guards }

func (c *Coordinator) timeout(level types.ConsistencyLevel) time.Duration {
	switch level {
	case types.LevelStrong:
		return c.cfg.StrongTimeout
	case types.LevelQuorum:
		return c.cfg.QuorumTimeout
	case types.LevelPrimary:
		return c.cfg.PrimaryTimeout
	default:
		return c.cfg.EventualTimeout
	}
}

// Execute runs the transaction under its consistency level and always
// returns an outcome describing every operation's terminal state.
func (c *Coordinator) Execute(ctx context.Context, tx *Transaction) *Outcome {
	outcome := &Outcome{TxID: tx.ID, Level: tx.Level}
	if !tx.Level.Valid() {
		outcome.Status = OutcomeError
		outcome.Err = errors.Validation("unknown consistency level %q", tx.Level)
		return outcome
	}
	if len(tx.Ops) == 0 {
		outcome.Status = OutcomeSuccess
		return outcome
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout(tx.Level))
	defer cancel()

	traceCtx := ctx
	if logging.TraceID(ctx) == "" {
		traceCtx = logging.WithTrace(ctx, logging.NewTraceID())
	}

	release, err := c.locks.acquire(traceCtx, tx.EntityIDs)
	if err != nil {
		outcome.Status = OutcomeError
		outcome.Err = err
		return outcome
	}

	ops := orderOps(tx.Ops, tx.Reverse)

	switch tx.Level {
	case types.LevelStrong:
		defer release()
		c.executeStrong(traceCtx, tx, ops, outcome)
	case types.LevelQuorum:
		defer release()
		c.executeQuorum(traceCtx, tx, ops, outcome)
	case types.LevelPrimary:
		c.executePrimary(traceCtx, tx, ops, outcome, release)
	case types.LevelEventual:
		c.executeEventual(tx, ops, outcome, release)
	}

	c.logger.InfoContext(traceCtx, "transaction finished",
		"tx_id", tx.ID, "level", string(tx.Level), "status", string(outcome.Status),
		"ops", len(tx.Ops))
	return outcome
}

// executeStrong commits in order and rolls completed operations back in
// reverse on the first failure. All or nothing.
func (c *Coordinator) executeStrong(ctx context.Context, tx *Transaction, ops []Operation, outcome *Outcome) {
	results := make([]ParticipantResult, len(ops))
	for i, op := range ops {
		results[i] = ParticipantResult{Target: op.Target, Name: op.Name, Status: StatusSkipped}
	}

	for i, op := range ops {
		if err := c.run(ctx, op); err != nil {
			results[i].Status = StatusFailed
			results[i].Error = err.Error()
			c.compensate(ctx, tx.ID, ops[:i], results[:i])
			outcome.Results = results
			outcome.Err = errors.Wrap(errors.KindOf(err), err,
				"transaction %s rolled back at %s/%s", tx.ID, op.Target, op.Name)
			outcome.Status = OutcomeError
			for _, r := range results {
				if r.Status == StatusCompensationFailed {
					outcome.Err = errors.Wrap(errors.KindCompensationFailure, err,
						"transaction %s: rollback incomplete, manual repair needed", tx.ID)
					break
				}
			}
			return
		}
		results[i].Status = StatusCommitted
	}
	outcome.Results = results
	outcome.Status = OutcomeSuccess
}

// executeQuorum commits everywhere, then checks that the transactional
// store and at least three of four participants succeeded. Short quorums
// are compensated; met quorums with stragglers are reported as partial
// for the reconciliation pass.
func (c *Coordinator) executeQuorum(ctx context.Context, tx *Transaction, ops []Operation, outcome *Outcome) {
	results := make([]ParticipantResult, len(ops))
	committed := 0
	primaryOK := true
	for i, op := range ops {
		results[i] = ParticipantResult{Target: op.Target, Name: op.Name}
		if err := c.run(ctx, op); err != nil {
			results[i].Status = StatusFailed
			results[i].Error = err.Error()
			if op.Target == storage.KindTransactional {
				primaryOK = false
			}
			continue
		}
		results[i].Status = StatusCommitted
		committed++
	}

	need := quorumSize(len(ops))
	if committed < need || !primaryOK {
		c.compensateCommitted(ctx, tx.ID, ops, results)
		outcome.Results = results
		outcome.Status = OutcomeQuorumNotMet
		outcome.Err = errors.New(errors.KindQuorumNotMet,
			"transaction %s committed %d of %d, need %d with source of truth", tx.ID, committed, len(ops), need)
		return
	}

	outcome.Results = results
	if committed < len(ops) {
		outcome.Status = OutcomePartial
		outcome.Err = errors.New(errors.KindPartialFailure,
			"transaction %s committed %d of %d, reconciliation pending", tx.ID, committed, len(ops))
		return
	}
	outcome.Status = OutcomeSuccess
}

// executePrimary commits the transactional operation synchronously and
// applies the remainder in the background. The call succeeds or fails on
// the source of truth alone.
func (c *Coordinator) executePrimary(ctx context.Context, tx *Transaction, ops []Operation, outcome *Outcome, release func()) {
	results := make([]ParticipantResult, len(ops))
	var async []int
	primaryFailed := false

	for i, op := range ops {
		results[i] = ParticipantResult{Target: op.Target, Name: op.Name, Status: StatusSkipped}
		if op.Target != storage.KindTransactional {
			async = append(async, i)
			continue
		}
		if err := c.run(ctx, op); err != nil {
			results[i].Status = StatusFailed
			results[i].Error = err.Error()
			primaryFailed = true
			outcome.Err = errors.Wrap(errors.KindOf(err), err, "transaction %s primary commit failed", tx.ID)
			break
		}
		results[i].Status = StatusCommitted
	}

	if primaryFailed {
		release()
		outcome.Results = results
		outcome.Status = OutcomeError
		return
	}

	outcome.Results = results
	outcome.Status = OutcomeSuccess
	c.applyAsync(tx, ops, async, release)
}

// executeEventual applies everything in the background and reports
// initiation.
func (c *Coordinator) executeEventual(tx *Transaction, ops []Operation, outcome *Outcome, release func()) {
	results := make([]ParticipantResult, len(ops))
	all := make([]int, len(ops))
	for i, op := range ops {
		results[i] = ParticipantResult{Target: op.Target, Name: op.Name, Status: StatusSkipped}
		all[i] = i
	}
	outcome.Results = results
	outcome.Status = OutcomeInitiated
	c.applyAsync(tx, ops, all, release)
}

// applyAsync runs the indexed operations in the background under the
// eventual deadline, releasing the entity locks when done. Failures are
// logged and left to the consistency manager.
func (c *Coordinator) applyAsync(tx *Transaction, ops []Operation, indices []int, release func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer release()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.EventualTimeout)
		defer cancel()
		for _, i := range indices {
			op := ops[i]
			if err := c.run(ctx, op); err != nil {
				c.logger.Warn("async apply failed, reconciliation will repair",
					"tx_id", tx.ID, "target", string(op.Target), "op", op.Name, "error", err.Error())
			}
			select {
			case <-c.closed:
				return
			default:
			}
		}
	}()
}

// run executes one operation through its backend guard.
func (c *Coordinator) run(ctx context.Context, op Operation) error {
	guard := c.guards.ByKind(op.Target)
	if guard == nil {
		return errors.Validation("operation %s targets unknown backend %q", op.Name, op.Target)
	}
	return guard.Do(ctx, op.Forward)
}

// compensate undoes committed operations in reverse order, marking each
// result. Compensation runs without the guard's breaker so a tripped
// backend still gets its undo attempt.
func (c *Coordinator) compensate(ctx context.Context, txID string, ops []Operation, results []ParticipantResult) {
	for i := len(ops) - 1; i >= 0; i-- {
		if results[i].Status != StatusCommitted {
			continue
		}
		c.compensateOne(ctx, txID, ops[i], &results[i])
	}
}

func (c *Coordinator) compensateCommitted(ctx context.Context, txID string, ops []Operation, results []ParticipantResult) {
	for i := len(ops) - 1; i >= 0; i-- {
		if results[i].Status != StatusCommitted {
			continue
		}
		c.compensateOne(ctx, txID, ops[i], &results[i])
	}
}

func (c *Coordinator) compensateOne(ctx context.Context, txID string, op Operation, result *ParticipantResult) {
	if op.Compensate == nil {
		result.Status = StatusCompensated
		return
	}
	// Rollback gets its own deadline; the transaction's deadline may
	// already be the reason we are here.
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := op.Compensate(compCtx); err != nil {
		result.Status = StatusCompensationFailed
		result.Error = err.Error()
		c.logger.Error("compensation failed, manual repair needed",
			"tx_id", txID, "target", string(op.Target), "op", op.Name, "error", err.Error())
		return
	}
	result.Status = StatusCompensated
}

// orderOps sorts operations by canonical commit order, reversed for
// delete transactions.
func orderOps(ops []Operation, reverse bool) []Operation {
	out := append([]Operation(nil), ops...)
	less := func(i, j int) bool {
		return storage.OrderIndex(out[i].Target) < storage.OrderIndex(out[j].Target)
	}
	if reverse {
		less = func(i, j int) bool {
			return storage.OrderIndex(out[i].Target) > storage.OrderIndex(out[j].Target)
		}
	}
	stableSort(out, less)
	return out
}

func stableSort(ops []Operation, less func(i, j int) bool) {
	// insertion sort keeps it stable for same-target operations
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
}

// quorumSize is ceil(3/4 of n).
func quorumSize(n int) int {
	return (3*n + 3) / 4
}
