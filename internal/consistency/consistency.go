// Package consistency detects and repairs divergence between the four
// backends. The transactional store is the source of truth; versions are
// compared by content hash, with updated-at timestamps breaking ties for
// last-write-wins repair.
package consistency

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

// Policy selects the repair strategy.
type Policy string

const (
	// PolicyPrimary re-propagates the source-of-truth version everywhere.
	PolicyPrimary Policy = "primary_authoritative"
	// PolicyLastWrite propagates the newest version by updated-at.
	PolicyLastWrite Policy = "last_write_wins"
	// PolicyManual reports conflicts without touching any backend.
	PolicyManual Policy = "manual"
	// PolicyMerge is reserved; selecting it is a validation error.
	PolicyMerge Policy = "merge"
)

// Conflict is one backend whose version diverges from the authority.
type Conflict struct {
	EntityID      string            `json:"entity_id"`
	Backend       storage.Kind      `json:"backend"`
	Reason        string            `json:"reason"`
	Authoritative types.DataVersion `json:"authoritative"`
	Observed      types.DataVersion `json:"observed"`
}

// Report is the result of one entity check.
type Report struct {
	EntityID   string     `json:"entity_id"`
	Consistent bool       `json:"consistent"`
	Missing    bool       `json:"missing"`
	Conflicts  []Conflict `json:"conflicts,omitempty"`
	CheckedAt  time.Time  `json:"checked_at"`
}

// RepairResult describes one synchronisation run.
type RepairResult struct {
	EntityID string               `json:"entity_id"`
	Policy   Policy               `json:"policy"`
	Repaired []storage.Kind       `json:"repaired,omitempty"`
	Outcome  *coordinator.Outcome `json:"outcome,omitempty"`
	Report   *Report              `json:"report"`
}

// BatchReport summarises a range scan.
type BatchReport struct {
	Checked      int       `json:"checked"`
	Inconsistent []*Report `json:"inconsistent,omitempty"`
	NextAfterID  string    `json:"next_after_id,omitempty"`
}

// Stats are cumulative manager counters.
type Stats struct {
	ChecksRun      int64 `json:"checks_run"`
	ConflictsFound int64 `json:"conflicts_found"`
	RepairsApplied int64 `json:"repairs_applied"`
}

// Manager owns divergence detection and repair.
type Manager struct {
	stores   *storage.Set
	coord    *coordinator.Coordinator
	embedder embeddings.Service
	logger   logging.Logger

	checksRun      int64
	conflictsFound int64
	repairsApplied int64
}

// New creates a manager.
func New(stores *storage.Set, coord *coordinator.Coordinator, embedder embeddings.Service, logger logging.Logger) *Manager {
	return &Manager{
		stores:   stores,
		coord:    coord,
		embedder: embedder,
		logger:   logger.WithComponent("consistency"),
	}
}

// Check compares the entity's version across all four backends. The cache
// is advisory, so a cache miss is not a conflict; a cache entry with the
// wrong hash is.
func (m *Manager) Check(ctx context.Context, entityID string) (*Report, error) {
	if err := types.ValidateIdentifier("entity id", entityID); err != nil {
		return nil, err
	}
	atomic.AddInt64(&m.checksRun, 1)

	report := &Report{EntityID: entityID, Consistent: true, CheckedAt: time.Now().UTC()}

	authority, err := m.stores.Transactional.Retrieve(ctx, entityID)
	if err != nil {
		if !errors.IsNotFound(err) {
			return nil, err
		}
		// no source of truth: any replica copy is an orphan
		report.Missing = true
		for _, kind := range []storage.Kind{storage.KindVector, storage.KindGraph, storage.KindCache} {
			if observed, err := m.stores.ByKind(kind).Retrieve(ctx, entityID); err == nil {
				report.Consistent = false
				report.Conflicts = append(report.Conflicts, Conflict{
					EntityID: entityID,
					Backend:  kind,
					Reason:   "orphan: no source-of-truth row",
					Observed: types.DataVersion{ContentHash: observed.ContentHash, UpdatedAt: observed.UpdatedAt},
				})
			}
		}
		atomic.AddInt64(&m.conflictsFound, int64(len(report.Conflicts)))
		return report, nil
	}

	authVersion := types.DataVersion{ContentHash: authority.ContentHash, UpdatedAt: authority.UpdatedAt}
	for _, kind := range []storage.Kind{storage.KindVector, storage.KindGraph, storage.KindCache} {
		observed, err := m.stores.ByKind(kind).Retrieve(ctx, entityID)
		if err != nil {
			if errors.IsNotFound(err) {
				if kind == storage.KindCache {
					continue // evicted cache entries are normal
				}
				report.Consistent = false
				report.Conflicts = append(report.Conflicts, Conflict{
					EntityID:      entityID,
					Backend:       kind,
					Reason:        "missing replica",
					Authoritative: authVersion,
				})
				continue
			}
			return nil, err
		}
		if observed.ContentHash != authority.ContentHash {
			report.Consistent = false
			report.Conflicts = append(report.Conflicts, Conflict{
				EntityID:      entityID,
				Backend:       kind,
				Reason:        "content hash mismatch",
				Authoritative: authVersion,
				Observed:      types.DataVersion{ContentHash: observed.ContentHash, UpdatedAt: observed.UpdatedAt},
			})
		}
	}
	atomic.AddInt64(&m.conflictsFound, int64(len(report.Conflicts)))
	return report, nil
}

// Synchronize repairs the entity under the given policy. Propagation runs
// as a strong transaction so a half-applied repair cannot introduce new
// divergence.
func (m *Manager) Synchronize(ctx context.Context, entityID string, policy Policy) (*RepairResult, error) {
	report, err := m.Check(ctx, entityID)
	if err != nil {
		return nil, err
	}
	result := &RepairResult{EntityID: entityID, Policy: policy, Report: report}
	if report.Consistent {
		return result, nil
	}

	switch policy {
	case PolicyManual:
		return result, nil
	case PolicyMerge:
		return nil, errors.Validation("merge repair is reserved and not yet implemented")
	case PolicyPrimary, PolicyLastWrite:
	default:
		return nil, errors.Validation("unknown repair policy %q", policy)
	}

	if report.Missing {
		return m.removeOrphans(ctx, entityID, report, result)
	}

	winner, err := m.pickWinner(ctx, entityID, policy)
	if err != nil {
		return nil, err
	}
	return m.propagate(ctx, entityID, winner, report, result)
}

// pickWinner chooses the payload to propagate. Only backends holding full
// content can win; of those, last-write-wins takes the newest updated-at.
func (m *Manager) pickWinner(ctx context.Context, entityID string, policy Policy) (*types.DocumentPayload, error) {
	authority, err := m.stores.Transactional.Retrieve(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if policy == PolicyPrimary {
		return authority, nil
	}
	if cached, err := m.stores.Cache.Retrieve(ctx, entityID); err == nil &&
		cached.Content != "" && cached.UpdatedAt.After(authority.UpdatedAt) {
		return cached, nil
	}
	return authority, nil
}

// propagate writes the winner to every diverged backend in one strong
// transaction.
func (m *Manager) propagate(ctx context.Context, entityID string, winner *types.DocumentPayload, report *Report, result *RepairResult) (*RepairResult, error) {
	payload := *winner
	payload.ID = entityID
	payload.ContentHash = types.HashContent(payload.Content)
	if len(payload.Vector) == 0 {
		vector, err := m.embedder.Embed(ctx, payload.Content)
		if err != nil {
			return nil, err
		}
		payload.Vector = vector
	}

	stale := make(map[storage.Kind]bool, len(report.Conflicts))
	for _, c := range report.Conflicts {
		stale[c.Backend] = true
	}
	// a winner that differs from the source of truth supersedes every
	// backend, not just the ones that already diverged
	if current, err := m.stores.Transactional.Retrieve(ctx, entityID); err != nil ||
		current.ContentHash != payload.ContentHash {
		for _, kind := range storage.CommitOrder {
			stale[kind] = true
		}
	}

	tx := coordinator.NewTransaction(types.LevelStrong, entityID)
	for _, kind := range storage.CommitOrder {
		if !stale[kind] {
			continue
		}
		adapter := m.stores.ByKind(kind)
		a := adapter
		p := payload
		tx.Add(coordinator.Operation{
			Target: kind,
			Name:   "repair_store",
			Forward: func(ctx context.Context) error {
				return a.Store(ctx, entityID, &p)
			},
			Compensate: func(ctx context.Context) error {
				return nil // repair is idempotent, rerun instead of undoing
			},
		})
		result.Repaired = append(result.Repaired, kind)
	}

	outcome := m.coord.Execute(ctx, tx)
	result.Outcome = outcome
	if outcome.Status != coordinator.OutcomeSuccess {
		return result, outcome.Err
	}
	atomic.AddInt64(&m.repairsApplied, 1)
	m.logger.Info("repaired entity", "entity_id", entityID, "backends", len(result.Repaired))
	return result, nil
}

// removeOrphans deletes replica copies that have no source-of-truth row.
func (m *Manager) removeOrphans(ctx context.Context, entityID string, report *Report, result *RepairResult) (*RepairResult, error) {
	tx := coordinator.NewTransaction(types.LevelStrong, entityID)
	tx.Reverse = true
	for _, c := range report.Conflicts {
		adapter := m.stores.ByKind(c.Backend)
		a := adapter
		tx.Add(coordinator.Operation{
			Target: c.Backend,
			Name:   "repair_delete_orphan",
			Forward: func(ctx context.Context) error {
				return a.Delete(ctx, entityID)
			},
		})
		result.Repaired = append(result.Repaired, c.Backend)
	}
	outcome := m.coord.Execute(ctx, tx)
	result.Outcome = outcome
	if outcome.Status != coordinator.OutcomeSuccess {
		return result, outcome.Err
	}
	atomic.AddInt64(&m.repairsApplied, 1)
	return result, nil
}

// CheckRange scans a page of document ids and reports the inconsistent
// ones. Callers loop with NextAfterID until it comes back empty.
func (m *Manager) CheckRange(ctx context.Context, afterID string, limit int) (*BatchReport, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := m.stores.Transactional.ListDocumentIDs(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	batch := &BatchReport{}
	for _, id := range ids {
		report, err := m.Check(ctx, id)
		if err != nil {
			return nil, err
		}
		batch.Checked++
		if !report.Consistent {
			batch.Inconsistent = append(batch.Inconsistent, report)
		}
	}
	if len(ids) == limit {
		batch.NextAfterID = ids[len(ids)-1]
	}
	return batch, nil
}

// GetStats returns cumulative counters.
func (m *Manager) GetStats() Stats {
	return Stats{
		ChecksRun:      atomic.LoadInt64(&m.checksRun),
		ConflictsFound: atomic.LoadInt64(&m.conflictsFound),
		RepairsApplied: atomic.LoadInt64(&m.repairsApplied),
	}
}
