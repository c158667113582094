package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/oldnordic/ltmc/internal/errors"
)

// lockTable provides per-entity mutual exclusion. Locks are acquired in
// sorted id order, which rules out lock-order deadlocks between
// transactions touching overlapping entity sets.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// acquire takes every entity lock, waiting on the context. On success it
// returns a release function; on failure every already-held lock is
// released before returning.
func (t *lockTable) acquire(ctx context.Context, entityIDs []string) (func(), error) {
	ids := dedupeSorted(entityIDs)
	held := make([]string, 0, len(ids))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.releaseOne(held[i])
		}
	}

	for _, id := range ids {
		entry := t.ref(id)
		select {
		case entry.sem <- struct{}{}:
			held = append(held, id)
		case <-ctx.Done():
			t.unref(id)
			release()
			return nil, errors.Wrap(errors.KindTimeout, ctx.Err(), "acquiring lock on %s", id)
		}
	}
	return release, nil
}

func (t *lockTable) ref(id string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[id] = entry
	}
	entry.refs++
	return entry
}

func (t *lockTable) unref(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(t.entries, id)
	}
}

func (t *lockTable) releaseOne(id string) {
	t.mu.Lock()
	entry, ok := t.entries[id]
	t.mu.Unlock()
	if ok {
		<-entry.sem
	}
	t.unref(id)
}

func dedupeSorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i == 0 || id != out[i-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}
