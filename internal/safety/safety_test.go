package safety

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
)

func newGuard(t *testing.T, mutate ...func(*config.SafetyConfig)) *Guard {
	t.Helper()
	cfg := config.Default().Safety
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg, logging.Default())
}

// admitCommit runs one full admitted write and returns the thought id.
func admitCommit(t *testing.T, g *Guard, session, parent, content string) string {
	t.Helper()
	adm, err := g.Admit(&WriteRequest{SessionID: session, ParentID: parent, Content: content})
	require.NoError(t, err)
	id := fmt.Sprintf("t-%s-%d", session, adm.Depth)
	adm.Commit(id, len(content))
	return id
}

func TestDepthLimitBlocksEleventhThought(t *testing.T) {
	g := newGuard(t)

	parent := ""
	for i := 1; i <= 10; i++ {
		adm, err := g.Admit(&WriteRequest{
			SessionID: "sess-1",
			ParentID:  parent,
			Content:   fmt.Sprintf("reasoning step number %d", i),
		})
		require.NoError(t, err, "thought %d", i)
		assert.Equal(t, i-1, adm.Depth)
		id := fmt.Sprintf("t%d", i)
		adm.Commit(id, 20)
		parent = id
	}

	_, err := g.Admit(&WriteRequest{
		SessionID: "sess-1",
		ParentID:  parent,
		Content:   "one step too far",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindRecursionBlocked))

	var ce *errors.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 10, ce.Details["depth"])
}

func TestWarningStatePastThreshold(t *testing.T) {
	g := newGuard(t)

	parent := ""
	var last *Admission
	for i := 1; i <= 8; i++ {
		adm, err := g.Admit(&WriteRequest{
			SessionID: "sess-1",
			ParentID:  parent,
			Content:   fmt.Sprintf("distinct step %d", i),
		})
		require.NoError(t, err)
		id := fmt.Sprintf("t%d", i)
		adm.Commit(id, 10)
		parent = id
		last = adm
	}
	// depth 7 is the default warning threshold
	assert.Equal(t, StateWarning, last.State)
}

func TestExactRepeatIsALoop(t *testing.T) {
	g := newGuard(t)

	admitCommit(t, g, "sess-1", "", "the same idea again")

	_, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "the same idea again"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindRecursionBlocked))
}

func TestPatternRepeatIsALoop(t *testing.T) {
	g := newGuard(t)

	pair := &sessionState{hashWindow: []string{"a", "b", "a", "b"}}
	assert.True(t, g.detectLoop(pair, "c"), "last pair repeats the previous pair")

	triple := &sessionState{hashWindow: []string{"a", "b", "c", "a", "b", "c"}}
	assert.True(t, g.detectLoop(triple, "d"), "last triple repeats the previous triple")

	clean := &sessionState{hashWindow: []string{"a", "b", "c", "d"}}
	assert.False(t, g.detectLoop(clean, "e"))

	assert.True(t, g.detectLoop(clean, "b"), "exact repeat anywhere in the window")
}

func TestLoopViolationsTripBreakerAndTimeoutResets(t *testing.T) {
	g := newGuard(t, func(c *config.SafetyConfig) {
		c.BreakerThreshold = 2
		c.BreakerTimeout = 20 * time.Millisecond
	})

	admitCommit(t, g, "sess-1", "", "repeated content")

	for i := 0; i < 2; i++ {
		_, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "repeated content"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.KindRecursionBlocked))
	}
	assert.Equal(t, StateBlocked, g.SessionState("sess-1"))

	// even novel content is rejected while the breaker is open
	_, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "completely new material"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindRecursionBlocked))

	time.Sleep(30 * time.Millisecond)

	// breaker timed out, loop window cleared, the session is usable again
	adm, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "repeated content"})
	require.NoError(t, err)
	adm.Commit("t-after-reset", 16)
}

func TestInputValidation(t *testing.T) {
	g := newGuard(t, func(c *config.SafetyConfig) {
		c.MaxContentBytes = 64
		c.MaxMetadataBytes = 32
	})

	cases := []struct {
		name string
		req  WriteRequest
	}{
		{"empty content", WriteRequest{SessionID: "s", Content: ""}},
		{"oversized content", WriteRequest{SessionID: "s", Content: strings.Repeat("x", 65)}},
		{"script tag", WriteRequest{SessionID: "s", Content: "hello <SCRIPT>alert(1)"}},
		{"javascript url", WriteRequest{SessionID: "s", Content: "go to javascript:void(0)"}},
		{"eval call", WriteRequest{SessionID: "s", Content: "just eval(input) here"}},
		{"python import", WriteRequest{SessionID: "s", Content: "__import__('os')"}},
		{"bad session id", WriteRequest{SessionID: "has spaces", Content: "fine"}},
		{"oversized metadata", WriteRequest{
			SessionID: "s", Content: "fine",
			Metadata: map[string]any{"blob": strings.Repeat("y", 64)},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Admit(&tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.KindValidation), "got %v", err)
		})
	}
}

func TestConcurrencyCap(t *testing.T) {
	g := newGuard(t, func(c *config.SafetyConfig) { c.MaxConcurrentOps = 2 })

	a1, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "first in flight"})
	require.NoError(t, err)
	a2, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "second in flight"})
	require.NoError(t, err)

	_, err = g.Admit(&WriteRequest{SessionID: "sess-1", Content: "third must wait"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindResourceExhausted))

	// other sessions are unaffected
	a3, err := g.Admit(&WriteRequest{SessionID: "sess-2", Content: "different session"})
	require.NoError(t, err)
	a3.Abandon(nil)

	a1.Commit("t1", 10)
	a2.Abandon(errors.Unavailable("backend down"))

	a4, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "slot freed"})
	require.NoError(t, err)
	a4.Commit("t2", 10)
}

func TestSessionByteCap(t *testing.T) {
	g := newGuard(t, func(c *config.SafetyConfig) { c.MaxSessionBytes = 40 })

	admitCommit(t, g, "sess-1", "", strings.Repeat("a", 30))

	_, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: strings.Repeat("b", 20)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindResourceExhausted))
}

func TestRecoveringRejectsWrites(t *testing.T) {
	g := newGuard(t)

	g.BeginRecovery("sess-1")
	_, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "write during recovery"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindRecursionBlocked))
	assert.Equal(t, StateRecovering, g.SessionState("sess-1"))

	g.EndRecovery("sess-1")
	adm, err := g.Admit(&WriteRequest{SessionID: "sess-1", Content: "write after recovery"})
	require.NoError(t, err)
	adm.Commit("t1", 10)
	assert.Equal(t, StateSafe, g.SessionState("sess-1"))
}

func TestRecoveryStrategySelection(t *testing.T) {
	assert.Equal(t, StrategyRetryWithBackoff, RecoveryStrategy(errors.Timeout("deadline exceeded")))
	assert.Equal(t, StrategyReduceComplexity, RecoveryStrategy(errors.New(errors.KindResourceExhausted, "over cap")))
	assert.Equal(t, StrategyResetChain, RecoveryStrategy(errors.New(errors.KindRecursionBlocked, "too deep")))
	assert.Equal(t, StrategySanitize, RecoveryStrategy(errors.Validation("bad input")))
	assert.Equal(t, StrategyDegrade, RecoveryStrategy(errors.Internal("unknown failure")))
	assert.Equal(t, Strategy(""), RecoveryStrategy(nil))

	assert.Equal(t, StrategyRetryWithBackoff, RecoveryStrategy(fmt.Errorf("operation timeout while writing")))
	assert.Equal(t, StrategyReduceComplexity, RecoveryStrategy(fmt.Errorf("out of memory")))
}

func TestChainDepthLookup(t *testing.T) {
	g := newGuard(t)

	root := admitCommit(t, g, "sess-1", "", "the root observation")
	child := admitCommit(t, g, "sess-1", root, "a follow-up")

	assert.Equal(t, 0, g.ChainDepth("sess-1", root))
	assert.Equal(t, 1, g.ChainDepth("sess-1", child))
	assert.Equal(t, -1, g.ChainDepth("sess-1", "unknown"))
	assert.Equal(t, -1, g.ChainDepth("sess-none", root))
}

func TestSessionStats(t *testing.T) {
	g := newGuard(t)

	admitCommit(t, g, "sess-1", "", "some recorded content")
	stats := g.SessionStats("sess-1")
	assert.Equal(t, 1, stats.Thoughts)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, int64(len("some recorded content")), stats.BytesUsed)
	assert.Equal(t, StateSafe, stats.State)
	assert.Equal(t, "closed", stats.Breaker)

	empty := g.SessionStats("sess-none")
	assert.Equal(t, StateSafe, empty.State)
}
