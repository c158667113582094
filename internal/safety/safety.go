// Package safety is the recursion and input guard in front of every
// reasoning write: chain depth tracking, loop detection over a rolling
// hash window, a per-session circuit breaker and admission-control
// resource caps.
package safety

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/oldnordic/ltmc/internal/circuitbreaker"
	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/pkg/types"
)

// State is the guard's per-session admission state.
type State string

const (
	StateSafe       State = "safe"
	StateWarning    State = "warning"
	StateCritical   State = "critical"
	StateBlocked    State = "blocked"
	StateRecovering State = "recovering"
)

// injectionMarkers is the fixed deny-list checked against lowercased
// content.
var injectionMarkers = []string{"<script", "javascript:", "eval(", "exec(", "__import__"}

// Strategy is the advisory recovery hint returned alongside failures.
type Strategy string

const (
	StrategyRetryWithBackoff Strategy = "retry-with-backoff"
	StrategyReduceComplexity Strategy = "reduce-complexity"
	StrategyResetChain       Strategy = "reset-chain"
	StrategySanitize         Strategy = "sanitize"
	StrategyDegrade          Strategy = "degrade"
)

// WriteRequest describes one reasoning write offered for admission.
type WriteRequest struct {
	SessionID string
	// ParentID is the previous thought's ULID, empty for a chain root.
	ParentID string
	Content  string
	Metadata map[string]any
}

// Admission is a granted write slot. Exactly one of Commit or Abandon must
// be called to release it.
type Admission struct {
	SessionID string
	Depth     int
	State     State

	guard       *Guard
	contentHash string
	parentID    string
	released    bool
}

type chainNode struct {
	parentID string
	depth    int
}

type sessionState struct {
	nodes      map[string]*chainNode
	hashWindow []string
	loopCount  int
	breaker    *circuitbreaker.Breaker
	inFlight   int
	bytesUsed  int64
	recovering bool
	wasOpen    bool
}

// Guard gates reasoning writes. All methods are safe for concurrent use.
type Guard struct {
	cfg    config.SafetyConfig
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a guard with the given tuning.
func New(cfg config.SafetyConfig, logger logging.Logger) *Guard {
	return &Guard{
		cfg:      cfg,
		logger:   logger.WithComponent("safety"),
		sessions: make(map[string]*sessionState),
	}
}

// Admit validates the request and, if the session's state permits, grants
// a write slot. Rejections short-circuit before any backend write.
func (g *Guard) Admit(req *WriteRequest) (*Admission, error) {
	if err := g.validateInput(req); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	sess := g.session(req.SessionID)

	if sess.recovering {
		return nil, errors.New(errors.KindRecursionBlocked,
			"session %s is recovering, writes are rejected until cleared", req.SessionID).
			WithDetail("state", string(StateRecovering))
	}

	allowed := sess.breaker.Allow()
	if sess.wasOpen && allowed {
		// breaker timed out back to half-open, the session gets a clean
		// loop window
		sess.hashWindow = nil
		sess.loopCount = 0
		sess.wasOpen = false
	}
	if !allowed {
		sess.wasOpen = true
		return nil, errors.New(errors.KindRecursionBlocked,
			"session %s circuit breaker is open", req.SessionID).
			WithDetail("state", string(StateBlocked)).
			WithDetail("retry_after", g.cfg.BreakerTimeout.String())
	}

	depth := 0
	if req.ParentID != "" {
		if parent, ok := sess.nodes[req.ParentID]; ok {
			depth = parent.depth + 1
		}
	}
	if depth >= g.cfg.MaxDepth {
		return nil, errors.New(errors.KindRecursionBlocked,
			"chain depth %d reached the maximum of %d", depth, g.cfg.MaxDepth).
			WithDetail("depth", depth).
			WithDetail("state", string(StateBlocked))
	}

	hash := types.HashContent(req.Content)
	if g.detectLoop(sess, hash) {
		sess.loopCount++
		if sess.loopCount >= g.cfg.BreakerThreshold {
			sess.breaker.Trip()
			sess.wasOpen = true
			g.logger.Warn("loop violations tripped session breaker",
				"session_id", req.SessionID, "loop_count", sess.loopCount)
		}
		return nil, errors.New(errors.KindRecursionBlocked,
			"repeated content detected in session %s", req.SessionID).
			WithDetail("loop_count", sess.loopCount).
			WithDetail("state", string(StateCritical))
	}

	if sess.inFlight >= g.cfg.MaxConcurrentOps {
		return nil, errors.New(errors.KindResourceExhausted,
			"session %s has %d operations in flight, limit is %d",
			req.SessionID, sess.inFlight, g.cfg.MaxConcurrentOps)
	}
	if sess.bytesUsed+int64(len(req.Content)) > g.cfg.MaxSessionBytes {
		return nil, errors.New(errors.KindResourceExhausted,
			"session %s memory estimate exceeds %d bytes", req.SessionID, g.cfg.MaxSessionBytes)
	}

	state := StateSafe
	if depth >= g.cfg.WarningDepth {
		state = StateWarning
		g.logger.Warn("chain depth past warning threshold",
			"session_id", req.SessionID, "depth", depth, "warning_depth", g.cfg.WarningDepth)
	}

	sess.inFlight++
	return &Admission{
		SessionID:   req.SessionID,
		Depth:       depth,
		State:       state,
		guard:       g,
		contentHash: hash,
		parentID:    req.ParentID,
	}, nil
}

// Commit records the successfully written thought in the chain tree and
// the loop window, then releases the slot.
func (a *Admission) Commit(thoughtID string, contentBytes int) {
	g := a.guard
	g.mu.Lock()
	defer g.mu.Unlock()
	if a.released {
		return
	}
	a.released = true

	sess := g.session(a.SessionID)
	sess.inFlight--
	sess.bytesUsed += int64(contentBytes)
	sess.nodes[thoughtID] = &chainNode{parentID: a.parentID, depth: a.Depth}

	sess.hashWindow = append(sess.hashWindow, a.contentHash)
	if window := g.cfg.LoopWindow; len(sess.hashWindow) > window {
		sess.hashWindow = sess.hashWindow[len(sess.hashWindow)-window:]
	}
	sess.breaker.Record(nil)
}

// Abandon releases the slot after a failed write, feeding the failure into
// the session breaker.
func (a *Admission) Abandon(err error) {
	g := a.guard
	g.mu.Lock()
	defer g.mu.Unlock()
	if a.released {
		return
	}
	a.released = true

	sess := g.session(a.SessionID)
	sess.inFlight--
	sess.breaker.Record(err)
}

// SessionState reports the session's current admission state without
// consuming a slot.
func (g *Guard) SessionState(sessionID string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[sessionID]
	if !ok {
		return StateSafe
	}
	switch {
	case sess.recovering:
		return StateRecovering
	case !sess.breaker.Allow():
		return StateBlocked
	case sess.loopCount > 0:
		return StateCritical
	default:
		return StateSafe
	}
}

// BeginRecovery puts the session into the recovering state; writes are
// rejected until EndRecovery.
func (g *Guard) BeginRecovery(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session(sessionID).recovering = true
}

// EndRecovery clears the recovering state and resets the session's loop
// tracking and breaker.
func (g *Guard) EndRecovery(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess := g.session(sessionID)
	sess.recovering = false
	sess.hashWindow = nil
	sess.loopCount = 0
	sess.wasOpen = false
	sess.breaker.Reset()
}

// ChainDepth reports the recorded depth of a thought, or -1 when unknown.
func (g *Guard) ChainDepth(sessionID, thoughtID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[sessionID]
	if !ok {
		return -1
	}
	node, ok := sess.nodes[thoughtID]
	if !ok {
		return -1
	}
	return node.depth
}

// RecoveryStrategy maps a failure to an advisory recovery hint. The hint
// travels back to the caller next to the error; it is never acted on
// automatically.
func RecoveryStrategy(err error) Strategy {
	if err == nil {
		return ""
	}
	switch errors.KindOf(err) {
	case errors.KindTimeout:
		return StrategyRetryWithBackoff
	case errors.KindResourceExhausted:
		return StrategyReduceComplexity
	case errors.KindRecursionBlocked:
		return StrategyResetChain
	case errors.KindValidation:
		return StrategySanitize
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return StrategyRetryWithBackoff
	case strings.Contains(msg, "memory"):
		return StrategyReduceComplexity
	case strings.Contains(msg, "recursion") || strings.Contains(msg, "loop"):
		return StrategyResetChain
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return StrategySanitize
	default:
		return StrategyDegrade
	}
}

func (g *Guard) validateInput(req *WriteRequest) error {
	if err := types.ValidateIdentifier("session id", req.SessionID); err != nil {
		return err
	}
	if req.Content == "" {
		return errors.Validation("content must not be empty")
	}
	if len(req.Content) > g.cfg.MaxContentBytes {
		return errors.Validation("content is %d bytes, limit is %d",
			len(req.Content), g.cfg.MaxContentBytes)
	}
	lowered := strings.ToLower(req.Content)
	for _, marker := range injectionMarkers {
		if strings.Contains(lowered, marker) {
			return errors.Validation("content contains blocked marker %q", marker)
		}
	}
	if req.Metadata != nil {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return errors.Validation("metadata is not serialisable: %v", err)
		}
		if len(data) > g.cfg.MaxMetadataBytes {
			return errors.Validation("metadata is %d bytes, limit is %d",
				len(data), g.cfg.MaxMetadataBytes)
		}
	}
	return nil
}

// detectLoop checks the hash against the rolling window: an exact repeat
// is a loop, and so is the last N entries repeating the previous N for
// short N.
func (g *Guard) detectLoop(sess *sessionState, hash string) bool {
	for _, h := range sess.hashWindow {
		if h == hash {
			return true
		}
	}
	w := sess.hashWindow
	for _, n := range []int{2, 3} {
		if len(w) < 2*n {
			continue
		}
		match := true
		for i := 0; i < n; i++ {
			if w[len(w)-n+i] != w[len(w)-2*n+i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (g *Guard) session(sessionID string) *sessionState {
	sess, ok := g.sessions[sessionID]
	if !ok {
		sess = &sessionState{
			nodes: make(map[string]*chainNode),
			breaker: circuitbreaker.New(&circuitbreaker.Config{
				FailureThreshold: g.cfg.BreakerThreshold,
				SuccessThreshold: 1,
				Timeout:          g.cfg.BreakerTimeout,
			}),
		}
		g.sessions[sessionID] = sess
	}
	return sess
}

// Stats is a point-in-time snapshot of one session's guard counters.
type Stats struct {
	SessionID string `json:"session_id"`
	Thoughts  int    `json:"thoughts"`
	LoopCount int    `json:"loop_count"`
	InFlight  int    `json:"in_flight"`
	BytesUsed int64  `json:"bytes_used"`
	State     State  `json:"state"`
	Breaker   string `json:"breaker"`
}

// SessionStats returns the guard counters for a session.
func (g *Guard) SessionStats(sessionID string) Stats {
	state := g.SessionState(sessionID)
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[sessionID]
	if !ok {
		return Stats{SessionID: sessionID, State: StateSafe, Breaker: circuitbreaker.StateClosed.String()}
	}
	return Stats{
		SessionID: sessionID,
		Thoughts:  len(sess.nodes),
		LoopCount: sess.loopCount,
		InFlight:  sess.inFlight,
		BytesUsed: sess.bytesUsed,
		State:     state,
		Breaker:   sess.breaker.State().String(),
	}
}
