// Package contextinfer fills in missing session, conversation and chain
// identifiers for reasoning writes. Resolution follows a strict priority
// order (explicit, transport, host, recovered, inferred, synthesized) and
// every filled field is tagged with its source plus an aggregate
// confidence score.
package contextinfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

// Source records where a resolved field came from.
type Source string

const (
	SourceExplicit    Source = "explicit"
	SourceTransport   Source = "transport"
	SourceHost        Source = "host"
	SourceRecovered   Source = "recovered"
	SourceInferred    Source = "inferred"
	SourceSynthesized Source = "synthesized"
)

// confidence increments per source, highest trust first.
const (
	weightExplicit    = 0.20
	weightHost        = 0.15
	weightRecovered   = 0.10
	weightSynthesized = 0.05
	bonusComplete     = 0.20
	bonusRecovery     = 0.10
)

// recentSessionWindow bounds the recent-state lookup.
const recentSessionWindow = 5 * time.Minute

// Intent is the closed classification set for call content.
type Intent string

const (
	IntentAnalytical     Intent = "analytical"
	IntentProblemSolving Intent = "problem-solving"
	IntentCreative       Intent = "creative"
	IntentExplanatory    Intent = "explanatory"
	IntentComparative    Intent = "comparative"
	IntentExploratory    Intent = "exploratory"
)

var intentKeywords = map[Intent][]string{
	IntentAnalytical:     {"analyze", "analyse", "measure", "evaluate", "metric", "profile", "benchmark"},
	IntentProblemSolving: {"fix", "bug", "error", "fail", "broken", "debug", "resolve", "issue"},
	IntentCreative:       {"design", "create", "invent", "brainstorm", "imagine", "draft"},
	IntentExplanatory:    {"explain", "describe", "what is", "how does", "clarify", "document"},
	IntentComparative:    {"compare", "versus", " vs ", "difference", "better than", "tradeoff"},
	IntentExploratory:    {"explore", "investigate", "look into", "survey", "what if"},
}

// Hints carries transport-level correlation metadata.
type Hints struct {
	CorrelationID   string `json:"correlation_id,omitempty"`
	ClientSessionID string `json:"client_session_id,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
}

// HostState is orchestration state exposed by an embedding host.
type HostState struct {
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	AgentName      string `json:"agent_name,omitempty"`
}

// Request is one resolution call. All fields are optional except Content.
type Request struct {
	SessionID         string
	ConversationID    string
	AgentName         string
	PreviousThoughtID string
	StepNumber        int

	Transport Hints
	Host      *HostState
	Content   string
}

// Resolved is the fully populated context record.
type Resolved struct {
	SessionID         string            `json:"session_id"`
	ConversationID    string            `json:"conversation_id"`
	AgentName         string            `json:"agent_name,omitempty"`
	PreviousThoughtID string            `json:"previous_thought_id,omitempty"`
	StepNumber        int               `json:"step_number"`
	Intent            Intent            `json:"intent"`
	Confidence        float64           `json:"confidence"`
	Sources           map[string]Source `json:"sources"`
	// Recovery is empty, "exact" or "approximate".
	Recovery string `json:"recovery,omitempty"`
}

// Extractor resolves incomplete contexts against recent state.
type Extractor struct {
	store  storage.TransactionalStore
	logger logging.Logger
	seq    uint64
}

// New creates an extractor.
func New(store storage.TransactionalStore, logger logging.Logger) *Extractor {
	return &Extractor{store: store, logger: logger.WithComponent("contextinfer")}
}

// Resolve fills missing identifiers by priority and computes the
// confidence score. It never writes; chain recovery is read-only.
func (e *Extractor) Resolve(ctx context.Context, req *Request) (*Resolved, error) {
	if err := validateOptionalID("session_id", req.SessionID); err != nil {
		return nil, err
	}
	if err := validateOptionalID("conversation_id", req.ConversationID); err != nil {
		return nil, err
	}
	if err := validateOptionalID("previous_thought_id", req.PreviousThoughtID); err != nil {
		return nil, err
	}

	out := &Resolved{Sources: make(map[string]Source)}
	score := 0.0

	// session id: explicit > transport > host > recent store state > fresh
	switch {
	case req.SessionID != "":
		out.SessionID = req.SessionID
		out.Sources["session_id"] = SourceExplicit
		score += weightExplicit
	case req.Transport.ClientSessionID != "":
		if err := validateOptionalID("client_session_id", req.Transport.ClientSessionID); err != nil {
			return nil, err
		}
		out.SessionID = req.Transport.ClientSessionID
		out.Sources["session_id"] = SourceTransport
		score += weightExplicit
	case req.Host != nil && req.Host.SessionID != "":
		if err := validateOptionalID("host session_id", req.Host.SessionID); err != nil {
			return nil, err
		}
		out.SessionID = req.Host.SessionID
		out.Sources["session_id"] = SourceHost
		score += weightHost
	default:
		if recent, err := e.store.LatestSessionSince(ctx, recentSessionWindow); err == nil {
			out.SessionID = recent
			out.Sources["session_id"] = SourceRecovered
			score += weightRecovered
		} else {
			out.SessionID = SynthesizeSessionID()
			out.Sources["session_id"] = SourceSynthesized
			score += weightSynthesized
		}
	}

	// conversation id: explicit > transport correlation > host > fresh
	switch {
	case req.ConversationID != "":
		out.ConversationID = req.ConversationID
		out.Sources["conversation_id"] = SourceExplicit
		score += weightExplicit
	case req.Transport.CorrelationID != "":
		if err := validateOptionalID("correlation_id", req.Transport.CorrelationID); err != nil {
			return nil, err
		}
		out.ConversationID = req.Transport.CorrelationID
		out.Sources["conversation_id"] = SourceTransport
		score += weightExplicit
	case req.Host != nil && req.Host.ConversationID != "":
		out.ConversationID = req.Host.ConversationID
		out.Sources["conversation_id"] = SourceHost
		score += weightHost
	default:
		out.ConversationID = e.SynthesizeConversationID(out.SessionID)
		out.Sources["conversation_id"] = SourceSynthesized
		score += weightSynthesized
	}

	if req.AgentName != "" {
		out.AgentName = req.AgentName
		out.Sources["agent_name"] = SourceExplicit
		score += weightExplicit
	} else if req.Host != nil && req.Host.AgentName != "" {
		out.AgentName = req.Host.AgentName
		out.Sources["agent_name"] = SourceHost
		score += weightHost
	}

	// step number and previous thought, with chain recovery
	out.StepNumber = req.StepNumber
	out.PreviousThoughtID = req.PreviousThoughtID
	if req.PreviousThoughtID != "" {
		out.Sources["previous_thought_id"] = SourceExplicit
		score += weightExplicit
	}
	if out.StepNumber == 0 {
		if latest, err := e.store.LatestThought(ctx, out.SessionID); err == nil {
			out.StepNumber = latest.StepNumber + 1
			out.Sources["step_number"] = SourceRecovered
			score += weightRecovered
			if out.PreviousThoughtID == "" {
				out.PreviousThoughtID = latest.ULID
				out.Sources["previous_thought_id"] = SourceRecovered
				out.Recovery = "exact"
				score += weightRecovered
			}
		} else {
			out.StepNumber = 1
			out.Sources["step_number"] = SourceSynthesized
			score += weightSynthesized
		}
	}
	if out.StepNumber > 1 && out.PreviousThoughtID == "" {
		recovery, source := e.recoverChainLink(ctx, out.SessionID, out.StepNumber)
		if recovery != "" {
			out.PreviousThoughtID = recovery
			out.Sources["previous_thought_id"] = SourceRecovered
			out.Recovery = source
			score += weightRecovered
		}
	}
	if out.Recovery != "" {
		score += bonusRecovery
	}

	intent, subConfidence := ClassifyIntent(req.Content)
	out.Intent = intent
	out.Sources["intent"] = SourceInferred

	if e.complete(out) {
		score += bonusComplete
	}
	score = clamp01(score)
	if subConfidence > 0 {
		score = clamp01((score + subConfidence) / 2)
	}
	out.Confidence = score

	e.logger.DebugContext(ctx, "context resolved",
		"session_id", out.SessionID, "conversation_id", out.ConversationID,
		"step", out.StepNumber, "intent", string(out.Intent),
		"confidence", out.Confidence, "recovery", out.Recovery)
	return out, nil
}

// recoverChainLink finds the predecessor for step n: the thought at step
// n-1, else the session's most recent thought marked approximate.
func (e *Extractor) recoverChainLink(ctx context.Context, sessionID string, step int) (string, string) {
	if prev, err := e.store.GetThoughtByStep(ctx, sessionID, step-1); err == nil {
		return prev.ULID, "exact"
	}
	if latest, err := e.store.LatestThought(ctx, sessionID); err == nil {
		return latest.ULID, "approximate"
	}
	return "", ""
}

func (e *Extractor) complete(r *Resolved) bool {
	if r.SessionID == "" || r.ConversationID == "" || r.StepNumber < 1 {
		return false
	}
	return r.StepNumber == 1 || r.PreviousThoughtID != ""
}

// ClassifyIntent maps call content onto the closed intent set by keyword
// matching, returning a sub-confidence in [0,1]. Unmatched content defaults
// to exploratory at low confidence.
func ClassifyIntent(content string) (Intent, float64) {
	if content == "" {
		return IntentExploratory, 0
	}
	lowered := strings.ToLower(content)
	best := IntentExploratory
	bestHits := 0
	for _, intent := range []Intent{
		IntentProblemSolving, IntentAnalytical, IntentComparative,
		IntentExplanatory, IntentCreative, IntentExploratory,
	} {
		hits := 0
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(lowered, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = intent, hits
		}
	}
	if bestHits == 0 {
		return IntentExploratory, 0.3
	}
	confidence := 0.5 + 0.1*float64(bestHits)
	if confidence > 0.9 {
		confidence = 0.9
	}
	return best, confidence
}

// SynthesizeSessionID builds a fresh time-sortable session id.
func SynthesizeSessionID() string {
	now := time.Now().UTC().Unix()
	return fmt.Sprintf("session_%d_%s", now, hash8(fmt.Sprintf("%d.%d", now, time.Now().UnixNano())))
}

// SynthesizeConversationID builds a fresh conversation id tied to the
// session: base36 unix time, the session hash and a per-process sequence.
func (e *Extractor) SynthesizeConversationID(sessionID string) string {
	seq := atomic.AddUint64(&e.seq, 1) % 1000
	return fmt.Sprintf("conv_%s_%s_%03d",
		strconv.FormatInt(time.Now().UTC().Unix(), 36), hash8(sessionID), seq)
}

func hash8(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// validateOptionalID applies the identifier rules to a field that may be
// empty. SQL comment sequences are rejected even though the character
// class permits hyphens.
func validateOptionalID(field, id string) error {
	if id == "" {
		return nil
	}
	if strings.Contains(id, "--") {
		return errors.Validation("%s contains a SQL comment sequence", field)
	}
	return types.ValidateIdentifier(field, id)
}
