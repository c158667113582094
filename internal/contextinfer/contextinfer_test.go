package contextinfer

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/pkg/types"
)

func newExtractor(t *testing.T) (*Extractor, *storage.MemTransactionalStore) {
	t.Helper()
	_, sql, _, _, _ := storage.NewMemSet(8)
	return New(sql, logging.Default()), sql
}

func seedThought(t *testing.T, sql *storage.MemTransactionalStore, session string, step int) *types.Thought {
	t.Helper()
	content := "seeded step"
	th := &types.Thought{
		ULID:        ulid.Make().String(),
		SessionID:   session,
		Content:     content,
		ContentHash: types.HashContent(content),
		StepNumber:  step,
		Type:        types.ThoughtTypeIntermediate,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, sql.InsertThought(context.Background(), th))
	return th
}

func TestExplicitFieldsWinAndScoreHighest(t *testing.T) {
	e, _ := newExtractor(t)

	out, err := e.Resolve(context.Background(), &Request{
		SessionID:      "sess-1",
		ConversationID: "conv-1",
		AgentName:      "refactorer",
		StepNumber:     1,
		Transport:      Hints{ClientSessionID: "ignored", CorrelationID: "ignored"},
		Host:           &HostState{SessionID: "ignored"},
		Content:        "analyze the allocation profile",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", out.SessionID)
	assert.Equal(t, "conv-1", out.ConversationID)
	assert.Equal(t, SourceExplicit, out.Sources["session_id"])
	assert.Equal(t, SourceExplicit, out.Sources["conversation_id"])
	assert.Equal(t, SourceExplicit, out.Sources["agent_name"])
	assert.Equal(t, IntentAnalytical, out.Intent)
	assert.Greater(t, out.Confidence, 0.5)
}

func TestTransportBeatsHost(t *testing.T) {
	e, _ := newExtractor(t)

	out, err := e.Resolve(context.Background(), &Request{
		Transport: Hints{ClientSessionID: "transport-sess"},
		Host:      &HostState{SessionID: "host-sess"},
		Content:   "anything",
	})
	require.NoError(t, err)
	assert.Equal(t, "transport-sess", out.SessionID)
	assert.Equal(t, SourceTransport, out.Sources["session_id"])
}

func TestRecentSessionRecovery(t *testing.T) {
	e, sql := newExtractor(t)

	seedThought(t, sql, "recent-sess", 1)

	out, err := e.Resolve(context.Background(), &Request{Content: "continue the work"})
	require.NoError(t, err)
	assert.Equal(t, "recent-sess", out.SessionID)
	assert.Equal(t, SourceRecovered, out.Sources["session_id"])
	assert.Equal(t, 2, out.StepNumber)
	assert.NotEmpty(t, out.PreviousThoughtID)
}

func TestFreshSynthesisFormats(t *testing.T) {
	e, _ := newExtractor(t)

	out, err := e.Resolve(context.Background(), &Request{Content: "start from nothing"})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^session_\d+_[0-9a-f]{8}$`), out.SessionID)
	assert.Regexp(t, regexp.MustCompile(`^conv_[0-9a-z]+_[0-9a-f]{8}_\d{3}$`), out.ConversationID)
	assert.Equal(t, SourceSynthesized, out.Sources["session_id"])
	assert.Equal(t, SourceSynthesized, out.Sources["conversation_id"])
	assert.Equal(t, 1, out.StepNumber)
}

func TestConversationSequenceIncrements(t *testing.T) {
	e, _ := newExtractor(t)

	a := e.SynthesizeConversationID("sess-1")
	b := e.SynthesizeConversationID("sess-1")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `_001$`, a)
	assert.Regexp(t, `_002$`, b)
}

func TestChainRecoveryExact(t *testing.T) {
	e, sql := newExtractor(t)

	prev := seedThought(t, sql, "sess-1", 2)

	out, err := e.Resolve(context.Background(), &Request{
		SessionID:  "sess-1",
		StepNumber: 3,
		Content:    "keep going",
	})
	require.NoError(t, err)
	assert.Equal(t, prev.ULID, out.PreviousThoughtID)
	assert.Equal(t, "exact", out.Recovery)
	assert.Equal(t, SourceRecovered, out.Sources["previous_thought_id"])
}

func TestChainRecoveryApproximate(t *testing.T) {
	e, sql := newExtractor(t)

	// no thought at step 4, only an older one
	latest := seedThought(t, sql, "sess-1", 2)

	out, err := e.Resolve(context.Background(), &Request{
		SessionID:  "sess-1",
		StepNumber: 5,
		Content:    "jumped ahead",
	})
	require.NoError(t, err)
	assert.Equal(t, latest.ULID, out.PreviousThoughtID)
	assert.Equal(t, "approximate", out.Recovery)
}

func TestChainRecoveryEmptySession(t *testing.T) {
	e, _ := newExtractor(t)

	out, err := e.Resolve(context.Background(), &Request{
		SessionID:  "sess-1",
		StepNumber: 2,
		Content:    "no chain exists",
	})
	require.NoError(t, err)
	assert.Empty(t, out.PreviousThoughtID)
	assert.Empty(t, out.Recovery)
}

func TestIntentClassification(t *testing.T) {
	cases := []struct {
		content string
		want    Intent
	}{
		{"fix the bug in the deploy script", IntentProblemSolving},
		{"analyze and benchmark the hot path", IntentAnalytical},
		{"compare redis versus memcached tradeoffs", IntentComparative},
		{"explain how does the scheduler work", IntentExplanatory},
		{"design and brainstorm a new layout", IntentCreative},
		{"investigate and explore the options", IntentExploratory},
		{"completely neutral sentence", IntentExploratory},
	}
	for _, tc := range cases {
		intent, _ := ClassifyIntent(tc.content)
		assert.Equal(t, tc.want, intent, "content %q", tc.content)
	}

	_, neutral := ClassifyIntent("completely neutral sentence")
	_, strong := ClassifyIntent("fix the bug and debug the error")
	assert.Less(t, neutral, strong)

	intent, zero := ClassifyIntent("")
	assert.Equal(t, IntentExploratory, intent)
	assert.Zero(t, zero)
}

func TestConfidenceClampedToOne(t *testing.T) {
	e, sql := newExtractor(t)
	seedThought(t, sql, "sess-1", 1)

	out, err := e.Resolve(context.Background(), &Request{
		SessionID:      "sess-1",
		ConversationID: "conv-1",
		AgentName:      "agent",
		StepNumber:     0,
		Content:        "fix the broken error handling bug",
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, out.Confidence, 1.0)
	assert.GreaterOrEqual(t, out.Confidence, 0.0)
}

func TestIdentifierValidation(t *testing.T) {
	e, _ := newExtractor(t)
	ctx := context.Background()

	_, err := e.Resolve(ctx, &Request{SessionID: "has spaces", Content: "x"})
	assert.True(t, errors.Is(err, errors.KindValidation))

	_, err = e.Resolve(ctx, &Request{SessionID: "sess--drop", Content: "x"})
	assert.True(t, errors.Is(err, errors.KindValidation), "SQL comment sequence rejected")

	_, err = e.Resolve(ctx, &Request{Transport: Hints{ClientSessionID: "bad;id"}, Content: "x"})
	assert.True(t, errors.Is(err, errors.KindValidation))
}
