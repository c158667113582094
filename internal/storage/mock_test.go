package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldnordic/ltmc/internal/errors"
)

func TestMemGraphDeleteEdgeRemovesOnlyMatchingEdge(t *testing.T) {
	_, _, _, graph, _ := NewMemSet(8)
	ctx := context.Background()

	require.NoError(t, graph.UpsertEdge(ctx, "a", "b", "REFERENCES", nil))
	require.NoError(t, graph.UpsertEdge(ctx, "a", "b", "SUPERSEDES", nil))

	require.NoError(t, graph.DeleteEdge(ctx, "a", "b", "REFERENCES"))

	paths, err := graph.Traverse(ctx, "a", "REFERENCES", DirectionOut, 1)
	require.NoError(t, err)
	assert.Empty(t, paths)

	paths, err = graph.Traverse(ctx, "a", "SUPERSEDES", DirectionOut, 1)
	require.NoError(t, err)
	assert.Len(t, paths, 1)

	// deleting an absent edge is not an error
	assert.NoError(t, graph.DeleteEdge(ctx, "a", "b", "REFERENCES"))
}

func TestMemTraverseEmptyEdgeTypeWalksAnyRelationship(t *testing.T) {
	_, _, _, graph, _ := NewMemSet(8)
	ctx := context.Background()

	require.NoError(t, graph.UpsertEdge(ctx, "a", "b", "REFERENCES", nil))
	require.NoError(t, graph.UpsertEdge(ctx, "a", "c", "SUPERSEDES", nil))

	paths, err := graph.Traverse(ctx, "a", "", DirectionOut, 1)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestMemInsertThoughtRejectsDuplicateStep(t *testing.T) {
	_, sql, _, _, _ := NewMemSet(8)
	ctx := context.Background()

	require.NoError(t, sql.InsertThought(ctx, newTestThought("sess-1", 1, "first")))

	err := sql.InsertThought(ctx, newTestThought("sess-1", 1, "racing append"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindConflict))

	require.NoError(t, sql.InsertThought(ctx, newTestThought("sess-1", 2, "next step")))
	require.NoError(t, sql.InsertThought(ctx, newTestThought("sess-2", 1, "other session")))
}
