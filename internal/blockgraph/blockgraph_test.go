package blockgraph

import (
	"context"
	"testing"

	"github.com/i5heu/blocksync/internal/storage"
	"github.com/i5heu/blocksync/pkg/update"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newGraph(t *testing.T) *Graph {
	t.Helper()
	store, err := storage.Open(t.TempDir(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	g := New(store)
	require.NoError(t, g.LoadHeadBlocks(context.Background()))
	return g
}

func TestCommitSetsHeadsToNewBlock(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)

	block, err := g.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", rawVal("A"))})
	require.NoError(t, err)
	require.Empty(t, block.PrevBlocks)

	heads := g.GetHeadBlockIds()
	require.Len(t, heads, 1)
	require.True(t, heads.Has(block.ID))
}

func TestCommitWithMultipleHeadsProducesMergeBlock(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)

	a := mustIntegrate(t, g, update.New(update.NewBlockIDSet(), []update.Update{update.NewField(1, "x", "d1", "f", rawVal("A"))}))
	b := mustIntegrate(t, g, update.New(update.NewBlockIDSet(), []update.Update{update.NewField(2, "x", "d2", "f", rawVal("B"))}))

	require.Len(t, g.GetHeadBlockIds(), 2)

	merge, err := g.Commit(ctx, []update.Update{update.NewField(3, "x", "d3", "f", rawVal("C"))})
	require.NoError(t, err)
	require.True(t, merge.PrevBlocks.Has(a.ID))
	require.True(t, merge.PrevBlocks.Has(b.ID))

	heads := g.GetHeadBlockIds()
	require.Len(t, heads, 1)
	require.True(t, heads.Has(merge.ID))
}

func TestIntegrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)

	block := update.New(update.NewBlockIDSet(), []update.Update{update.NewField(1, "x", "d1", "f", rawVal("A"))})
	require.NoError(t, g.Integrate(ctx, block))
	headsAfterFirst := g.GetHeadBlockIds()

	require.NoError(t, g.Integrate(ctx, block))
	headsAfterSecond := g.GetHeadBlockIds()

	require.Equal(t, headsAfterFirst, headsAfterSecond)
}

func TestIntegrateRemovesParentsFromHeadSet(t *testing.T) {
	ctx := context.Background()
	g := newGraph(t)

	a := mustIntegrate(t, g, update.New(update.NewBlockIDSet(), []update.Update{update.NewField(1, "x", "d1", "f", rawVal("A"))}))
	c := update.New(update.NewBlockIDSet(a.ID), []update.Update{update.NewField(2, "x", "d1", "f", rawVal("B"))})
	require.NoError(t, g.Integrate(ctx, c))

	heads := g.GetHeadBlockIds()
	require.Len(t, heads, 1)
	require.True(t, heads.Has(c.ID))
	require.False(t, heads.Has(a.ID))
}

func TestHasBlockFetchesThroughToStorage(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(t.TempDir(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	g1 := New(store)
	require.NoError(t, g1.LoadHeadBlocks(ctx))
	block, err := g1.Commit(ctx, []update.Update{update.NewField(1, "x", "d1", "f", rawVal("A"))})
	require.NoError(t, err)

	g2 := New(store)
	require.NoError(t, g2.LoadHeadBlocks(ctx))
	has, err := g2.HasBlock(ctx, block.ID)
	require.NoError(t, err)
	require.True(t, has)

	has, err = g2.HasBlock(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, has)
}

func mustIntegrate(t *testing.T, g *Graph, b update.Block) update.Block {
	t.Helper()
	require.NoError(t, g.Integrate(context.Background(), b))
	return b
}

func rawVal(s string) []byte {
	return []byte(`"` + s + `"`)
}
