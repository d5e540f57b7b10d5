package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/update"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func rawString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func TestDocumentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := update.Document{"_id": rawString("d1"), "name": rawString("alice")}
	require.NoError(t, s.StoreDocument(ctx, "users", doc))

	got, err := s.GetDocument(ctx, "users", "d1")
	require.NoError(t, err)
	require.Equal(t, "alice", mustDecode(t, got["name"]))

	_, err = s.GetDocument(ctx, "users", "missing")
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func mustDecode(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var v string
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestGetMatchingDocuments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.StoreDocument(ctx, "users", update.Document{"_id": rawString("d1"), "team": rawString("core")}))
	require.NoError(t, s.StoreDocument(ctx, "users", update.Document{"_id": rawString("d2"), "team": rawString("core")}))
	require.NoError(t, s.StoreDocument(ctx, "users", update.Document{"_id": rawString("d3"), "team": rawString("infra")}))

	matches, err := s.GetMatchingDocuments(ctx, "users", "team", "core")
	require.NoError(t, err)
	require.Len(t, matches, 2)
}

func TestDeleteDocumentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.DeleteDocument(ctx, "users", "does-not-exist"))
}

func TestDeleteAllDocuments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.StoreDocument(ctx, "users", update.Document{"_id": rawString("d1")}))
	require.NoError(t, s.StoreDocument(ctx, "users", update.Document{"_id": rawString("d2")}))
	require.NoError(t, s.DeleteAllDocuments(ctx, "users"))

	all, err := s.GetAllDocuments(ctx, "users")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestBlockRoundTripSmallAndLarge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	small := update.New(update.NewBlockIDSet(), []update.Update{
		update.NewField(1, "x", "d1", "f", rawString("A")),
	})
	require.NoError(t, s.StoreBlock(ctx, small))
	got, err := s.GetBlock(ctx, small.ID)
	require.NoError(t, err)
	require.Equal(t, small.Data, got.Data)

	bigValue, _ := json.Marshal(make([]byte, compressThreshold*2))
	large := update.New(update.NewBlockIDSet(small.ID), []update.Update{
		update.NewField(2, "x", "d2", "f", bigValue),
	})
	require.NoError(t, s.StoreBlock(ctx, large))
	gotLarge, err := s.GetBlock(ctx, large.ID)
	require.NoError(t, err)
	require.Equal(t, large.Data, gotLarge.Data)
	require.True(t, gotLarge.PrevBlocks.Has(small.ID))
}

func TestHeadRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	empty, err := s.GetHeadRecord(ctx)
	require.NoError(t, err)
	require.Empty(t, empty)

	heads := update.NewBlockIDSet("a", "b")
	require.NoError(t, s.StoreHeadRecord(ctx, heads))

	got, err := s.GetHeadRecord(ctx)
	require.NoError(t, err)
	require.Equal(t, heads, got)
}
