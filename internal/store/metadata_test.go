package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetadata(t *testing.T) *SQLiteMetadata {
	t.Helper()
	m, err := NewSQLiteMetadata(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSQLiteMetadata_BatchGet_PreservesOrder(t *testing.T) {
	// Given: three stored documents
	m := newTestMetadata(t)
	updated := time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)
	docs := []*Document{
		{ID: "1", LogicalID: "L1", Title: "first", Labels: []string{"spec", "faq"}, LastUpdated: updated},
		{ID: "2", LogicalID: "L2", Title: "second", ChunkIndex: 1, ChunkCount: 3},
		{ID: "3", LogicalID: "L3", Title: "third", Category: "meeting", Confidence: 0.8},
	}
	require.NoError(t, m.Put(context.Background(), docs))

	// When: fetching in a different order with an unknown id
	got, err := m.BatchGet(context.Background(), []string{"3", "missing", "1", "2"})
	require.NoError(t, err)

	// Then: input order is kept and unknown ids are skipped
	require.Len(t, got, 3)
	assert.Equal(t, "3", got[0].ID)
	assert.Equal(t, "1", got[1].ID)
	assert.Equal(t, "2", got[2].ID)

	// And: all fields round-trip
	assert.Equal(t, []string{"spec", "faq"}, got[1].Labels)
	assert.True(t, updated.Equal(got[1].LastUpdated))
	assert.Equal(t, 3, got[2].ChunkCount)
	assert.Equal(t, "meeting", got[0].Category)
	assert.InDelta(t, 0.8, got[0].Confidence, 1e-9)
	assert.Nil(t, got[2].Labels)
}

func TestSQLiteMetadata_Put_Replaces(t *testing.T) {
	m := newTestMetadata(t)
	require.NoError(t, m.Put(context.Background(), []*Document{{ID: "1", LogicalID: "L1", Title: "old"}}))
	require.NoError(t, m.Put(context.Background(), []*Document{{ID: "1", LogicalID: "L1", Title: "new"}}))

	n, err := m.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.BatchGet(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, "new", got[0].Title)
}

func TestSQLiteMetadata_FindByTitleSubstring(t *testing.T) {
	m := newTestMetadata(t)
	require.NoError(t, m.Put(context.Background(), []*Document{
		{ID: "1", LogicalID: "L1", Title: "164_教室削除機能"},
		{ID: "2", LogicalID: "L2", Title: "教室削除"},
		{ID: "3", LogicalID: "L3", Title: "時間割"},
		{ID: "4", LogicalID: "L4", Title: "Classroom Delete"},
	}))

	got, err := m.FindByTitleSubstring(context.Background(), "教室削除", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID, "shorter title first")
	assert.Equal(t, "1", got[1].ID)

	got, err = m.FindByTitleSubstring(context.Background(), "classroom", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "4", got[0].ID)

	got, err = m.FindByTitleSubstring(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteMetadata_OnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.db")

	m, err := NewSQLiteMetadata(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, m.Put(context.Background(), []*Document{{ID: "1", LogicalID: "L1"}}))
	require.NoError(t, m.Close())

	reopened, err := NewSQLiteMetadata(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
