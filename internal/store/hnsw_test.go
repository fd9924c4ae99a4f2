package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHNSW(t *testing.T) *HNSWIndex {
	t.Helper()
	idx, err := NewHNSWIndex(HNSWConfig{Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func axisDocs() ([]*Document, [][]float32) {
	docs := []*Document{
		{ID: "a", LogicalID: "A", ParentID: "p1", Title: "alpha", URL: "https://wiki/pages/100"},
		{ID: "b", LogicalID: "B", ParentID: "p1", Title: "beta", URL: "https://wiki/pages/200"},
		{ID: "c", LogicalID: "C", ParentID: "p2", Title: "gamma", URL: "https://wiki/pages/300"},
	}
	vectors := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	return docs, vectors
}

func TestHNSWIndex_Search_ReturnsNearestFirst(t *testing.T) {
	// Given: three orthogonal documents
	idx := newTestHNSW(t)
	docs, vectors := axisDocs()
	require.NoError(t, idx.Add(context.Background(), docs, vectors))

	// When: searching near the first axis
	hits, err := idx.Search(context.Background(), []float32{0.9, 0.1, 0, 0}, 3, nil)
	require.NoError(t, err)

	// Then: "a" is closest and distances ascend
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].Doc.ID)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
	}
}

func TestHNSWIndex_Add_ReplacesExistingID(t *testing.T) {
	idx := newTestHNSW(t)
	docs, vectors := axisDocs()
	require.NoError(t, idx.Add(context.Background(), docs, vectors))

	// When: "a" is re-added pointing along the fourth axis
	updated := &Document{ID: "a", LogicalID: "A", Title: "alpha v2"}
	require.NoError(t, idx.Add(context.Background(), []*Document{updated}, [][]float32{{0, 0, 0, 1}}))

	// Then: count is unchanged and the new payload is served
	assert.Equal(t, 3, idx.Count())
	hits, err := idx.Search(context.Background(), []float32{0, 0, 0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alpha v2", hits[0].Doc.Title)
}

func TestHNSWIndex_Search_WithFilter(t *testing.T) {
	idx := newTestHNSW(t)
	docs, vectors := axisDocs()
	require.NoError(t, idx.Add(context.Background(), docs, vectors))

	tests := []struct {
		name   string
		filter VectorFilter
		want   []string
	}{
		{name: "parent", filter: VectorFilter{ParentID: "p1"}, want: []string{"a", "b"}},
		{name: "url fragment", filter: VectorFilter{URLContains: "/pages/300"}, want: []string{"c"}},
		{name: "no match", filter: VectorFilter{ParentID: "missing"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 10, &tt.filter)
			require.NoError(t, err)

			var got []string
			for _, h := range hits {
				got = append(got, h.Doc.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHNSWIndex_DimensionMismatch(t *testing.T) {
	idx := newTestHNSW(t)

	err := idx.Add(context.Background(), []*Document{{ID: "x"}}, [][]float32{{1, 2}})
	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)

	_, err = idx.Search(context.Background(), []float32{1}, 1, nil)
	assert.ErrorAs(t, err, &dimErr)
}

func TestHNSWIndex_SaveLoad_RoundTrip(t *testing.T) {
	// Given: a populated index saved to disk
	idx := newTestHNSW(t)
	docs, vectors := axisDocs()
	docs[1].Labels = []string{"spec"}
	require.NoError(t, idx.Add(context.Background(), docs, vectors))

	path := filepath.Join(t.TempDir(), "vectors.hnsw")
	require.NoError(t, idx.Save(path))

	// When: loading it back
	loaded, err := LoadHNSWIndex(path)
	require.NoError(t, err)
	defer func() { _ = loaded.Close() }()

	// Then: documents and payloads survive
	assert.Equal(t, 3, loaded.Count())
	assert.Equal(t, 4, loaded.Dimensions())
	hits, err := loaded.Search(context.Background(), []float32{0, 1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Doc.ID)
	assert.Equal(t, []string{"spec"}, hits[0].Doc.Labels)
}

func TestHNSWIndex_Closed(t *testing.T) {
	idx, err := NewHNSWIndex(HNSWConfig{Dimensions: 4})
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, err = idx.Search(context.Background(), []float32{1, 0, 0, 0}, 1, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, idx.Count())
}
