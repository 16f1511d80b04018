package service

import (
	"context"
	"errors"
	"testing"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/repository/memory"
	"bidding-kb-go/pkg/es"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct{ err error }

func (s stubEmbedder) CreateEmbedding(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0, 0}, nil
}
func (stubEmbedder) Model() string   { return "stub" }
func (stubEmbedder) Dimensions() int { return 3 }

type stubSearcher struct {
	hits     []es.Hit
	k        int
	category string
}

func (s *stubSearcher) Search(_ context.Context, _ []float32, k int, category string) ([]es.Hit, error) {
	s.k, s.category = k, category
	return s.hits, nil
}

func hit(fileID, key string, score float64) es.Hit {
	return es.Hit{Doc: model.EsDocument{FileID: fileID, ChunkKey: key, Title: key}, Score: score}
}

func TestSearchFiltersAndSortsBySimilarity(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.Repositories().Files.Create(context.Background(),
		&model.FileRecord{ID: "f1", OriginalFilename: "招标文件.pdf", Status: model.StatusIndexed}))
	searcher := &stubSearcher{hits: []es.Hit{
		hit("f1", "1-0", 0.80),
		hit("f1", "2-0", 0.95),
		hit("f2", "3-0", 0.55),
	}}
	svc := NewKnowledgeService(store.Repositories(), stubEmbedder{}, searcher)

	res, err := svc.Search(context.Background(), SearchQuery{Query: " 资格要求 ", MinSimilarity: 0.5, Category: "tender"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "2-0", res[0].ChunkKey)
	assert.InDelta(t, 0.9, res[0].Similarity, 1e-9)
	assert.Equal(t, "1-0", res[1].ChunkKey)
	assert.Equal(t, "招标文件.pdf", res[0].FileName)
	assert.Equal(t, DefaultSearchLimit, searcher.k)
	assert.Equal(t, "tender", searcher.category)
}

func TestSearchLimitsAndErrors(t *testing.T) {
	store := memory.NewStore()
	searcher := &stubSearcher{}
	svc := NewKnowledgeService(store.Repositories(), stubEmbedder{}, searcher)
	ctx := context.Background()

	_, err := svc.Search(ctx, SearchQuery{Query: "q", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, MaxSearchLimit, searcher.k)

	_, err = svc.Search(ctx, SearchQuery{Query: "  "})
	assert.Error(t, err)
	_, err = svc.Search(ctx, SearchQuery{Query: "q", Category: "invoice"})
	assert.Error(t, err)

	failing := NewKnowledgeService(store.Repositories(), stubEmbedder{err: errors.New("429")}, searcher)
	_, err = failing.Search(ctx, SearchQuery{Query: "q"})
	assert.ErrorContains(t, err, "429")
}

func TestListEntriesAndStatistics(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	repos := store.Repositories()
	require.NoError(t, repos.Files.Create(ctx, &model.FileRecord{ID: "f1", Status: model.StatusIndexed, Category: model.CategoryTender}))
	require.NoError(t, repos.Files.Create(ctx, &model.FileRecord{ID: "f2", Status: model.StatusDeleted, Category: model.CategoryReport}))
	var entries []*model.KnowledgeEntry
	for _, key := range []string{"1-0", "2-0", "3-0"} {
		entries = append(entries, &model.KnowledgeEntry{FileID: "f1", ChunkKey: key, Category: model.CategoryTender})
	}
	require.NoError(t, repos.Knowledge.BatchCreate(ctx, entries))
	svc := NewKnowledgeService(repos, stubEmbedder{}, &stubSearcher{})

	page, err := svc.ListEntries(ctx, repository.KnowledgeFilter{FileID: "f1"}, 2, -1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 0, page.Offset)

	page, err = svc.ListEntries(ctx, repository.KnowledgeFilter{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultListLimit, page.Limit)

	st, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.TotalFiles)
	assert.EqualValues(t, 3, st.TotalEntries)
	assert.EqualValues(t, 1, st.ByStatus[model.StatusDeleted])
	assert.EqualValues(t, 3, st.EntriesByCategory[model.CategoryTender])
}
