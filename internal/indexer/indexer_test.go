package indexer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	failOn string
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, errors.New("upstream 503")
	}
	return []float32{float32(len(text)), 1, 0, 0}, nil
}

func (f *fakeEmbedder) Model() string   { return "fake-embed" }
func (f *fakeEmbedder) Dimensions() int { return 4 }

type fakeVectors struct {
	mu        sync.Mutex
	docs      map[string]model.EsDocument
	upserts   int
	failWrite bool
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{docs: map[string]model.EsDocument{}}
}

func (f *fakeVectors) Upsert(_ context.Context, docs []model.EsDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failWrite {
		return errors.New("es unavailable")
	}
	for _, d := range docs {
		f.docs[d.VectorID] = d
	}
	return nil
}

func (f *fakeVectors) DeleteByFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, d := range f.docs {
		if d.FileID == fileID {
			delete(f.docs, id)
		}
	}
	return nil
}

func (f *fakeVectors) count(fileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.docs {
		if d.FileID == fileID {
			n++
		}
	}
	return n
}

func testChapters() []model.ChapterRecord {
	long := strings.Repeat("投标人必须按评分标准提交技术方案。", 4)
	return []model.ChapterRecord{
		{ID: 11, FileID: "f1", Position: 1, Level: 1, Number: "1", Title: "总体要求", OwnText: long},
		{ID: 12, FileID: "f1", Position: 2, Level: 2, Number: "1.1", Title: "短章节", OwnText: "太短"},
		{ID: 13, FileID: "f1", Position: 3, Level: 3, Number: "1.1.1", Title: "施工组织", OwnText: strings.Repeat("施工组织设计内容说明。", 6)},
	}
}

func newTestIndexer(emb *fakeEmbedder, vec *fakeVectors, store *memory.Store) *Indexer {
	return New(emb, vec, store, RuneCounter{}, Options{ChunkSize: 512, MinBodyLength: 40})
}

func TestPrepareSkipsShortChapters(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := newTestIndexer(emb, newFakeVectors(), memory.NewStore())
	file := &model.FileRecord{ID: "f1", Category: model.CategoryTender}

	p, err := ix.Prepare(context.Background(), file, testChapters())
	require.NoError(t, err)
	require.Len(t, p.Entries, 2)
	assert.Equal(t, 2, emb.calls)

	first := p.Entries[0]
	assert.Equal(t, "1-0", first.ChunkKey)
	assert.Equal(t, "总体要求", first.Title)
	assert.Equal(t, model.CategoryTender, first.Category)
	assert.Equal(t, uint(11), *first.ChapterID)
	assert.Equal(t, "fake-embed", first.EmbeddingModel)
	assert.Equal(t, 4, first.Dimensions)
	assert.InDelta(t, 1.0, first.Importance, 1e-9)
	assert.NotEmpty(t, first.KeywordList())

	assert.Equal(t, "3-0", p.Entries[1].ChunkKey)
	assert.Equal(t, "f1_3-0", p.Docs[1].VectorID)
	assert.InDelta(t, 0.5, p.Entries[1].Importance, 1e-9)
}

func TestPrepareSuffixesMultiChunkTitles(t *testing.T) {
	ix := New(&fakeEmbedder{}, newFakeVectors(), memory.NewStore(), RuneCounter{}, Options{ChunkSize: 30, MinBodyLength: 10})
	body := strings.Repeat("第一段落的文字内容说明。\n", 6)
	chapters := []model.ChapterRecord{{ID: 1, FileID: "f2", Position: 4, Level: 1, Title: "资格要求", OwnText: body}}

	p, err := ix.Prepare(context.Background(), &model.FileRecord{ID: "f2"}, chapters)
	require.NoError(t, err)
	require.Greater(t, len(p.Entries), 1)
	assert.Equal(t, "资格要求#1", p.Entries[0].Title)
	assert.Equal(t, "4-0", p.Entries[0].ChunkKey)
	assert.Equal(t, "4-1", p.Entries[1].ChunkKey)
}

func TestPrepareEmbedFailure(t *testing.T) {
	emb := &fakeEmbedder{failOn: "施工组织"}
	ix := newTestIndexer(emb, newFakeVectors(), memory.NewStore())

	_, err := ix.Prepare(context.Background(), &model.FileRecord{ID: "f1"}, testChapters())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIndex)
	assert.Contains(t, err.Error(), "3-0")
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	vec := newFakeVectors()
	ix := newTestIndexer(&fakeEmbedder{}, vec, store)
	file := &model.FileRecord{ID: "f1", Category: model.CategoryTender}

	for i := 0; i < 2; i++ {
		p, err := ix.Prepare(ctx, file, testChapters())
		require.NoError(t, err)
		require.NoError(t, ix.Commit(ctx, p))
	}

	n, err := store.Repositories().Knowledge.CountByFile(ctx, "f1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 2, vec.count("f1"))
}

func TestCommitFailurePurges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	vec := newFakeVectors()
	ix := newTestIndexer(&fakeEmbedder{}, vec, store)
	file := &model.FileRecord{ID: "f1"}

	p, err := ix.Prepare(ctx, file, testChapters())
	require.NoError(t, err)

	vec.failWrite = true
	err = ix.Commit(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIndex)

	n, err := store.Repositories().Knowledge.CountByFile(ctx, "f1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, vec.count("f1"))
}

func TestPurgeLeavesOtherFiles(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	vec := newFakeVectors()
	ix := newTestIndexer(&fakeEmbedder{}, vec, store)

	for _, id := range []string{"a", "b"} {
		chapters := testChapters()
		for i := range chapters {
			chapters[i].FileID = id
		}
		p, err := ix.Prepare(ctx, &model.FileRecord{ID: id}, chapters)
		require.NoError(t, err)
		require.NoError(t, ix.Commit(ctx, p))
	}

	require.NoError(t, ix.Purge(ctx, "a"))
	assert.Zero(t, vec.count("a"))
	assert.Equal(t, 2, vec.count("b"))
	n, _ := store.Repositories().Knowledge.CountByFile(ctx, "b")
	assert.EqualValues(t, 2, n)
}

func TestChunkerBudget(t *testing.T) {
	c := NewChunker(RuneCounter{}, 10, 0)
	chunks := c.Split("一二三四五\n六七八九十\n甲乙丙丁戊")
	assert.Equal(t, []string{"一二三四五\n六七八九十", "甲乙丙丁戊"}, chunks)
}

func TestChunkerOverlap(t *testing.T) {
	c := NewChunker(RuneCounter{}, 10, 4)
	chunks := c.Split("一二三四五六\n七八九\n甲乙丙丁戊")
	require.Len(t, chunks, 2)
	assert.Equal(t, "一二三四五六\n七八九", chunks[0])
	assert.Equal(t, "七八九\n甲乙丙丁戊", chunks[1])
}

func TestChunkerHardSplit(t *testing.T) {
	c := NewChunker(RuneCounter{}, 10, 0)
	chunks := c.Split(strings.Repeat("字", 25))
	require.Len(t, chunks, 3)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch)), 10)
	}
	assert.Equal(t, strings.Repeat("字", 25), strings.Join(chunks, ""))
}

func TestChunkerKeepsParagraphUnderOneAndHalfBudget(t *testing.T) {
	c := NewChunker(RuneCounter{}, 10, 0)
	chunks := c.Split(strings.Repeat("字", 14))
	assert.Equal(t, []string{strings.Repeat("字", 14)}, chunks)
}

func TestChunkerEmpty(t *testing.T) {
	assert.Nil(t, NewChunker(RuneCounter{}, 10, 2).Split(" \n\n "))
}

func TestKeywords(t *testing.T) {
	kw := Keywords("投标保证金 投标保证金 ISO9001 iso9001 的了")
	require.NotEmpty(t, kw)
	assert.Equal(t, "iso9001", kw[0])
	assert.Contains(t, kw, "投标")
	assert.LessOrEqual(t, len(kw), 5)
	assert.NotContains(t, kw, "的了")
}

func TestImportance(t *testing.T) {
	cases := []struct {
		name    string
		title   string
		content string
		level   int
		want    float64
	}{
		{"plain deep", "说明", "一般性描述", 3, 0.5},
		{"mandatory", "说明", "投标人不得转包", 3, 0.7},
		{"scoring shallow", "评分办法", "技术分", 1, 0.8},
		{"all", "★实质性条款", "评分因素", 2, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Importance(tc.title, tc.content, tc.level), 1e-9)
		})
	}
}
