package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bidding-kb-go/internal/chapter"
	"bidding-kb-go/internal/extractor"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const outlineDoc = `第一章 招标公告
一、项目概况
本项目为某市道路改造工程。
第二章 投标人须知
1.1 项目说明
投标人应当认真阅读招标文件。`

// seedParsed 直接按章节抽取结果写入一条已解析记录。
func seedParsed(t *testing.T, store *memory.Store, text string) *model.FileRecord {
	t.Helper()
	ctx := context.Background()
	rec := &model.FileRecord{
		ID:               uuid.NewString(),
		OriginalFilename: "a.txt",
		Kind:             model.KindText,
		ContentHash:      sha(text),
		Status:           model.StatusIndexed,
	}
	repos := store.Repositories()
	require.NoError(t, repos.Files.Create(ctx, rec))
	outline := chapter.Extract(text)
	require.NoError(t, repos.Chapters.ReplaceForFile(ctx, rec.ID, chapter.Records(rec.ID, outline.Chapters)))
	return rec
}

func TestCompareChaptersSameBytesHasNoDiff(t *testing.T) {
	store := memory.NewStore()
	a := seedParsed(t, store, outlineDoc)
	b := seedParsed(t, store, outlineDoc)
	svc := NewDiagnosticsService(store.Repositories().Files, store.Repositories().Chapters, nil)

	cmp, err := svc.CompareChapters(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	assert.Nil(t, cmp.FirstDiff)
	assert.Equal(t, cmp.Total1, cmp.Total2)
	assert.Positive(t, cmp.Total1)
}

func TestCompareChaptersReportsFirstDivergence(t *testing.T) {
	store := memory.NewStore()
	a := seedParsed(t, store, outlineDoc)
	b := seedParsed(t, store, strings.Replace(outlineDoc, "第二章 投标人须知", "第二章 评标办法", 1))
	svc := NewDiagnosticsService(store.Repositories().Files, store.Repositories().Chapters, nil)

	cmp, err := svc.CompareChapters(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, cmp.FirstDiff)
	assert.Equal(t, 2, cmp.FirstDiff.Index)
	assert.Equal(t, "投标人须知", cmp.FirstDiff.A.Title)
	assert.Equal(t, "评标办法", cmp.FirstDiff.B.Title)

	_, err = svc.CompareChapters(context.Background(), a.ID, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFirstChapterDiff(t *testing.T) {
	x := model.ChapterSummary{Level: 1, Number: "第一章", Title: "总则", Position: 1}
	y := model.ChapterSummary{Level: 2, Number: "一", Title: "范围", Position: 2}
	z := model.ChapterSummary{Level: 2, Number: "二", Title: "范围", Position: 2}

	tests := []struct {
		name  string
		a, b  []model.ChapterSummary
		index int
		none  bool
	}{
		{"both empty", nil, nil, 0, true},
		{"identical", []model.ChapterSummary{x, y}, []model.ChapterSummary{x, y}, 0, true},
		{"number differs", []model.ChapterSummary{x, y}, []model.ChapterSummary{x, z}, 1, false},
		{"b is a prefix", []model.ChapterSummary{x, y}, []model.ChapterSummary{x}, 1, false},
		{"a is empty", nil, []model.ChapterSummary{x}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := FirstChapterDiff(tt.a, tt.b)
			if tt.none {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.Equal(t, tt.index, d.Index)
		})
	}

	d := FirstChapterDiff([]model.ChapterSummary{x, y}, []model.ChapterSummary{x})
	assert.Equal(t, &y, d.A)
	assert.Nil(t, d.B)
}

func TestExtractPreview(t *testing.T) {
	store := memory.NewStore()
	dir := t.TempDir()
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, "第"+strings.Repeat("行", i%3+1), "")
	}
	text := strings.Join(lines, "\n")
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	rec := &model.FileRecord{ID: "f1", OriginalFilename: "a.txt", Kind: model.KindText, ArchivePath: path, Category: model.CategoryOther}
	require.NoError(t, store.Repositories().Files.Create(context.Background(), rec))
	svc := NewDiagnosticsService(store.Repositories().Files, store.Repositories().Chapters, extractor.New(extractor.Options{}))

	p, err := svc.ExtractPreview(context.Background(), "f1", 0)
	require.NoError(t, err)
	assert.Len(t, p.HeadLines, DefaultPreviewLines)
	assert.Equal(t, "第行", p.HeadLines[0])
	assert.Equal(t, "text", p.Source)
	assert.Equal(t, path, p.FilePath)
	assert.Equal(t, len([]rune(text)), p.ContentLength)

	p, err = svc.ExtractPreview(context.Background(), "f1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"第行", "第行行", "第行行行"}, p.HeadLines)
}

func TestChaptersSummaryOmitsBodies(t *testing.T) {
	store := memory.NewStore()
	rec := seedParsed(t, store, outlineDoc)
	svc := NewDiagnosticsService(store.Repositories().Files, store.Repositories().Chapters, nil)

	sum, err := svc.ChaptersSummary(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, sum.Total, len(sum.Chapters))
	assert.Equal(t, model.ChapterSummary{Level: 1, Number: "第一章", Title: "招标公告", Position: 1}, sum.Chapters[0])
}
