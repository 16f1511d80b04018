package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"bidding-kb-go/internal/extractor"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"

	"github.com/samber/lo"
)

// DefaultPreviewLines 是文本预览默认返回的非空行数。
const DefaultPreviewLines = 80

// TextExtractor 重新提取归档文件的文本。
type TextExtractor interface {
	Extract(ctx context.Context, path string, kind model.FileKind) (*extractor.Document, error)
}

// ChaptersSummary 是单个文件的章节摘要。
type ChaptersSummary struct {
	FileID   string                 `json:"file_id"`
	Total    int                    `json:"total"`
	Chapters []model.ChapterSummary `json:"chapters"`
}

// ExtractPreview 是重新提取文本后的预览。
type ExtractPreview struct {
	FileID        string         `json:"file_id"`
	Filename      string         `json:"filename"`
	FilePath      string         `json:"file_path"`
	Category      model.Category `json:"category"`
	Source        string         `json:"source"`
	ContentLength int            `json:"content_length"`
	HeadLines     []string       `json:"head_lines"`
}

// ChapterDifference 是两个章节序列第一处不一致的位置，缺失的一侧为 nil。
type ChapterDifference struct {
	Index int                   `json:"index"`
	A     *model.ChapterSummary `json:"a"`
	B     *model.ChapterSummary `json:"b"`
}

// ChapterComparison 是两个文件章节序列的对比结果。
type ChapterComparison struct {
	FileID1   string             `json:"file_id1"`
	FileID2   string             `json:"file_id2"`
	Total1    int                `json:"total1"`
	Total2    int                `json:"total2"`
	FirstDiff *ChapterDifference `json:"first_diff"`
}

// DiagnosticsService 提供排查解析不确定性的只读操作。
type DiagnosticsService interface {
	ChaptersSummary(ctx context.Context, fileID string) (*ChaptersSummary, error)
	ExtractPreview(ctx context.Context, fileID string, maxLines int) (*ExtractPreview, error)
	CompareChapters(ctx context.Context, fileID1, fileID2 string) (*ChapterComparison, error)
}

type diagnosticsService struct {
	files     repository.FileRepository
	chapters  repository.ChapterRepository
	extractor TextExtractor
}

// NewDiagnosticsService 创建一个新的 DiagnosticsService 实例。
func NewDiagnosticsService(files repository.FileRepository, chapters repository.ChapterRepository, ex TextExtractor) DiagnosticsService {
	return &diagnosticsService{files: files, chapters: chapters, extractor: ex}
}

func (s *diagnosticsService) ChaptersSummary(ctx context.Context, fileID string) (*ChaptersSummary, error) {
	summaries, err := s.summaries(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &ChaptersSummary{FileID: fileID, Total: len(summaries), Chapters: summaries}, nil
}

func (s *diagnosticsService) summaries(ctx context.Context, fileID string) ([]model.ChapterSummary, error) {
	if _, err := s.files.FindByID(ctx, fileID); err != nil {
		return nil, err
	}
	rows, err := s.chapters.ListByFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(c model.ChapterRecord, _ int) model.ChapterSummary { return c.Summary() }), nil
}

// ExtractPreview 优先读取归档文件，尚未归档时读取临时文件。
func (s *diagnosticsService) ExtractPreview(ctx context.Context, fileID string, maxLines int) (*ExtractPreview, error) {
	rec, err := s.files.FindByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if maxLines <= 0 {
		maxLines = DefaultPreviewLines
	}
	path := lo.Ternary(rec.ArchivePath != "", rec.ArchivePath, rec.TempPath)
	if path == "" {
		return nil, errors.New("file has neither archive nor temp path")
	}
	doc, err := s.extractor.Extract(ctx, path, rec.Kind)
	if err != nil {
		return nil, err
	}

	head := make([]string, 0, maxLines)
	for _, line := range strings.Split(doc.Text, "\n") {
		if len(head) >= maxLines {
			break
		}
		if strings.TrimSpace(line) != "" {
			head = append(head, line)
		}
	}
	return &ExtractPreview{
		FileID:        rec.ID,
		Filename:      rec.OriginalFilename,
		FilePath:      path,
		Category:      rec.Category,
		Source:        doc.Source,
		ContentLength: utf8.RuneCountInString(doc.Text),
		HeadLines:     head,
	}, nil
}

func (s *diagnosticsService) CompareChapters(ctx context.Context, fileID1, fileID2 string) (*ChapterComparison, error) {
	a, err := s.summaries(ctx, fileID1)
	if err != nil {
		return nil, err
	}
	b, err := s.summaries(ctx, fileID2)
	if err != nil {
		return nil, err
	}
	return &ChapterComparison{
		FileID1:   fileID1,
		FileID2:   fileID2,
		Total1:    len(a),
		Total2:    len(b),
		FirstDiff: FirstChapterDiff(a, b),
	}, nil
}

// FirstChapterDiff 返回第一个 level、number 或 title 不一致的位置。
// 一侧是另一侧的前缀时，差异位于较短一侧的末尾之后。
func FirstChapterDiff(a, b []model.ChapterSummary) *ChapterDifference {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i].Level != b[i].Level || a[i].Number != b[i].Number || a[i].Title != b[i].Title {
			return &ChapterDifference{Index: i, A: &a[i], B: &b[i]}
		}
	}
	if len(a) == len(b) {
		return nil
	}
	d := &ChapterDifference{Index: n}
	if n < len(a) {
		d.A = &a[n]
	}
	if n < len(b) {
		d.B = &b[n]
	}
	return d
}
