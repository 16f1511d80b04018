// Package financial 把多年度合订的财务报告 PDF 按年度拆分为独立文件。
// 拆分是索引完成后的增强步骤，失败不会影响文件状态。
package financial

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"bidding-kb-go/internal/extractor"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/pkg/log"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

const (
	minYear = 2000
	maxYear = 2030
	// 同一年份至少在这么多页上出现才算一份年度报告。
	minPagesPerYear = 3
	// 每页只看开头的这么多个字符。
	pageScanRunes = 2000
)

var yearPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{4})\s*年度?\s*(?:财务报表|审计报告|年报)`),
	regexp.MustCompile(`(?:财务报表|审计报告|年报).*?(\d{4})\s*年`),
	regexp.MustCompile(`截至\s*(\d{4})\s*年`),
	regexp.MustCompile(`(\d{4})\s*年\s*\d+\s*月\s*\d+\s*日`),
}

// PageSource 提供 PDF 的逐页文本。
type PageSource interface {
	Extract(ctx context.Context, path string, kind model.FileKind) (*extractor.Document, error)
}

// TrimFunc 把 inFile 的 [start, end] 页（1 起始）写入 outFile。
type TrimFunc func(inFile, outFile string, start, end int) error

// YearRange 是检测到的一个年度区间，页码从 1 开始。
type YearRange struct {
	Year      int
	StartPage int
	EndPage   int
}

// PageCount 返回区间页数。
func (r YearRange) PageCount() int { return r.EndPage - r.StartPage + 1 }

// Splitter 对 report 分类的 PDF 执行按年度拆分。
type Splitter struct {
	root    string
	pages   PageSource
	reports repository.FinancialReportRepository
	trim    TrimFunc
}

// NewSplitter 创建拆分器，拆分结果写入 <root>/<file_id>/<year>.pdf。
func NewSplitter(root string, pages PageSource, reports repository.FinancialReportRepository) *Splitter {
	return &Splitter{root: root, pages: pages, reports: reports, trim: pdfcpuTrim}
}

func pdfcpuTrim(inFile, outFile string, start, end int) error {
	return api.TrimFile(inFile, outFile, []string{fmt.Sprintf("%d-%d", start, end)}, nil)
}

// Enrich 在索引完成后调用。非 report 分类或非 PDF 直接返回。
func (s *Splitter) Enrich(ctx context.Context, rec *model.FileRecord) error {
	if rec.Category != model.CategoryReport || rec.Kind != model.KindPDF || rec.ArchivePath == "" {
		return nil
	}
	doc, err := s.pages.Extract(ctx, rec.ArchivePath, rec.Kind)
	if err != nil {
		return fmt.Errorf("read pages: %w", err)
	}
	ranges := DetectYearRanges(doc.Pages)
	if len(ranges) == 0 {
		log.Infof("[Financial] 未检测到年度区间, file_id: %s", rec.ID)
		return s.reports.ReplaceForFile(ctx, rec.ID, nil)
	}

	dir := s.dir(rec.ID)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	reports := make([]*model.FinancialReport, 0, len(ranges))
	for _, r := range ranges {
		out := filepath.Join(dir, strconv.Itoa(r.Year)+".pdf")
		if err := s.trim(rec.ArchivePath, out, r.StartPage, r.EndPage); err != nil {
			return fmt.Errorf("split %d: %w", r.Year, err)
		}
		reports = append(reports, &model.FinancialReport{
			FileID:    rec.ID,
			Year:      r.Year,
			StartPage: r.StartPage,
			EndPage:   r.EndPage,
			PageCount: r.PageCount(),
			Path:      out,
		})
	}
	if err := s.reports.ReplaceForFile(ctx, rec.ID, reports); err != nil {
		return err
	}
	log.Infof("[Financial] 拆分完成, file_id: %s, years: %d", rec.ID, len(reports))
	return nil
}

// Discard 删除文件的拆分产物，数据库记录由调用方在事务内删除。
func (s *Splitter) Discard(rec *model.FileRecord) error {
	return os.RemoveAll(s.dir(rec.ID))
}

func (s *Splitter) dir(fileID string) string {
	return filepath.Join(s.root, fileID)
}

// DetectYearRanges 识别连续出现同一年份的页区间。
// 没有年份的页不打断区间；区间覆盖首末检测页之间的全部页面。
func DetectYearRanges(pages []string) []YearRange {
	var (
		out     []YearRange
		cur     YearRange
		matched int
	)
	flush := func() {
		if matched >= minPagesPerYear {
			out = append(out, cur)
		}
	}
	for i, text := range pages {
		year := pageYear(text)
		if year == 0 {
			continue
		}
		page := i + 1
		if matched > 0 && year == cur.Year {
			cur.EndPage = page
			matched++
			continue
		}
		flush()
		cur = YearRange{Year: year, StartPage: page, EndPage: page}
		matched = 1
	}
	flush()
	return out
}

// pageYear 返回页面开头文本中第一个合理的年份，没有时返回 0。
func pageYear(text string) int {
	if r := []rune(text); len(r) > pageScanRunes {
		text = string(r[:pageScanRunes])
	}
	for _, re := range yearPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			year, err := strconv.Atoi(m[1])
			if err == nil && year >= minYear && year <= maxYear {
				return year
			}
		}
	}
	return 0
}
