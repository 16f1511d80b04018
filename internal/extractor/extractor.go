// Package extractor 把磁盘上的文件解码为规范化的 UTF-8 文本，并附带表格与内嵌图片。
// 同样的字节和同样的库版本下，输出逐字节一致；提取器不持有跨调用的可变状态。
package extractor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/pkg/log"
)

// TextFallback 是外部文本提取服务（Apache Tika）的抽象。
type TextFallback interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// Options 配置提取器。
type Options struct {
	// Tika 为 nil 时 .doc 不受支持，PDF 也没有兜底。
	Tika       TextFallback
	CPUWorkers int
	ImagesDir  string
}

// Extractor 负责文本、表格和图片的提取。
type Extractor struct {
	tika      TextFallback
	slots     chan struct{}
	imagesDir string
}

// Document 是一次提取的结果。
type Document struct {
	Text      string
	Pages     []string // 仅 PDF，按页的 pdfcpu 文本
	PageCount int
	Tables    []Table
	Source    string // pdfcpu / tika / docx / text
}

const (
	// 低于该平均值（非空白字符/页）时认为 pdfcpu 没有拿到可用文本。
	minRunesPerPage = 20
	// 乱码字符占比超过该值时认为字形码没有被正确解码。
	maxGarbageRatio = 0.1
)

// New 创建一个提取器。
func New(opts Options) *Extractor {
	workers := opts.CPUWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Extractor{
		tika:      opts.Tika,
		slots:     make(chan struct{}, workers),
		imagesDir: opts.ImagesDir,
	}
}

// KindForExt 按扩展名识别文件类型，ext 可以带或不带前导点。
func KindForExt(ext string) (model.FileKind, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "pdf":
		return model.KindPDF, nil
	case "docx", "doc":
		return model.KindOffice, nil
	case "txt", "md":
		return model.KindText, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, ext)
}

// acquire 占用一个 CPU 槽位，返回释放函数。
func (e *Extractor) acquire(ctx context.Context) (func(), error) {
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Extract 提取规范文本及表格。
func (e *Extractor) Extract(ctx context.Context, path string, kind model.FileKind) (*Document, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := os.Stat(path); err != nil {
		return nil, &IOError{Path: path, Err: err}
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch kind {
	case model.KindPDF:
		return e.extractPDF(ctx, path)
	case model.KindOffice:
		if ext == ".doc" {
			return e.extractViaTika(ctx, path)
		}
		return extractDocx(path)
	case model.KindText:
		return extractPlainText(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
}

// ExtractText 返回规范文本。
func (e *Extractor) ExtractText(ctx context.Context, path string, kind model.FileKind) (string, error) {
	doc, err := e.Extract(ctx, path, kind)
	if err != nil {
		return "", err
	}
	return doc.Text, nil
}

// ExtractTables 返回文件中的表格，纯文本文件没有表格。
func (e *Extractor) ExtractTables(ctx context.Context, path string, kind model.FileKind) ([]Table, error) {
	if kind == model.KindText {
		return nil, nil
	}
	doc, err := e.Extract(ctx, path, kind)
	if err != nil {
		return nil, err
	}
	return doc.Tables, nil
}

func (e *Extractor) extractViaTika(ctx context.Context, path string) (*Document, error) {
	if e.tika == nil {
		return nil, fmt.Errorf("%w: %s 需要 Tika", ErrUnsupportedKind, filepath.Ext(path))
	}
	text, err := e.tikaText(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Document{Text: text, Source: "tika"}, nil
}

func (e *Extractor) tikaText(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	defer f.Close()

	raw, err := e.tika.ExtractText(ctx, f, filepath.Base(path))
	if err != nil {
		return "", &ParseError{Path: path, Err: err}
	}
	log.Infof("[Extractor] Tika 提取完成, file: %s, len: %d", filepath.Base(path), len(raw))
	return canonicalLines(normalizeNewlines(raw)), nil
}
