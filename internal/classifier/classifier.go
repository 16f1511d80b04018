// Package classifier 为文件确定分类并生成带内容哈希后缀的语义文件名。
package classifier

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/pkg/log"
)

// 正文关键词只看前 2000 个字符。
const textSampleRunes = 2000

// Source 记录分类结论来自哪一步。
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceText     Source = "text"
	SourceFilename Source = "filename"
	SourceLLM      Source = "llm"
	SourceDefault  Source = "default"
)

// Hinter 是可选的分类提示来源，一般由对话模型实现。
type Hinter interface {
	SuggestCategory(ctx context.Context, filename, sample string) (string, error)
}

// Input 是分类所需的全部输入。
type Input struct {
	OriginalFilename string
	ContentHash      string
	Text             string
	Requested        model.Category
}

// Result 是分类结果。Note 非空表示分类被兜底为 other。
type Result struct {
	Category     model.Category
	SemanticName string
	Source       Source
	Note         string
}

type Classifier struct {
	hinter      Hinter
	hintTimeout time.Duration
}

// New 创建分类器，hinter 可以为 nil。
func New(hinter Hinter) *Classifier {
	return &Classifier{hinter: hinter, hintTimeout: 30 * time.Second}
}

// Classify 依次尝试：调用方指定的分类 → 正文关键词 → 文件名 → 模型提示 → other。分类本身不会失败。
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	res := Result{Category: model.CategoryOther, Source: SourceDefault}
	sample := leadingRunes(in.Text, textSampleRunes)

	switch {
	case in.Requested != "":
		res.Category, res.Source = in.Requested, SourceExplicit
	default:
		if cat, ok := CategoryFromText(sample); ok {
			res.Category, res.Source = cat, SourceText
		} else if cat, ok := CategoryFromFilename(in.OriginalFilename); ok {
			res.Category, res.Source = cat, SourceFilename
		} else if cat, ok := c.hint(ctx, in.OriginalFilename, sample); ok {
			res.Category, res.Source = cat, SourceLLM
		} else {
			res.Note = "未命中任何分类信号，归为 other"
		}
	}

	res.SemanticName = SemanticName(in.OriginalFilename, in.Text, in.ContentHash)
	return res
}

func (c *Classifier) hint(ctx context.Context, filename, sample string) (model.Category, bool) {
	if c.hinter == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, c.hintTimeout)
	defer cancel()
	answer, err := c.hinter.SuggestCategory(ctx, filename, sample)
	if err != nil {
		log.Warnf("[Classifier] 模型分类提示失败，忽略: %v", err)
		return "", false
	}
	cat, ok := model.ParseCategory(answer)
	if !ok || cat == model.CategoryOther {
		return "", false
	}
	return cat, true
}

// 同分时按此顺序取第一个。
var categoryOrder = []model.Category{
	model.CategoryTender,
	model.CategoryProposal,
	model.CategoryContract,
	model.CategoryReport,
	model.CategoryReference,
}

var categoryKeywords = map[model.Category][]string{
	model.CategoryTender:    {"招标", "招标文件", "招标公告", "投标须知", "评分标准", "技术规格书", "招标要求", "资格预审"},
	model.CategoryProposal:  {"投标", "投标书", "投标文件", "技术方案", "商务报价", "投标函", "报价单", "技术标", "商务标"},
	model.CategoryContract:  {"合同", "协议", "合同书", "协议书", "采购合同", "服务协议"},
	model.CategoryReport:    {"报告", "总结", "审计", "财务", "财务报表", "审计报告", "年报"},
	model.CategoryReference: {"参考", "资料", "手册", "指南", "说明"},
}

// 文件名里常见的英文词。
var filenameKeywords = map[model.Category][]string{
	model.CategoryTender:    {"tender", "rfp", "rfq"},
	model.CategoryProposal:  {"proposal", "bid"},
	model.CategoryContract:  {"contract", "agreement"},
	model.CategoryReport:    {"report", "audit", "annual"},
	model.CategoryReference: {"manual", "guide", "reference"},
}

// CategoryFromText 按关键词出现次数打分。
// 招标文件通篇称呼"投标人"，这部分不计入 proposal。
func CategoryFromText(text string) (model.Category, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	scores := make(map[model.Category]int, len(categoryOrder))
	for _, cat := range categoryOrder {
		for _, kw := range categoryKeywords[cat] {
			n := strings.Count(text, kw)
			if kw == "投标" {
				n -= strings.Count(text, "投标人")
			}
			scores[cat] += n
		}
	}
	return best(scores)
}

// CategoryFromFilename 对去掉扩展名的文件名做同样的关键词匹配，外加英文词。
func CategoryFromFilename(filename string) (model.Category, bool) {
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	if stem == "" {
		return "", false
	}
	scores := make(map[model.Category]int, len(categoryOrder))
	for _, cat := range categoryOrder {
		for _, kw := range categoryKeywords[cat] {
			scores[cat] += strings.Count(stem, kw)
		}
		for _, kw := range filenameKeywords[cat] {
			scores[cat] += strings.Count(stem, kw)
		}
	}
	return best(scores)
}

func best(scores map[model.Category]int) (model.Category, bool) {
	var (
		winner model.Category
		top    int
	)
	for _, cat := range categoryOrder {
		if scores[cat] > top {
			winner, top = cat, scores[cat]
		}
	}
	return winner, top > 0
}

func leadingRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// 项目名：文件名优先，其次正文开头。
var (
	projectInNameRe = regexp.MustCompile(`([^_\-\s]{2,20}(?:项目|系统|工程|平台|建设))`)
	projectInTextRe = regexp.MustCompile(`([^，。；：\s]{2,20}(?:项目|系统|工程|平台|建设))`)
	yearInNameRe    = regexp.MustCompile(`(?:19|20)\d{2}`)
	yearInTextRe    = regexp.MustCompile(`((?:19|20)\d{2})[-年]\d{1,2}[-月]`)
)

const (
	maxRootRunes    = 40
	projectTextScan = 100
	fallbackRoot    = "document"
)

// SemanticName 生成 <根名>[_<年份>]_<hash6>.<ext>，扩展名统一小写。
func SemanticName(originalFilename, text, contentHash string) string {
	base := filepath.Base(originalFilename)
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	root := ""
	if m := projectInNameRe.FindStringSubmatch(stem); m != nil {
		root = sanitize(m[1])
	}
	if root == "" {
		if m := projectInTextRe.FindStringSubmatch(leadingRunes(text, projectTextScan)); m != nil {
			root = sanitize(m[1])
		}
	}
	if root == "" {
		root = sanitize(stem)
	}
	if root == "" {
		root = fallbackRoot
	}
	root = leadingRunes(root, maxRootRunes)

	parts := []string{root}
	if year := extractYear(stem, text); year != "" && !strings.Contains(root, year) {
		parts = append(parts, year)
	}
	hash6 := contentHash
	if len(hash6) > 6 {
		hash6 = hash6[:6]
	}
	parts = append(parts, strings.ToLower(hash6))
	return strings.Join(parts, "_") + ext
}

func extractYear(stem, text string) string {
	if y := yearInNameRe.FindString(stem); y != "" {
		return y
	}
	if m := yearInTextRe.FindStringSubmatch(leadingRunes(text, textSampleRunes)); m != nil {
		return m[1]
	}
	return ""
}

const illegalNameRunes = `<>:"/\|?*`

// sanitize 去掉标点和文件系统非法字符，空白折叠为下划线。
func sanitize(s string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case strings.ContainsRune(illegalNameRunes, r):
			continue
		case r == '_' || unicode.IsSpace(r):
			if !lastUnderscore && sb.Len() > 0 {
				sb.WriteRune('_')
				lastUnderscore = true
			}
			continue
		case r == '-':
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsControl(r):
			continue
		}
		sb.WriteRune(r)
		lastUnderscore = false
	}
	return strings.Trim(sb.String(), "_-")
}
