// Package chapter 从规范文本中切分章节大纲。
//
// Extract 是纯函数：一次从左到右扫描所有行，只维护一个局部的"已打开标题"栈和各编号空间的计数器，
// 不存在跨调用累积的状态。识别顺序为 部分 → 章/节 → 中文序号 → 十进制编号 → 括号序号。
package chapter

import (
	"strings"
	"unicode/utf8"

	"bidding-kb-go/internal/model"
)

// FallbackTitle 是无法识别任何标题时兜底章节的标题。
const FallbackTitle = "全文"

// Draft 是尚未绑定文件 id 和位置的章节。
type Draft struct {
	Level  int
	Number string
	Title  string
	// Body 覆盖到下一个同级或更浅标题之前的所有行（包含子章节）。
	Body string
	// OwnText 是 Body 中第一个子标题之前的部分。
	OwnText   string
	LineStart int // 标题所在行，从 1 开始
	LineEnd   int // 正文最后一行
}

// Result 是一次切分的结果。Fallback 为 true 表示输出的是单个"全文"章节。
type Result struct {
	Chapters []Draft
	Fallback bool
}

type heading struct {
	line   int
	form   form
	level  int
	number string
	title  string
}

type openEntry struct {
	form  form
	level int
	segs  []int
}

// scanner 只在一次 Extract 调用内存在。
type scanner struct {
	stack       []openEntry
	prevLevel   int
	lastDecimal []int
	lastCN      int
	lastParen   int
	lastParenCN int
}

// Extract 把文本切分为有序章节。
func Extract(text string) Result {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")

	s := &scanner{}
	var heads []heading
	for i, line := range lines {
		c, ok := recognize(line)
		if !ok {
			continue
		}
		level, ok := s.accept(c)
		if !ok {
			continue
		}
		heads = append(heads, heading{line: i, form: c.form, level: level, number: c.number, title: c.title})
	}
	if len(heads) == 0 {
		return fallback(lines)
	}

	chapters := make([]Draft, len(heads))
	for k, h := range heads {
		end := len(lines)
		for j := k + 1; j < len(heads); j++ {
			if heads[j].level <= h.level {
				end = heads[j].line
				break
			}
		}
		ownEnd := end
		if k+1 < len(heads) && heads[k+1].line < ownEnd {
			ownEnd = heads[k+1].line
		}
		chapters[k] = Draft{
			Level:     h.level,
			Number:    h.number,
			Title:     h.title,
			Body:      cleanBody(lines[h.line+1 : end]),
			OwnText:   cleanBody(lines[h.line+1 : ownEnd]),
			LineStart: h.line + 1,
			LineEnd:   max(end, h.line+1),
		}
	}
	return Result{Chapters: chapters}
}

func fallback(lines []string) Result {
	body := cleanBody(lines)
	return Result{
		Chapters: []Draft{{
			Level:     1,
			Title:     FallbackTitle,
			Body:      body,
			OwnText:   body,
			LineStart: 1,
			LineEnd:   len(lines),
		}},
		Fallback: true,
	}
}

// accept 在当前上下文中校验候选标题并计算层级，拒绝时该行作为正文。
func (s *scanner) accept(c candidate) (int, bool) {
	var level int
	switch c.form {
	case formPart:
		level = 1
	case formChapter:
		level = 1
		if part := s.innermost(formPart); part != nil {
			level = part.level + 1
		}
	case formCNEnum:
		if c.ordinal <= s.lastCN {
			return 0, false
		}
		level = s.markerLevel() + 1
	case formDecimal:
		if s.lastDecimal != nil && !lessSegments(s.lastDecimal, c.segments) {
			return 0, false
		}
		level = s.decimalLevel(c.segments)
	case formParen:
		parent := s.openDecimal()
		if parent == nil {
			return 0, false
		}
		if (c.parenCN && c.ordinal <= s.lastParenCN) || (!c.parenCN && c.ordinal <= s.lastParen) {
			return 0, false
		}
		level = parent.level + 1
	}
	level = min(max(level, 1), s.prevLevel+1)

	switch c.form {
	case formPart, formChapter:
		s.lastDecimal = nil
		s.lastCN = 0
		s.lastParen, s.lastParenCN = 0, 0
	case formCNEnum:
		s.lastCN = c.ordinal
		s.lastParen, s.lastParenCN = 0, 0
	case formDecimal:
		s.lastDecimal = c.segments
		s.lastCN = 0
		s.lastParen, s.lastParenCN = 0, 0
	case formParen:
		if c.parenCN {
			s.lastParenCN = c.ordinal
		} else {
			s.lastParen = c.ordinal
		}
		s.lastCN = 0
	}

	for len(s.stack) > 0 && s.stack[len(s.stack)-1].level >= level {
		s.stack = s.stack[:len(s.stack)-1]
	}
	s.stack = append(s.stack, openEntry{form: c.form, level: level, segs: c.segments})
	s.prevLevel = level
	return level, true
}

func (s *scanner) innermost(f form) *openEntry {
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].form == f {
			return &s.stack[i]
		}
	}
	return nil
}

// markerLevel 返回最内层已打开的部分/章的层级，没有则为 0。
func (s *scanner) markerLevel() int {
	for i := len(s.stack) - 1; i >= 0; i-- {
		if f := s.stack[i].form; f == formPart || f == formChapter {
			return s.stack[i].level
		}
	}
	return 0
}

// openDecimal 返回最内层部分/章之内仍打开的十进制标题。
func (s *scanner) openDecimal() *openEntry {
	for i := len(s.stack) - 1; i >= 0; i-- {
		switch s.stack[i].form {
		case formDecimal:
			return &s.stack[i]
		case formPart, formChapter:
			return nil
		}
	}
	return nil
}

// decimalLevel 以已打开的十进制标题为锚点计算层级，使同级编号保持同一层级。
func (s *scanner) decimalLevel(segs []int) int {
	for i := len(s.stack) - 1; i >= 0; i-- {
		e := s.stack[i]
		if e.form == formPart || e.form == formChapter {
			break
		}
		if e.form != formDecimal {
			continue
		}
		if len(e.segs) < len(segs) {
			return e.level + len(segs) - len(e.segs)
		}
		if len(e.segs) == len(segs) {
			return e.level
		}
	}
	return s.markerLevel() + len(segs)
}

// cleanBody 去掉页码行，压缩行内空白，并去掉首尾空行。
func cleanBody(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if IsPageNumberLine(line) {
			continue
		}
		out = append(out, collapseWhitespace(line))
	}
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// Records 把章节绑定到文件，position 从 1 开始连续编号。
func Records(fileID string, drafts []Draft) []*model.ChapterRecord {
	records := make([]*model.ChapterRecord, 0, len(drafts))
	for i, d := range drafts {
		payload := model.ChapterPayload{
			LineStart: d.LineStart,
			LineEnd:   d.LineEnd,
			OwnLength: utf8.RuneCountInString(d.OwnText),
		}
		records = append(records, &model.ChapterRecord{
			FileID:   fileID,
			Position: i + 1,
			Level:    d.Level,
			Number:   d.Number,
			Title:    d.Title,
			Body:     d.Body,
			OwnText:  d.OwnText,
			Payload:  payload.JSON(),
		})
	}
	return records
}

// Outline 返回前 n 个章节的 "编号 标题" 预览。
func Outline(drafts []Draft, n int) []string {
	out := make([]string, 0, min(n, len(drafts)))
	for _, d := range drafts {
		if len(out) >= n {
			break
		}
		if d.Number == "" || d.Number == d.Title {
			out = append(out, d.Title)
			continue
		}
		out = append(out, d.Number+" "+d.Title)
	}
	return out
}
