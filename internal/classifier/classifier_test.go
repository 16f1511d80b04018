package classifier

import (
	"context"
	"errors"
	"testing"

	"bidding-kb-go/internal/model"

	"github.com/stretchr/testify/assert"
)

const hash = "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"

type stubHinter struct {
	answer string
	err    error
	calls  int
}

func (s *stubHinter) SuggestCategory(context.Context, string, string) (string, error) {
	s.calls++
	return s.answer, s.err
}

func TestClassifyOrder(t *testing.T) {
	tests := []struct {
		name     string
		in       Input
		hinter   *stubHinter
		want     model.Category
		source   Source
		withNote bool
	}{
		{
			name:   "explicit wins",
			in:     Input{OriginalFilename: "招标文件.pdf", Text: "招标公告", Requested: model.CategoryReference},
			want:   model.CategoryReference,
			source: SourceExplicit,
		},
		{
			name:   "tender text ignores bidder mentions",
			in:     Input{OriginalFilename: "a.pdf", Text: "招标公告\n投标人须知\n投标人应当按时递交"},
			want:   model.CategoryTender,
			source: SourceText,
		},
		{
			name:   "proposal text",
			in:     Input{OriginalFilename: "a.pdf", Text: "投标函\n致：某某公司\n我方愿意参加投标，报价单见附件"},
			want:   model.CategoryProposal,
			source: SourceText,
		},
		{
			name:   "tie breaks by fixed order",
			in:     Input{OriginalFilename: "a.pdf", Text: "本报告附带合同一份"},
			want:   model.CategoryContract,
			source: SourceText,
		},
		{
			name:   "filename fallback",
			in:     Input{OriginalFilename: "采购合同_v2.docx", Text: "甲乙双方经友好协商"},
			want:   model.CategoryContract,
			source: SourceFilename,
		},
		{
			name:   "english filename",
			in:     Input{OriginalFilename: "Annual-Report.pdf"},
			want:   model.CategoryReport,
			source: SourceFilename,
		},
		{
			name:   "llm hint",
			in:     Input{OriginalFilename: "scan001.pdf", Text: "第一页"},
			hinter: &stubHinter{answer: "report"},
			want:   model.CategoryReport,
			source: SourceLLM,
		},
		{
			name:     "invalid llm hint is ignored",
			in:       Input{OriginalFilename: "scan001.pdf"},
			hinter:   &stubHinter{answer: "banana"},
			want:     model.CategoryOther,
			source:   SourceDefault,
			withNote: true,
		},
		{
			name:     "llm error is ignored",
			in:       Input{OriginalFilename: "scan001.pdf"},
			hinter:   &stubHinter{err: errors.New("boom")},
			want:     model.CategoryOther,
			source:   SourceDefault,
			withNote: true,
		},
		{
			name:     "nothing matches",
			in:       Input{OriginalFilename: "scan001.pdf", Text: "第一页"},
			want:     model.CategoryOther,
			source:   SourceDefault,
			withNote: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c *Classifier
			if tt.hinter != nil {
				c = New(tt.hinter)
			} else {
				c = New(nil)
			}
			tt.in.ContentHash = hash
			res := c.Classify(context.Background(), tt.in)
			assert.Equal(t, tt.want, res.Category)
			assert.Equal(t, tt.source, res.Source)
			assert.Equal(t, tt.withNote, res.Note != "")
			assert.NotEmpty(t, res.SemanticName)
		})
	}
}

func TestHinterOnlyCalledAsLastResort(t *testing.T) {
	h := &stubHinter{answer: "report"}
	res := New(h).Classify(context.Background(), Input{OriginalFilename: "招标文件.pdf", ContentHash: hash})
	assert.Equal(t, model.CategoryTender, res.Category)
	assert.Zero(t, h.calls)
}

func TestSemanticName(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		text     string
		want     string
	}{
		{"project in filename", "2024年某市道路改造工程招标文件.PDF", "", "2024年某市道路改造工程_abcdef.pdf"},
		{"project in text with year", "投标文件.pdf", "某某智慧园区平台建设方案\n2023年5月", "某某智慧园区平台建设_2023_abcdef.pdf"},
		{"stem stripped of punctuation", "scan (1).docx", "", "scan_1_abcdef.docx"},
		{"year already in root", "技术规格-2022版.doc", "", "技术规格-2022版_abcdef.doc"},
		{"year from filename", "scan 2021.txt", "", "scan_2021_abcdef.txt"},
		{"nothing usable", "？？？.txt", "", "document_abcdef.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SemanticName(tt.filename, tt.text, hash))
		})
	}
}

func TestSemanticNameUniqueAcrossContent(t *testing.T) {
	a := SemanticName("招标文件.pdf", "", "111111"+hash[6:])
	b := SemanticName("招标文件.pdf", "", "222222"+hash[6:])
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, SemanticName("招标文件.pdf", "", "111111"+hash[6:]))
}

func TestSemanticNameRootLimit(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "长"
	}
	name := SemanticName(long+".pdf", "", hash)
	assert.Equal(t, 40+len("_abcdef.pdf"), len([]rune(name)))
}
