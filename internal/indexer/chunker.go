package indexer

import (
	"strings"
	"unicode/utf8"

	"bidding-kb-go/pkg/log"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter 统计文本的 token 数。
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	tk *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.tk.Encode(text, nil, nil))
}

// RuneCounter 按字符计数，BPE 数据无法加载时使用。
type RuneCounter struct{}

func (RuneCounter) Count(text string) int {
	return utf8.RuneCountInString(text)
}

// NewTokenCounter 优先使用模型对应的编码，其次 cl100k_base，最后退化为按字符计数。
func NewTokenCounter(model string) TokenCounter {
	if tk, err := tiktoken.EncodingForModel(model); err == nil {
		return tiktokenCounter{tk: tk}
	}
	tk, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warnf("[Indexer] 无法加载 tiktoken 编码，按字符数估算 token: %v", err)
		return RuneCounter{}
	}
	return tiktokenCounter{tk: tk}
}

// Chunker 按段落（行）切块：预算内尽量合并，块之间带少量重叠。
type Chunker struct {
	counter TokenCounter
	size    int
	overlap int
}

func NewChunker(counter TokenCounter, size, overlap int) *Chunker {
	if size <= 0 {
		size = 512
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{counter: counter, size: size, overlap: overlap}
}

type paragraph struct {
	text   string
	tokens int
}

// Split 把文本切成若干块。单段不超过预算的 1.5 倍时保持完整，更长的段落被硬切。
func (c *Chunker) Split(text string) []string {
	paras := c.paragraphs(text)
	if len(paras) == 0 {
		return nil
	}

	var (
		chunks    []string
		cur       []paragraph
		curTokens int
	)
	for _, p := range paras {
		if len(cur) > 0 && curTokens+p.tokens > c.size {
			chunks = append(chunks, joinParagraphs(cur))
			cur, curTokens = c.tail(cur)
			if curTokens+p.tokens > c.size {
				cur, curTokens = nil, 0
			}
		}
		cur = append(cur, p)
		curTokens += p.tokens
	}
	chunks = append(chunks, joinParagraphs(cur))
	return chunks
}

func (c *Chunker) paragraphs(text string) []paragraph {
	var out []paragraph
	limit := c.size * 3 / 2
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n := c.counter.Count(line)
		if n <= limit {
			out = append(out, paragraph{text: line, tokens: n})
			continue
		}
		for _, piece := range hardSplit(line, (n+c.size-1)/c.size) {
			out = append(out, paragraph{text: piece, tokens: c.counter.Count(piece)})
		}
	}
	return out
}

// tail 取上一块末尾不超过 overlap 的若干段作为下一块的开头，至少留下一段不重叠。
func (c *Chunker) tail(prev []paragraph) ([]paragraph, int) {
	if c.overlap == 0 {
		return nil, 0
	}
	total, start := 0, len(prev)
	for i := len(prev) - 1; i >= 1; i-- {
		if total+prev[i].tokens > c.overlap {
			break
		}
		total += prev[i].tokens
		start = i
	}
	if start == len(prev) {
		return nil, 0
	}
	return append([]paragraph(nil), prev[start:]...), total
}

// hardSplit 按字符数把一行平均切成 n 段。
func hardSplit(line string, n int) []string {
	runes := []rune(line)
	if n <= 1 || len(runes) <= n {
		return []string{line}
	}
	size := (len(runes) + n - 1) / n
	pieces := make([]string, 0, n)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

func joinParagraphs(ps []paragraph) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.text
	}
	return strings.Join(parts, "\n")
}
