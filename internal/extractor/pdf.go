package extractor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"bidding-kb-go/pkg/log"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
)

// openPDF 读取并校验 PDF，每次调用都新建上下文，不复用 pdfcpu 的缓存。
func openPDF(path string) (*pdfmodel.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("pdfcpu read: %w", err)}
	}
	return ctx, nil
}

func (e *Extractor) extractPDF(ctx context.Context, path string) (*Document, error) {
	pdfCtx, err := openPDF(path)
	if err != nil {
		return nil, err
	}
	pages, quality, err := pdfPageTexts(pdfCtx)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	doc := &Document{
		Text:      strings.Join(pages, "\n"),
		Pages:     pages,
		PageCount: pdfCtx.PageCount,
		Tables:    tablesFromPages(pages),
		Source:    "pdfcpu",
	}

	sparse := doc.PageCount > 0 && nonSpaceRunes(doc.Text)/doc.PageCount < minRunesPerPage
	garbled := quality.garbled()
	if garbled && e.tika == nil {
		log.Warnf("[Extractor] pdfcpu 文本疑似乱码且未配置 Tika, file: %s, garbage: %d/%d", path, quality.Garbage, quality.Runes)
	}
	if e.tika != nil && (sparse || garbled) {
		log.Warnf("[Extractor] pdfcpu 文本不可用, 改用 Tika, file: %s, pages: %d, garbage: %d/%d",
			path, doc.PageCount, quality.Garbage, quality.Runes)
		text, err := e.tikaText(ctx, path)
		switch {
		case err == nil && strings.TrimSpace(text) != "":
			doc.Text = text
			doc.Source = "tika"
			if garbled {
				// 按页文本同样是乱码，表格改由 Tika 文本识别
				doc.Pages = nil
				doc.Tables = tablesFromPages([]string{text})
			}
		case strings.TrimSpace(doc.Text) == "":
			if err == nil {
				err = &ParseError{Path: path, Err: fmt.Errorf("no text content found in PDF")}
			}
			return nil, err
		default:
			log.Warnf("[Extractor] Tika 兜底失败, 沿用 pdfcpu 文本, file: %s, err: %v", path, err)
		}
	}
	return doc, nil
}

// pdfPageTexts 逐页提取文本，任意一页失败则整体失败。
// 字体带 ToUnicode 时按 CMap 还原字形码，同时统计全部页面的乱码比例。
func pdfPageTexts(ctx *pdfmodel.Context) ([]string, textQuality, error) {
	var quality textQuality
	pages := make([]string, 0, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil {
			return nil, quality, fmt.Errorf("page %d: %w", pageNr, err)
		}
		var data []byte
		if r != nil {
			if data, err = io.ReadAll(r); err != nil {
				return nil, quality, fmt.Errorf("page %d: %w", pageNr, err)
			}
		}
		text, q := pageContentText(data, pageFonts(ctx, pageNr))
		quality.Runes += q.Runes
		quality.Garbage += q.Garbage
		pages = append(pages, text)
	}
	return pages, quality, nil
}

// contentStreamText 按字节解码内容流中的字符串，不查字体。
func contentStreamText(data []byte) string {
	text, _ := pageContentText(data, nil)
	return text
}

// pageContentText 遍历内容流操作符，按视觉行输出文本。
// 垂直移动（T*、'、"、Td/TD/Tm 的 y 变化、ET）换行；同一行上的大幅水平跳跃输出制表符作为列分隔。
// Tf 切换字体，fonts 中有该字体的 CMap 时按 CMap 解码。
func pageContentText(data []byte, fonts map[string]*toUnicode) (string, textQuality) {
	lx := &csLexer{data: data}
	tb := &textBuilder{fonts: fonts}
	var operands []any
	var arrays [][]any

	for {
		tok, isOp, ok := lx.next()
		if !ok {
			break
		}
		if !isOp {
			if len(arrays) > 0 {
				arrays[len(arrays)-1] = append(arrays[len(arrays)-1], tok)
			} else {
				operands = append(operands, tok)
			}
			continue
		}
		op := tok.(string)
		switch op {
		case "[":
			arrays = append(arrays, nil)
			continue
		case "]":
			if len(arrays) == 0 {
				continue
			}
			arr := arrays[len(arrays)-1]
			arrays = arrays[:len(arrays)-1]
			if len(arrays) > 0 {
				arrays[len(arrays)-1] = append(arrays[len(arrays)-1], arr)
			} else {
				operands = append(operands, arr)
			}
			continue
		case "<<", ">>":
			continue
		case "ID":
			lx.skipInlineImage()
		case "BT":
			tb.haveTm = false
		case "ET":
			tb.newline()
		case "Tf":
			if name, ok := lastName(operands); ok {
				tb.cur = tb.fonts[name]
			}
		case "Tj":
			if s, ok := lastString(operands); ok {
				tb.show(s)
			}
		case "'", "\"":
			tb.newline()
			if s, ok := lastString(operands); ok {
				tb.show(s)
			}
		case "TJ":
			if arr, ok := lastArray(operands); ok {
				for _, item := range arr {
					switch v := item.(type) {
					case []byte:
						tb.show(v)
					case float64:
						tb.kern(v)
					}
				}
			}
		case "Td", "TD":
			if nums := lastNumbers(operands, 2); nums != nil {
				tb.move(nums[0], nums[1])
			}
		case "Tm":
			if nums := lastNumbers(operands, 6); nums != nil {
				tb.setMatrix(nums[4], nums[5])
			}
		case "T*":
			tb.newline()
		}
		operands = operands[:0]
	}
	tb.newline()
	return canonicalLines(tb.out.String()), tb.quality
}

type textBuilder struct {
	out     strings.Builder
	line    strings.Builder
	haveTm  bool
	lastX   float64
	lastY   float64
	fonts   map[string]*toUnicode
	cur     *toUnicode
	quality textQuality
}

func (b *textBuilder) newline() {
	line := strings.TrimRightFunc(b.line.String(), unicode.IsSpace)
	b.line.Reset()
	if strings.TrimSpace(line) == "" {
		return
	}
	if b.out.Len() > 0 {
		b.out.WriteByte('\n')
	}
	b.out.WriteString(line)
}

func (b *textBuilder) show(raw []byte) {
	if b.cur != nil {
		text, unmapped := b.cur.decode(raw)
		b.quality.count(text)
		b.quality.Runes += unmapped
		b.quality.Garbage += unmapped
		b.line.WriteString(printable(text))
		return
	}
	text, q := decodePDFText(raw)
	b.quality.Runes += q.Runes
	b.quality.Garbage += q.Garbage
	b.line.WriteString(text)
}

func (b *textBuilder) tab() {
	s := b.line.String()
	if strings.TrimSpace(s) == "" || strings.HasSuffix(s, "\t") {
		return
	}
	b.line.WriteByte('\t')
}

// kern 处理 TJ 数组中的字距调整（千分之一文字空间单位，负数表示右移）。
func (b *textBuilder) kern(n float64) {
	switch {
	case n <= -1000:
		b.tab()
	case n <= -200:
		s := b.line.String()
		if s != "" && !strings.HasSuffix(s, " ") && !strings.HasSuffix(s, "\t") {
			b.line.WriteByte(' ')
		}
	}
}

func (b *textBuilder) move(tx, ty float64) {
	if ty != 0 {
		b.newline()
		return
	}
	if tx > 0 {
		b.tab()
	}
}

func (b *textBuilder) setMatrix(x, y float64) {
	if b.haveTm {
		if y != b.lastY {
			b.newline()
		} else if x > b.lastX {
			b.tab()
		}
	}
	b.haveTm = true
	b.lastX, b.lastY = x, y
}

func lastString(operands []any) ([]byte, bool) {
	for i := len(operands) - 1; i >= 0; i-- {
		if s, ok := operands[i].([]byte); ok {
			return s, true
		}
	}
	return nil, false
}

// lastName 返回最后一个名字操作数，如 Tf 的 /F1。
func lastName(operands []any) (string, bool) {
	for i := len(operands) - 1; i >= 0; i-- {
		if s, ok := operands[i].(string); ok && strings.HasPrefix(s, "/") {
			return s, true
		}
	}
	return "", false
}

func lastArray(operands []any) ([]any, bool) {
	if len(operands) == 0 {
		return nil, false
	}
	arr, ok := operands[len(operands)-1].([]any)
	return arr, ok
}

func lastNumbers(operands []any, n int) []float64 {
	if len(operands) < n {
		return nil
	}
	out := make([]float64, n)
	for i, v := range operands[len(operands)-n:] {
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		out[i] = f
	}
	return out
}

// decodePDFText 解码字符串：UTF-16BE（带 BOM）、合法 UTF-8，否则按 Latin-1 近似 PDFDocEncoding。
// 同时统计乱码：没有 CMap 的双字节字形码解出来是控制字符和 Latin-1 补充区字符。
func decodePDFText(raw []byte) (string, textQuality) {
	var s string
	switch {
	case len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF:
		dec := xunicode.UTF16(xunicode.BigEndian, xunicode.ExpectBOM).NewDecoder()
		b, err := dec.Bytes(raw)
		if err != nil {
			return "", textQuality{}
		}
		s = string(b)
	case utf8.Valid(raw):
		s = string(raw)
	default:
		b, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return "", textQuality{}
		}
		s = string(b)
	}
	var q textQuality
	q.count(s)
	return printable(s), q
}

func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || unicode.IsPrint(r) {
			return r
		}
		if unicode.IsSpace(r) {
			return ' '
		}
		return -1
	}, s)
}

// textQuality 统计非空白字符数和其中的乱码字符数。
type textQuality struct {
	Runes   int
	Garbage int
}

func (q *textQuality) count(s string) {
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		q.Runes++
		if isGarbageRune(r) {
			q.Garbage++
		}
	}
}

// garbled 判断乱码比例是否超过阈值。
func (q textQuality) garbled() bool {
	return q.Runes > 0 && float64(q.Garbage)/float64(q.Runes) > maxGarbageRatio
}

// isGarbageRune 覆盖控制字符、Latin-1 补充区、私用区和替换字符。中文标书里几乎不会出现这些字符。
func isGarbageRune(r rune) bool {
	switch {
	case r < 0x20:
		return true
	case r >= 0x7F && r <= 0xFF:
		return true
	case r >= 0xE000 && r <= 0xF8FF:
		return true
	case r == utf8.RuneError:
		return true
	}
	return false
}

// csLexer 是内容流的最小词法分析器。
type csLexer struct {
	data []byte
	pos  int
}

func isPDFWhite(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

// next 返回下一个记号：操作数（float64、[]byte、名字）或操作符（isOp=true 的 string）。
func (l *csLexer) next() (tok any, isOp bool, ok bool) {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		if isPDFWhite(c) {
			l.pos++
			continue
		}
		if c == '%' {
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
			continue
		}
		break
	}
	if l.pos >= len(l.data) {
		return nil, false, false
	}

	c := l.data[l.pos]
	switch {
	case c == '(':
		return l.literalString(), false, true
	case c == '<':
		if l.pos+1 < len(l.data) && l.data[l.pos+1] == '<' {
			l.pos += 2
			return "<<", true, true
		}
		return l.hexString(), false, true
	case c == '>':
		l.pos++
		if l.pos < len(l.data) && l.data[l.pos] == '>' {
			l.pos++
		}
		return ">>", true, true
	case c == '[' || c == ']':
		l.pos++
		return string(c), true, true
	case c == '{' || c == '}':
		l.pos++
		return l.next()
	case c == '/':
		start := l.pos
		l.pos++
		for l.pos < len(l.data) && !isPDFWhite(l.data[l.pos]) && !isPDFDelim(l.data[l.pos]) {
			l.pos++
		}
		return string(l.data[start:l.pos]), false, true
	}

	start := l.pos
	for l.pos < len(l.data) && !isPDFWhite(l.data[l.pos]) && !isPDFDelim(l.data[l.pos]) {
		l.pos++
	}
	word := string(l.data[start:l.pos])
	if word == "" {
		l.pos++
		return l.next()
	}
	if f, err := strconv.ParseFloat(word, 64); err == nil {
		return f, false, true
	}
	return word, true, true
}

func (l *csLexer) literalString() []byte {
	l.pos++ // (
	depth := 1
	var out []byte
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '\\':
			if l.pos >= len(l.data) {
				return out
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						val = val*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

func (l *csLexer) hexString() []byte {
	l.pos++ // <
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		c := l.data[l.pos]
		if !isPDFWhite(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++ // >
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i+1 < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return out
}

// skipInlineImage 跳过 ID 与 EI 之间的二进制图像数据。
func (l *csLexer) skipInlineImage() {
	for l.pos+2 < len(l.data) {
		if isPDFWhite(l.data[l.pos]) && l.data[l.pos+1] == 'E' && l.data[l.pos+2] == 'I' &&
			(l.pos+3 == len(l.data) || isPDFWhite(l.data[l.pos+3])) {
			l.pos += 3
			return
		}
		l.pos++
	}
	l.pos = len(l.data)
}
