package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"unicode/utf16"

	"bidding-kb-go/internal/chapter"
	"bidding-kb-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPDF 拼装一个最小 PDF，objs[i] 是 i+1 号对象的内容，1 号对象必须是 Catalog。
func buildPDF(objs ...string) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs)+1)
	for i, body := range objs {
		offsets[i+1] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for i := 1; i <= len(objs); i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return b.Bytes()
}

func pdfStream(dict, data string) string {
	return fmt.Sprintf("<< %s/Length %d >>\nstream\n%s\nendstream", dict, len(data), data)
}

// utf16Hex 编码为带 BOM 的 UTF-16BE 十六进制字符串。
func utf16Hex(s string) string {
	return "<FEFF" + glyphHex(s) + ">"
}

// glyphHex 把每个字符的 UTF-16 码元当作双字节字形码，与 Identity-H 字体的写法一致。
func glyphHex(s string) string {
	var sb strings.Builder
	for _, u := range utf16.Encode([]rune(s)) {
		fmt.Fprintf(&sb, "%04X", u)
	}
	return sb.String()
}

// identityCMap 生成把字形码映射回同一码点的 ToUnicode CMap。
func identityCMap(text string) string {
	seen := map[rune]bool{}
	var runes []rune
	for _, r := range text {
		if !seen[r] {
			seen[r] = true
			runes = append(runes, r)
		}
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })

	var sb strings.Builder
	sb.WriteString("/CIDInit /ProcSet findresource begin\n12 dict begin\nbegincmap\n")
	sb.WriteString("/CIDSystemInfo << /Registry (Adobe) /Ordering (UCS) /Supplement 0 >> def\n")
	sb.WriteString("/CMapName /Adobe-Identity-UCS def\n/CMapType 2 def\n")
	sb.WriteString("1 begincodespacerange\n<0000> <FFFF>\nendcodespacerange\n")
	fmt.Fprintf(&sb, "%d beginbfchar\n", len(runes))
	for _, r := range runes {
		h := glyphHex(string(r))
		fmt.Fprintf(&sb, "<%s> <%s>\n", h, h)
	}
	sb.WriteString("endbfchar\nendcmap\nCMapName currentdict /CMap defineresource pop\nend\nend")
	return sb.String()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func writePDF(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

// tenderPDF 两页：第一页两个章节和一张报价表，第二页一张 JPEG 和第三章。
func tenderPDF(t *testing.T, photo []byte) []byte {
	t.Helper()
	page1 := strings.Join([]string{
		"BT /F1 12 Tf 72 720 Td",
		utf16Hex("第一章 总则") + " Tj",
		"0 -16 Td " + utf16Hex("本项目为市政道路照明工程施工招标，投标人应当具备相应资质。") + " Tj",
		"0 -16 Td " + utf16Hex("第二章 报价要求") + " Tj",
		"0 -16 Td " + utf16Hex("投标报价应包含全部费用，报价明细见下表。") + " Tj",
		"0 -16 Td [" + utf16Hex("序号") + " -2000 " + utf16Hex("名称") + " -2000 " + utf16Hex("单价") + "] TJ",
		"0 -16 Td [(1) -2000 " + utf16Hex("路灯") + " -2000 (1000)] TJ",
		"0 -16 Td [(2) -2000 " + utf16Hex("电缆") + " -2000 (500)] TJ",
		"ET",
	}, "\n")
	page2 := strings.Join([]string{
		"q 100 0 0 60 72 600 cm /Im1 Do Q",
		"BT /F1 12 Tf 72 500 Td",
		utf16Hex("第三章 其他事项") + " Tj",
		"0 -16 Td " + utf16Hex("中标人应在合同签订后十日内进场施工，并提交施工组织设计。") + " Tj",
		"ET",
	}, "\n")

	return buildPDF(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R 6 0 R] /Count 2 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		pdfStream("", page1),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> /XObject << /Im1 8 0 R >> >> /Contents 7 0 R >>",
		pdfStream("", page2),
		pdfStream("/Type /XObject /Subtype /Image /Width 5 /Height 3 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode ", string(photo)),
	)
}

// cidPDF 一页，正文用 Identity-H 的 Type0 字体写双字节字形码；withToUnicode 控制是否附带 CMap。
func cidPDF(text string, withToUnicode bool) []byte {
	var content strings.Builder
	content.WriteString("BT /F2 12 Tf 72 720 Td\n")
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			content.WriteString("0 -16 Td ")
		}
		fmt.Fprintf(&content, "<%s> Tj\n", glyphHex(line))
	}
	content.WriteString("ET")

	toUnicode := ""
	if withToUnicode {
		toUnicode = " /ToUnicode 8 0 R"
	}
	return buildPDF(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F2 5 0 R >> >> /Contents 4 0 R >>",
		pdfStream("", content.String()),
		"<< /Type /Font /Subtype /Type0 /BaseFont /SimSun /Encoding /Identity-H /DescendantFonts [6 0 R]"+toUnicode+" >>",
		"<< /Type /Font /Subtype /CIDFontType2 /BaseFont /SimSun /CIDSystemInfo << /Registry (Adobe) /Ordering (Identity) /Supplement 0 >> /FontDescriptor 7 0 R /DW 1000 >>",
		"<< /Type /FontDescriptor /FontName /SimSun /Flags 4 /FontBBox [0 -141 1000 859] /ItalicAngle 0 /Ascent 859 /Descent -141 /CapHeight 683 /StemV 80 >>",
		pdfStream("", identityCMap(text)),
	)
}

const cidTenderText = "第一章 总则\n本项目为市政道路照明工程施工招标，投标人应当具备相应资质。\n第二章 投标人资格要求\n投标人须具有独立法人资格，近三年内无重大违法记录。"

func chapterTitles(text string) ([]string, bool) {
	res := chapter.Extract(text)
	titles := make([]string, 0, len(res.Chapters))
	for _, c := range res.Chapters {
		titles = append(titles, c.Title)
	}
	return titles, res.Fallback
}

func TestExtractPDFTextTablesAndImages(t *testing.T) {
	dir := t.TempDir()
	photo := jpegBytes(t, 5, 3)
	p := writePDF(t, dir, "tender.pdf", tenderPDF(t, photo))

	ex := New(Options{ImagesDir: filepath.Join(dir, "images")})
	doc, err := ex.Extract(context.Background(), p, model.KindPDF)
	require.NoError(t, err)

	assert.Equal(t, "pdfcpu", doc.Source)
	assert.Equal(t, 2, doc.PageCount)
	require.Len(t, doc.Pages, 2)
	assert.Contains(t, doc.Pages[0], "第一章 总则")
	assert.Contains(t, doc.Pages[1], "第三章 其他事项")

	titles, fallback := chapterTitles(doc.Text)
	assert.False(t, fallback)
	assert.Contains(t, titles, "总则")
	assert.Contains(t, titles, "报价要求")
	assert.Contains(t, titles, "其他事项")

	require.Len(t, doc.Tables, 1)
	assert.Equal(t, 1, doc.Tables[0].Page)
	assert.Equal(t, []string{"序号", "名称", "单价"}, doc.Tables[0].Headers)
	assert.Equal(t, [][]string{{"1", "路灯", "1000"}, {"2", "电缆", "500"}}, doc.Tables[0].Rows)

	images, err := ex.ExtractImages(context.Background(), p, model.KindPDF, "file-pdf", 2024)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "jpg", images[0].Format)
	assert.Equal(t, 5, images[0].Width)
	assert.Equal(t, 3, images[0].Height)
	written, err := os.ReadFile(images[0].Path)
	require.NoError(t, err)
	assert.Equal(t, photo, written)
}

func TestExtractPDFTablesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := tenderPDF(t, jpegBytes(t, 5, 3))
	temp := writePDF(t, dir, "temp.pdf", data)
	archived := writePDF(t, dir, "archived.pdf", data)

	ex := New(Options{})
	a, err := ex.ExtractTables(context.Background(), temp, model.KindPDF)
	require.NoError(t, err)
	b, err := ex.ExtractTables(context.Background(), archived, model.KindPDF)
	require.NoError(t, err)
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)
	assert.Equal(t, "| 序号 | 名称 | 单价 |\n| --- | --- | --- |\n| 1 | 路灯 | 1000 |\n| 2 | 电缆 | 500 |", a[0].Markdown)
}

func TestExtractPDFCIDFontWithToUnicode(t *testing.T) {
	dir := t.TempDir()
	p := writePDF(t, dir, "cid.pdf", cidPDF(cidTenderText, true))

	tika := &fakeTika{text: "unused"}
	doc, err := New(Options{Tika: tika}).Extract(context.Background(), p, model.KindPDF)
	require.NoError(t, err)

	assert.Equal(t, "pdfcpu", doc.Source)
	assert.Zero(t, tika.calls)
	assert.Equal(t, cidTenderText, doc.Text)

	titles, fallback := chapterTitles(doc.Text)
	assert.False(t, fallback)
	assert.Equal(t, []string{"总则", "投标人资格要求"}, titles)
}

func TestExtractPDFGarbledTextFallsBackToTika(t *testing.T) {
	dir := t.TempDir()
	p := writePDF(t, dir, "cid-no-cmap.pdf", cidPDF(cidTenderText, false))

	tika := &fakeTika{text: cidTenderText}
	doc, err := New(Options{Tika: tika}).Extract(context.Background(), p, model.KindPDF)
	require.NoError(t, err)

	assert.Equal(t, 1, tika.calls)
	assert.Equal(t, "tika", doc.Source)
	assert.Equal(t, cidTenderText, doc.Text)
	titles, fallback := chapterTitles(doc.Text)
	assert.False(t, fallback)
	assert.Contains(t, titles, "投标人资格要求")
}

func TestGlyphCodesWithoutCMapAreGarbled(t *testing.T) {
	// 中国国家标准 按双字节字形码写入，没有 CMap 时按 Latin-1 解出
	line := "<" + strings.Repeat(glyphHex("中国国家标准"), 20) + "> Tj"
	text, q := pageContentText([]byte("BT /F2 12 Tf "+line+" ET"), nil)

	assert.Greater(t, nonSpaceRunes(text), minRunesPerPage)
	assert.True(t, q.garbled(), "garbage %d of %d", q.Garbage, q.Runes)

	fonts := map[string]*toUnicode{"/F2": parseToUnicode([]byte(identityCMap("中国国家标准")))}
	text, q = pageContentText([]byte("BT /F2 12 Tf "+line+" ET"), fonts)
	assert.Equal(t, strings.Repeat("中国国家标准", 20), text)
	assert.False(t, q.garbled())
	assert.Zero(t, q.Garbage)
}

func TestPlainTextIsNotGarbled(t *testing.T) {
	_, q := pageContentText([]byte("BT (Bid bond: 5% of the contract price) Tj ET"), nil)
	assert.False(t, q.garbled())
	_, q = pageContentText([]byte("BT "+utf16Hex("投标保证金为合同价的百分之五")+" Tj ET"), nil)
	assert.False(t, q.garbled())
}

func TestParseToUnicode(t *testing.T) {
	cmap := []byte(`/CIDInit /ProcSet findresource begin
12 dict begin
begincmap
1 begincodespacerange
<0000> <FFFF>
endcodespacerange
2 beginbfchar
<0003> <0020>
<0010> <62DB>
endbfchar
2 beginbfrange
<0020> <0022> <6807>
<0030> <0031> [<4E66> <D840DC00>]
endbfrange
endcmap
end
end`)
	cm := parseToUnicode(cmap)
	require.NotNil(t, cm)
	assert.Equal(t, 2, cm.width)

	text, unmapped := cm.decode([]byte{0x00, 0x10, 0x00, 0x20, 0x00, 0x21, 0x00, 0x22, 0x00, 0x03, 0x00, 0x30, 0x00, 0x31})
	assert.Equal(t, "招标栈栉 书\U00020000", text)
	assert.Zero(t, unmapped)

	_, unmapped = cm.decode([]byte{0x00, 0x99})
	assert.Equal(t, 1, unmapped)

	assert.Nil(t, parseToUnicode([]byte("begincmap endcmap")))
}
