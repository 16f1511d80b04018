package extractor

import (
	"strings"

	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	xunicode "golang.org/x/text/encoding/unicode"
)

// 单个 bfrange 最多展开的码数，超出部分丢弃。
const maxRangeCodes = 1 << 16

// toUnicode 是字体 ToUnicode CMap 解析出的字形码到文本的映射。
// CID 字体（Identity-H）的字符串是双字节字形码，必须经过它才能还原出汉字。
type toUnicode struct {
	width int
	codes map[uint32]string
}

// decode 按码宽切分 raw 并查表，返回文本和查不到的码数。
func (c *toUnicode) decode(raw []byte) (string, int) {
	var sb strings.Builder
	unmapped := 0
	for i := 0; i+c.width <= len(raw); i += c.width {
		if s, ok := c.codes[codeOf(raw[i:i+c.width])]; ok {
			sb.WriteString(s)
			continue
		}
		unmapped++
	}
	return sb.String(), unmapped
}

func codeOf(b []byte) uint32 {
	var code uint32
	for _, c := range b {
		code = code<<8 | uint32(c)
	}
	return code
}

func utf16Text(b []byte) string {
	out, err := xunicode.UTF16(xunicode.BigEndian, xunicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(out)
}

// parseToUnicode 解析 codespacerange、bfchar 和 bfrange 段，没有任何映射时返回 nil。
func parseToUnicode(data []byte) *toUnicode {
	cm := &toUnicode{codes: make(map[uint32]string)}
	lx := &csLexer{data: data}

	var (
		section  string
		operands []any
		array    []any
		inArray  bool
	)
	for {
		tok, isOp, ok := lx.next()
		if !ok {
			break
		}
		if !isOp {
			if inArray {
				array = append(array, tok)
			} else {
				operands = append(operands, tok)
			}
			continue
		}
		switch op := tok.(string); op {
		case "[":
			inArray, array = true, nil
		case "]":
			inArray = false
			operands = append(operands, array)
		case "begincodespacerange", "beginbfchar", "beginbfrange":
			section, operands = op, nil
		case "endcodespacerange":
			if len(operands) > 0 {
				if lo, ok := operands[0].([]byte); ok && cm.width == 0 {
					cm.width = len(lo)
				}
			}
			section, operands = "", nil
		case "endbfchar":
			for i := 0; i+1 < len(operands); i += 2 {
				src, ok1 := operands[i].([]byte)
				dst, ok2 := operands[i+1].([]byte)
				if ok1 && ok2 && len(src) > 0 {
					cm.add(src, utf16Text(dst))
				}
			}
			section, operands = "", nil
		case "endbfrange":
			for i := 0; i+2 < len(operands); i += 3 {
				cm.addRange(operands[i], operands[i+1], operands[i+2])
			}
			section, operands = "", nil
		default:
			if section == "" {
				operands = nil
			}
		}
	}
	if len(cm.codes) == 0 {
		return nil
	}
	if cm.width == 0 {
		cm.width = 2
	}
	return cm
}

func (c *toUnicode) add(src []byte, text string) {
	if c.width == 0 {
		c.width = len(src)
	}
	c.codes[codeOf(src)] = text
}

// addRange 展开 <lo> <hi> <dst> 或 <lo> <hi> [<d1> <d2> ...]。
func (c *toUnicode) addRange(loTok, hiTok, dstTok any) {
	lo, ok1 := loTok.([]byte)
	hi, ok2 := hiTok.([]byte)
	if !ok1 || !ok2 || len(lo) == 0 {
		return
	}
	if c.width == 0 {
		c.width = len(lo)
	}
	from, to := codeOf(lo), codeOf(hi)
	if to < from {
		return
	}
	if to-from >= maxRangeCodes {
		to = from + maxRangeCodes - 1
	}

	switch dst := dstTok.(type) {
	case []byte:
		base := []rune(utf16Text(dst))
		if len(base) == 0 {
			return
		}
		for code := from; code <= to; code++ {
			r := make([]rune, len(base))
			copy(r, base)
			r[len(r)-1] += rune(code - from)
			c.codes[code] = string(r)
		}
	case []any:
		for i, item := range dst {
			code := from + uint32(i)
			if code > to {
				break
			}
			if b, ok := item.([]byte); ok {
				c.codes[code] = utf16Text(b)
			}
		}
	}
}

// pageFonts 读取页面字体资源里的 ToUnicode CMap，键为内容流中的字体名（带前导斜杠）。
// 取不到资源时返回 nil，调用方按字节解码。
func pageFonts(ctx *pdfmodel.Context, pageNr int) map[string]*toUnicode {
	pageDict, _, inh, err := ctx.PageDict(pageNr, false)
	if err != nil {
		return nil
	}
	var res types.Dict
	if inh != nil {
		res = inh.Resources
	}
	if res == nil {
		if o, ok := pageDict.Find("Resources"); ok {
			res, _ = ctx.DereferenceDict(o)
		}
	}
	if res == nil {
		return nil
	}
	o, ok := res.Find("Font")
	if !ok {
		return nil
	}
	fontRes, err := ctx.DereferenceDict(o)
	if err != nil || fontRes == nil {
		return nil
	}

	fonts := make(map[string]*toUnicode)
	for name, obj := range fontRes {
		if obj == nil {
			continue
		}
		fd, err := ctx.DereferenceDict(obj)
		if err != nil || fd == nil {
			continue
		}
		tu, ok := fd.Find("ToUnicode")
		if !ok {
			continue
		}
		sd, _, err := ctx.DereferenceStreamDict(tu)
		if err != nil || sd == nil {
			continue
		}
		if err := sd.Decode(); err != nil {
			continue
		}
		if cm := parseToUnicode(sd.Content); cm != nil {
			fonts["/"+name] = cm
		}
	}
	return fonts
}
