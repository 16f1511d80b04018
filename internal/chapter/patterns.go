package chapter

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// form 是标题的编号形式，数值即优先级顺序。
type form int

const (
	formPart form = iota + 1
	formChapter
	formCNEnum
	formDecimal
	formParen
)

func (f form) String() string {
	switch f {
	case formPart:
		return "part"
	case formChapter:
		return "chapter"
	case formCNEnum:
		return "cn_enum"
	case formDecimal:
		return "decimal"
	case formParen:
		return "paren"
	}
	return "unknown"
}

const cnDigits = `[一二三四五六七八九十百零〇两]+`

// 识别器只做纯匹配，全部是包级只读变量。
var (
	partRe    = regexp.MustCompile(`^(第(?:` + cnDigits + `|\d{1,2})部分)[\s:：]*(.*)$`)
	chapterRe = regexp.MustCompile(`^(第(?:` + cnDigits + `|\d{1,3})[章节])[\s:：]*(.*)$`)
	cnEnumRe  = regexp.MustCompile(`^([一二三四五六七八九十]+)、\s*(.*)$`)
	decimalRe = regexp.MustCompile(`^(\d{1,3}(?:\.\d{1,3}){0,3})([.、．])?(\s*)(.*)$`)
	parenRe   = regexp.MustCompile(`^([(（]([一二三四五六七八九十]+|\d{1,2})[)）])\s*(.*)$`)

	// 目录行：点引导符、省略号，或引导符后跟页码。
	tocLeaderRe = regexp.MustCompile(`(?:\.{3,}|…|·{3,}|．{3,}|-{4,}|_{4,})`)
	tocPageRe   = regexp.MustCompile(`[.．·…]{2,}\s*\d+\s*$`)

	pageNumberRes = []*regexp.Regexp{
		regexp.MustCompile(`^[-—–]?\s*\d{1,4}\s*[-—–]?$`),
		regexp.MustCompile(`^第\s*\d+\s*页(?:\s*[,，/]?\s*共\s*\d+\s*页)?$`),
		regexp.MustCompile(`^\d{1,4}\s*/\s*\d{1,4}$`),
		regexp.MustCompile(`(?i)^page\s*\d+(?:\s*of\s*\d+)?$`),
		regexp.MustCompile(`^共\s*\d+\s*页\s*第\s*\d+\s*页$`),
	}
)

const (
	maxHeadingRunes    = 80
	minHeadingNonBlank = 4
	maxFirstSegment    = 30
)

// candidate 是一行在语法层面匹配到的标题。
type candidate struct {
	form     form
	number   string
	title    string
	segments []int // decimal
	ordinal  int   // cn_enum / paren
	parenCN  bool
}

// normalizeLine 把全角空格视为普通空白并去掉首尾空白。
func normalizeLine(line string) string {
	return strings.TrimSpace(strings.ReplaceAll(line, "　", " "))
}

// IsPageNumberLine 判断一行是否是页码行（如 "12"、"- 12 -"、"第 3 页"、"3/20"、"Page 3 of 20"）。
func IsPageNumberLine(line string) bool {
	s := normalizeLine(line)
	if s == "" {
		return false
	}
	for _, re := range pageNumberRes {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func isTOCLine(s string) bool {
	return tocLeaderRe.MatchString(s) || tocPageRe.MatchString(s)
}

func nonBlankRunes(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// recognize 按优先级匹配标题形式，第一个语法匹配即决定该行的形式；过滤不通过则该行是正文。
func recognize(raw string) (candidate, bool) {
	if strings.Count(raw, "\t") >= 2 {
		return candidate{}, false
	}
	line := normalizeLine(raw)
	if line == "" || utf8.RuneCountInString(line) > maxHeadingRunes {
		return candidate{}, false
	}
	if IsPageNumberLine(line) || isTOCLine(line) {
		return candidate{}, false
	}

	if m := partRe.FindStringSubmatch(line); m != nil {
		return markerCandidate(formPart, m[1], m[2])
	}
	if m := chapterRe.FindStringSubmatch(line); m != nil {
		return markerCandidate(formChapter, m[1], m[2])
	}

	// 其余形式受页脚启发式约束
	if nonBlankRunes(line) < minHeadingNonBlank {
		return candidate{}, false
	}

	if m := cnEnumRe.FindStringSubmatch(line); m != nil {
		n := cnToInt(m[1])
		title := strings.TrimSpace(m[2])
		if n < 1 || n > 99 || !isValidTitle(title) {
			return candidate{}, false
		}
		return candidate{form: formCNEnum, number: m[1], title: title, ordinal: n}, true
	}
	if m := decimalRe.FindStringSubmatch(line); m != nil {
		return decimalCandidate(m[1], m[2], m[3], m[4])
	}
	if m := parenRe.FindStringSubmatch(line); m != nil {
		title := strings.TrimSpace(m[3])
		if !isValidTitle(title) {
			return candidate{}, false
		}
		c := candidate{form: formParen, number: m[1], title: title}
		if n, err := strconv.Atoi(m[2]); err == nil {
			c.ordinal = n
		} else {
			c.ordinal = cnToInt(m[2])
			c.parenCN = true
		}
		if c.ordinal < 1 {
			return candidate{}, false
		}
		return c, true
	}
	return candidate{}, false
}

// markerCandidate 处理"第X部分/章/节"：标题可以为空，此时以编号本身作为标题。
func markerCandidate(f form, number, rest string) (candidate, bool) {
	title := strings.TrimSpace(rest)
	if title == "" {
		return candidate{form: f, number: number, title: number}, true
	}
	if !isValidTitle(title) {
		return candidate{}, false
	}
	return candidate{form: f, number: number, title: title}, true
}

func decimalCandidate(number, sep, space, rest string) (candidate, bool) {
	title := strings.TrimSpace(rest)
	if title == "" {
		return candidate{}, false
	}
	parts := strings.Split(number, ".")
	segs := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return candidate{}, false
		}
		segs = append(segs, n)
	}
	if segs[0] > maxFirstSegment {
		return candidate{}, false
	}

	first, _ := utf8.DecodeRuneInString(title)
	if unicode.IsDigit(first) || first == '.' || first == '%' || first == '％' || isUnitRune(first) {
		// 形如 1.5万元、3 个工作日
		return candidate{}, false
	}
	if len(segs) == 1 && sep == "" && space == "" {
		// 单独的 N 后必须有空白或分隔符
		return candidate{}, false
	}
	if !isValidTitle(title) {
		return candidate{}, false
	}
	return candidate{form: formDecimal, number: number, title: title, segments: segs}, true
}

const unitRunes = "元米天年月日吨个次万千百亿台套件"

func isUnitRune(r rune) bool {
	return strings.ContainsRune(unitRunes, r)
}

var (
	leadingPunct = []rune("，。、；：,.;:!?！？)）]】(（[【》」』")
	pureInvalid  = map[string]bool{"。": true, "，": true, "、": true, "；": true, "：": true, "…": true, "...": true}
)

// isValidTitle 过滤不是标题的文字：标点开头、短的数量短语、条款碎片、目录行和句子。
func isValidTitle(title string) bool {
	if utf8.RuneCountInString(title) < 2 || pureInvalid[title] {
		return false
	}
	first, _ := utf8.DecodeRuneInString(title)
	if utf8.RuneCountInString(title) <= 5 && (isUnitRune(first) || strings.ContainsFunc(title, unicode.IsDigit)) {
		// 短的数量短语，如 "万元"、"30天"
		return false
	}
	for _, p := range leadingPunct {
		if first == p {
			return false
		}
	}
	if strings.ContainsRune("款条项", first) && strings.ContainsAny(title, "〔【（") {
		return false
	}
	if strings.HasPrefix(title, "...") || strings.HasSuffix(title, "...") {
		return false
	}
	if strings.Count(title, ".") > 10 || strings.Count(title, "。") > 5 {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(title)
	if last == '。' || last == '；' || last == ';' || last == '，' || last == ',' {
		return false
	}
	return true
}

var cnDigitValue = map[rune]int{
	'零': 0, '〇': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// cnToInt 把中文数字（最多到百位）转换为整数，无法识别时返回 0。
func cnToInt(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	total, cur := 0, 0
	for _, r := range s {
		switch r {
		case '十':
			if cur == 0 {
				cur = 1
			}
			total += cur * 10
			cur = 0
		case '百':
			if cur == 0 {
				cur = 1
			}
			total += cur * 100
			cur = 0
		default:
			v, ok := cnDigitValue[r]
			if !ok {
				return 0
			}
			cur = v
		}
	}
	return total + cur
}

// lessSegments 按字典序比较十进制编号。
func lessSegments(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// collapseWhitespace 把行内连续空白（含制表符、全角空格）压缩为单个空格。
func collapseWhitespace(line string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ReplaceAll(line, "　", " "), " "))
}
