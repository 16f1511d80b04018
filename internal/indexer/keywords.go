package indexer

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

const topKeywords = 5

// 虚词：包含它们的二元组不作为关键词。
const stopRunes = "的了和与及或在是为对等按其该本此之由将于并而被把向从以也就都所"

var stopBigrams = map[string]bool{
	"我们": true, "你们": true, "他们": true, "以及": true, "或者": true, "可以": true,
	"进行": true, "根据": true, "有关": true, "相关": true, "如下": true, "一个": true,
}

// Keywords 按词频取前 5 个词：长度≥2 的 ASCII 单词和汉字二元组，同频按字典序。
func Keywords(text string) []string {
	freq := map[string]int{}

	var word []rune
	var han []rune
	flushWord := func() {
		if len(word) >= 2 {
			freq[strings.ToLower(string(word))]++
		}
		word = word[:0]
	}
	flushHan := func() {
		for i := 0; i+1 < len(han); i++ {
			bg := string(han[i : i+2])
			if stopBigrams[bg] || strings.ContainsRune(stopRunes, han[i]) || strings.ContainsRune(stopRunes, han[i+1]) {
				continue
			}
			freq[bg]++
		}
		han = han[:0]
	}

	for _, r := range text {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			flushHan()
			word = append(word, r)
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > topKeywords {
		terms = terms[:topKeywords]
	}
	return terms
}

var (
	mandatoryMarkers = []string{"必须", "应当", "不得", "严禁", "实质性", "废标", "否决", "★", "▲"}
	scoringMarkers   = []string{"评分", "得分", "分值", "评审", "评标"}
)

// Importance 从 0.5 起算：强制性条款 +0.2，评分条款 +0.2，浅层章节（level≤2）+0.1，上限 1.0。
func Importance(title, content string, level int) float64 {
	text := title + "\n" + content
	score := 0.5
	if containsAny(text, mandatoryMarkers) {
		score += 0.2
	}
	if containsAny(text, scoringMarkers) {
		score += 0.2
	}
	if level > 0 && level <= 2 {
		score += 0.1
	}
	return min(math.Round(score*100)/100, 1.0)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
