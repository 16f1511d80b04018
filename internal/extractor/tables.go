package extractor

import (
	"regexp"
	"strings"
)

// Table 是提取出的一张表格。
type Table struct {
	Ordinal  int
	Page     int // DOCX 表格为 0
	Headers  []string
	Rows     [][]string
	Markdown string
}

// 两个及以上的空白（含全角空格）视为列间隔。
var columnGapRe = regexp.MustCompile(`[ \x{3000}]{2,}`)

// splitColumns 按制表符或连续空白把一行切成单元格。
func splitColumns(line string) []string {
	var parts []string
	if strings.Contains(line, "\t") {
		parts = strings.Split(line, "\t")
	} else {
		parts = columnGapRe.Split(strings.TrimSpace(line), -1)
	}
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

// tablesFromPages 是表格版面分析：同一页内连续至少两行、列数相同（≥2）的行构成一张表。
func tablesFromPages(pages []string) []Table {
	var tables []Table
	for i, page := range pages {
		var run [][]string
		flush := func() {
			if len(run) >= 2 {
				if t, ok := newTable(i+1, run); ok {
					tables = append(tables, t)
				}
			}
			run = nil
		}
		for _, line := range strings.Split(page, "\n") {
			if strings.TrimSpace(line) == "" {
				flush()
				continue
			}
			cells := splitColumns(line)
			if len(cells) < 2 {
				flush()
				continue
			}
			if len(run) > 0 && len(run[0]) != len(cells) {
				flush()
			}
			run = append(run, cells)
		}
		flush()
	}
	for i := range tables {
		tables[i].Ordinal = i + 1
	}
	return tables
}

// newTable 以第一个非空行作为表头构造表格。
func newTable(page int, grid [][]string) (Table, bool) {
	start := -1
	for i, row := range grid {
		if !rowEmpty(row) {
			start = i
			break
		}
	}
	if start < 0 {
		return Table{}, false
	}
	headers := grid[start]
	rows := append([][]string{}, grid[start+1:]...)
	return Table{
		Page:     page,
		Headers:  headers,
		Rows:     rows,
		Markdown: RenderMarkdown(headers, rows),
	}, true
}

func rowEmpty(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

var markdownCellReplacer = strings.NewReplacer("|", `\|`, "\r\n", "<br>", "\n", "<br>", "\r", "<br>")

// RenderMarkdown 渲染 Markdown 表格，数据行按表头列数补齐或截断。
func RenderMarkdown(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}
	var sb strings.Builder
	writeRow := func(cells []string) {
		sb.WriteString("|")
		for i := 0; i < len(headers); i++ {
			cell := ""
			if i < len(cells) {
				cell = markdownCellReplacer.Replace(cells[i])
			}
			sb.WriteString(" ")
			sb.WriteString(cell)
			sb.WriteString(" |")
		}
	}
	writeRow(headers)
	sb.WriteString("\n|")
	for range headers {
		sb.WriteString(" --- |")
	}
	for _, row := range rows {
		sb.WriteString("\n")
		writeRow(row)
	}
	return sb.String()
}
