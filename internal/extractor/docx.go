package extractor

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// extractDocx 读取 word/document.xml：先按文档顺序输出表格外的段落，再输出表格（单元格以制表符、行以换行分隔）。
func extractDocx(path string) (*Document, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("open zip: %w", err)}
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("word/document.xml not found in archive")}
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("open document.xml: %w", err)}
	}
	defer rc.Close()

	paragraphs, grids, err := walkDocumentXML(rc)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	lines := make([]string, 0, len(paragraphs))
	lines = append(lines, paragraphs...)
	tables := make([]Table, 0, len(grids))
	for _, grid := range grids {
		for _, row := range grid {
			lines = append(lines, strings.Join(row, "\t"))
		}
		if t, ok := newTable(0, grid); ok {
			tables = append(tables, t)
		}
	}
	for i := range tables {
		tables[i].Ordinal = i + 1
	}

	return &Document{
		Text:   canonicalLines(strings.Join(lines, "\n")),
		Tables: tables,
		Source: "docx",
	}, nil
}

// walkDocumentXML 返回表格外的非空段落，以及每个顶层表格的单元格矩阵。嵌套表格的文字并入外层单元格。
func walkDocumentXML(r io.Reader) ([]string, [][][]string, error) {
	decoder := xml.NewDecoder(r)

	var (
		paragraphs []string
		grids      [][][]string
		para       strings.Builder
		cell       []string
		row        []string
		grid       [][]string
		inText     bool
		tblDepth   int
	)

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decode document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth++
				if tblDepth == 1 {
					grid = nil
				}
			case "tr":
				if tblDepth == 1 {
					row = nil
				}
			case "tc":
				if tblDepth == 1 {
					cell = nil
				}
			case "p":
				para.Reset()
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte(' ')
			}

		case xml.CharData:
			if inText {
				para.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				if tblDepth == 0 {
					if text != "" {
						paragraphs = append(paragraphs, text)
					}
				} else if text != "" {
					// 单元格内的制表符会破坏列结构
					cell = append(cell, strings.ReplaceAll(text, "\t", " "))
				}
				para.Reset()
			case "tc":
				if tblDepth == 1 {
					row = append(row, strings.Join(cell, " "))
				}
			case "tr":
				if tblDepth == 1 {
					grid = append(grid, row)
				}
			case "tbl":
				if tblDepth == 1 && len(grid) > 0 {
					grids = append(grids, grid)
				}
				tblDepth--
			}
		}
	}
	return paragraphs, grids, nil
}
