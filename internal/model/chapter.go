package model

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// ChapterRecord 对应 chapter_records 表，同一文件内 position 从 1 开始连续递增。
type ChapterRecord struct {
	ID       uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID   string         `gorm:"type:varchar(36);not null;uniqueIndex:idx_chapter_file_pos,priority:1" json:"fileId"`
	Position int            `gorm:"not null;uniqueIndex:idx_chapter_file_pos,priority:2" json:"position"`
	Level    int            `gorm:"not null" json:"level"`
	Number   string         `gorm:"type:varchar(64)" json:"number"`
	Title    string         `gorm:"type:varchar(255)" json:"title"`
	Body     string         `gorm:"type:longtext" json:"body"`
	OwnText  string         `gorm:"type:longtext" json:"ownText"`
	Payload  datatypes.JSON `json:"payload,omitempty"`
}

func (ChapterRecord) TableName() string {
	return "chapter_records"
}

// ChapterPayload 是章节的结构化附加信息。
type ChapterPayload struct {
	LineStart int `json:"line_start"`
	LineEnd   int `json:"line_end"`
	OwnLength int `json:"own_length"`
	PageHint  int `json:"page_hint,omitempty"`
}

// JSON 序列化章节附加信息。
func (p ChapterPayload) JSON() datatypes.JSON {
	b, _ := json.Marshal(p)
	return datatypes.JSON(b)
}

// ChapterSummary 是诊断接口返回的章节摘要，不包含正文。
type ChapterSummary struct {
	Level    int    `json:"chapter_level"`
	Number   string `json:"chapter_number"`
	Title    string `json:"chapter_title"`
	Position int    `json:"position_order"`
}

// Summary 返回不含正文的章节摘要。
func (c *ChapterRecord) Summary() ChapterSummary {
	return ChapterSummary{Level: c.Level, Number: c.Number, Title: c.Title, Position: c.Position}
}
