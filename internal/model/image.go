package model

import "gorm.io/datatypes"

// ImageRecord 对应 image_records 表，(file_id, ordinal) 唯一。
type ImageRecord struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID  string `gorm:"type:varchar(36);not null;uniqueIndex:idx_image_file_ord,priority:1" json:"fileId"`
	Ordinal int    `gorm:"not null;uniqueIndex:idx_image_file_ord,priority:2" json:"ordinal"`
	Format  string `gorm:"type:varchar(16)" json:"format"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Size    int64  `json:"size"`
	Path    string `gorm:"type:varchar(512)" json:"path"`
	SHA256  string `gorm:"type:char(64);column:sha256" json:"sha256"`
}

func (ImageRecord) TableName() string {
	return "image_records"
}

// TableRecord 对应 table_records 表。
type TableRecord struct {
	ID       uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID   string         `gorm:"type:varchar(36);not null;index" json:"fileId"`
	Ordinal  int            `gorm:"not null" json:"ordinal"`
	Page     int            `json:"page"`
	Headers  datatypes.JSON `json:"headers"`
	Rows     datatypes.JSON `json:"rows"`
	Markdown string         `gorm:"type:longtext" json:"markdown"`
}

func (TableRecord) TableName() string {
	return "table_records"
}

// FinancialReport 记录按年度拆分出的财务报告片段。
type FinancialReport struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID    string `gorm:"type:varchar(36);not null;index" json:"fileId"`
	Year      int    `gorm:"not null" json:"year"`
	StartPage int    `json:"startPage"`
	EndPage   int    `json:"endPage"`
	PageCount int    `json:"pageCount"`
	Path      string `gorm:"type:varchar(512)" json:"path"`
}

func (FinancialReport) TableName() string {
	return "financial_reports"
}
