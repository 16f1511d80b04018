// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// FileStatus 是文件记录在入库流水线中的状态。
type FileStatus string

const (
	StatusUploaded      FileStatus = "uploaded"
	StatusUploadFailed  FileStatus = "upload_failed"
	StatusParsing       FileStatus = "parsing"
	StatusParsed        FileStatus = "parsed"
	StatusParseFailed   FileStatus = "parse_failed"
	StatusArchiving     FileStatus = "archiving"
	StatusArchived      FileStatus = "archived"
	StatusArchiveFailed FileStatus = "archive_failed"
	StatusIndexing      FileStatus = "indexing"
	StatusIndexed       FileStatus = "indexed"
	StatusIndexFailed   FileStatus = "index_failed"
	StatusDuplicate     FileStatus = "duplicate"
	StatusDeleted       FileStatus = "deleted"
)

// IsTerminal 表示控制器不会再自动推进该状态。
func (s FileStatus) IsTerminal() bool {
	switch s {
	case StatusIndexed, StatusUploadFailed, StatusParseFailed, StatusArchiveFailed,
		StatusIndexFailed, StatusDuplicate, StatusDeleted:
		return true
	}
	return false
}

// IsFailed 表示某个阶段失败后的终态。
func (s FileStatus) IsFailed() bool {
	switch s {
	case StatusUploadFailed, StatusParseFailed, StatusArchiveFailed, StatusIndexFailed:
		return true
	}
	return false
}

// InFlightStatuses 是积压水位统计的状态集合。
var InFlightStatuses = []FileStatus{StatusUploaded, StatusParsing, StatusArchiving, StatusIndexing}

// ResumableStatuses 是恢复扫描会重新投递的非终态集合。
var ResumableStatuses = []FileStatus{StatusUploaded, StatusParsing, StatusParsed, StatusArchiving, StatusArchived, StatusIndexing}

// Category 是文档分类。
type Category string

const (
	CategoryTender    Category = "tender"
	CategoryProposal  Category = "proposal"
	CategoryReference Category = "reference"
	CategoryContract  Category = "contract"
	CategoryReport    Category = "report"
	CategoryOther     Category = "other"
)

// Categories 按固定顺序列出全部分类。
var Categories = []Category{CategoryTender, CategoryProposal, CategoryReference, CategoryContract, CategoryReport, CategoryOther}

// ParseCategory 校验并返回分类，空字符串或未知值返回 false。
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// FileKind 是按扩展名识别的文件类型。
type FileKind string

const (
	KindPDF    FileKind = "pdf"
	KindOffice FileKind = "office"
	KindText   FileKind = "text"
)

// DuplicateAction 是调用方对同名不同内容上传的处理决定。
type DuplicateAction string

const (
	DuplicateOverwrite DuplicateAction = "overwrite"
	DuplicateUpdate    DuplicateAction = "update"
	DuplicateSkip      DuplicateAction = "skip"
)

// ParseDuplicateAction 校验处理决定，空字符串返回 ("", true) 表示未指定。
func ParseDuplicateAction(s string) (DuplicateAction, bool) {
	switch DuplicateAction(s) {
	case "":
		return "", true
	case DuplicateOverwrite, DuplicateUpdate, DuplicateSkip:
		return DuplicateAction(s), true
	}
	return "", false
}

// FileRecord 定义了 file_records 表，一个物理上传文件对应一条记录。
// 记录只做软删除：归档文件存在期间不会被物理删除。
type FileRecord struct {
	ID                string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	SessionID         string         `gorm:"type:varchar(36);index" json:"sessionId"`
	Uploader          string         `gorm:"type:varchar(64)" json:"uploader"`
	OriginalFilename  string         `gorm:"type:varchar(255);not null;index" json:"originalFilename"`
	Kind              FileKind       `gorm:"type:varchar(16);not null" json:"kind"`
	Ext               string         `gorm:"type:varchar(16);not null" json:"ext"`
	ContentHash       string         `gorm:"type:char(64);not null;index" json:"contentHash"`
	Size              int64          `gorm:"not null" json:"size"`
	TempPath          string         `gorm:"type:varchar(512)" json:"tempPath,omitempty"`
	ArchivePath       string         `gorm:"type:varchar(512)" json:"archivePath,omitempty"`
	Category          Category       `gorm:"type:varchar(16)" json:"category"`
	RequestedCategory Category       `gorm:"type:varchar(16)" json:"requestedCategory,omitempty"`
	SemanticName      string         `gorm:"type:varchar(255)" json:"semanticName"`
	Status            FileStatus     `gorm:"type:varchar(20);not null;index" json:"status"`
	ErrorMessage      string         `gorm:"type:text" json:"errorMessage,omitempty"`
	DuplicateOf       string         `gorm:"type:varchar(36)" json:"duplicateOf,omitempty"`
	Supersedes        string         `gorm:"type:varchar(36)" json:"supersedes,omitempty"`
	ChapterFallback   bool           `gorm:"not null;default:false" json:"chapterFallback"`
	Metadata          datatypes.JSON `json:"metadata"`

	UploadedAt  time.Time  `gorm:"not null" json:"uploadedAt"`
	ParsingAt   *time.Time `json:"parsingAt,omitempty"`
	ParsedAt    *time.Time `json:"parsedAt,omitempty"`
	ArchivingAt *time.Time `json:"archivingAt,omitempty"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
	IndexingAt  *time.Time `json:"indexingAt,omitempty"`
	IndexedAt   *time.Time `json:"indexedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FileRecord) TableName() string {
	return "file_records"
}

// Hash6 返回内容哈希的前 6 位十六进制。
func (r *FileRecord) Hash6() string {
	if len(r.ContentHash) < 6 {
		return r.ContentHash
	}
	return r.ContentHash[:6]
}

// FileMetadata 是 file_records.metadata 的结构。
type FileMetadata struct {
	PageCount          int      `json:"page_count,omitempty"`
	HasTables          bool     `json:"has_tables"`
	TableCount         int      `json:"table_count"`
	ImageCount         int      `json:"image_count"`
	ChapterCount       int      `json:"chapter_count"`
	ParseMillis        int64    `json:"parse_ms"`
	OutlinePreview     []string `json:"outline_preview,omitempty"`
	ClassificationNote string   `json:"classification_note,omitempty"`
	TextSource         string   `json:"text_source,omitempty"`
}

// JSON 将元数据序列化为 datatypes.JSON。
func (m FileMetadata) JSON() datatypes.JSON {
	b, _ := json.Marshal(m)
	return datatypes.JSON(b)
}

// DecodeMetadata 解析记录上的元数据，空值返回零值。
func (r *FileRecord) DecodeMetadata() FileMetadata {
	var m FileMetadata
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &m)
	}
	return m
}

// StatusTimestampColumn 返回进入某状态时需要写入的时间戳列。
// uploaded_at 只在创建时写入，归档目录按它分区。
func StatusTimestampColumn(s FileStatus) string {
	switch s {
	case StatusParsing:
		return "parsing_at"
	case StatusParsed:
		return "parsed_at"
	case StatusArchiving:
		return "archiving_at"
	case StatusArchived:
		return "archived_at"
	case StatusIndexing:
		return "indexing_at"
	case StatusIndexed:
		return "indexed_at"
	case StatusDeleted:
		return "deleted_at"
	case StatusUploadFailed, StatusParseFailed, StatusArchiveFailed, StatusIndexFailed:
		return "failed_at"
	}
	return ""
}

// transitions 列出允许的状态迁移。deleted 可以从任意状态进入，单独处理。
var transitions = map[FileStatus][]FileStatus{
	StatusUploaded:      {StatusParsing, StatusDuplicate, StatusUploadFailed},
	StatusDuplicate:     {StatusUploaded},
	StatusParsing:       {StatusParsed, StatusParseFailed, StatusUploaded},
	StatusParsed:        {StatusArchiving},
	StatusArchiving:     {StatusArchived, StatusArchiveFailed, StatusParsed},
	StatusArchived:      {StatusIndexing},
	StatusIndexing:      {StatusIndexed, StatusIndexFailed, StatusArchived},
	StatusIndexed:       {StatusParsing},
	StatusParseFailed:   {StatusParsing},
	StatusArchiveFailed: {StatusParsing},
	StatusIndexFailed:   {StatusParsing},
}

// CanTransition 判断 from → to 是否是合法迁移。
func CanTransition(from, to FileStatus) bool {
	if to == StatusDeleted {
		return from != StatusDeleted
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReparseableStatuses 是允许重新解析的状态。
var ReparseableStatuses = []FileStatus{StatusIndexed, StatusParseFailed, StatusArchiveFailed, StatusIndexFailed}
