package model

// StageTimestamps 是各阶段的进入时间。
type StageTimestamps struct {
	UploadedAt  LocalTime  `json:"uploaded_at"`
	ParsingAt   *LocalTime `json:"parsing_at,omitempty"`
	ParsedAt    *LocalTime `json:"parsed_at,omitempty"`
	ArchivingAt *LocalTime `json:"archiving_at,omitempty"`
	ArchivedAt  *LocalTime `json:"archived_at,omitempty"`
	IndexingAt  *LocalTime `json:"indexing_at,omitempty"`
	IndexedAt   *LocalTime `json:"indexed_at,omitempty"`
	FailedAt    *LocalTime `json:"failed_at,omitempty"`
	DeletedAt   *LocalTime `json:"deleted_at,omitempty"`
}

// Timestamps 返回记录的阶段时间戳视图。
func (r *FileRecord) Timestamps() StageTimestamps {
	return StageTimestamps{
		UploadedAt:  LocalTime(r.UploadedAt),
		ParsingAt:   localTimePtr(r.ParsingAt),
		ParsedAt:    localTimePtr(r.ParsedAt),
		ArchivingAt: localTimePtr(r.ArchivingAt),
		ArchivedAt:  localTimePtr(r.ArchivedAt),
		IndexingAt:  localTimePtr(r.IndexingAt),
		IndexedAt:   localTimePtr(r.IndexedAt),
		FailedAt:    localTimePtr(r.FailedAt),
		DeletedAt:   localTimePtr(r.DeletedAt),
	}
}

// StatusView 是 status(file_id) 的返回结构。
type StatusView struct {
	FileID              string          `json:"file_id"`
	OriginalFilename    string          `json:"original_filename"`
	Status              FileStatus      `json:"status"`
	Category            Category        `json:"category,omitempty"`
	SemanticName        string          `json:"semantic_name,omitempty"`
	ArchivePath         string          `json:"archive_path,omitempty"`
	DownloadURL         string          `json:"download_url,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	ChapterFallback     bool            `json:"chapter_fallback"`
	DuplicateOf         string          `json:"duplicate_of,omitempty"`
	Timestamps          StageTimestamps `json:"timestamps"`
	ChapterCount        int64           `json:"chapter_count"`
	ImageCount          int64           `json:"image_count"`
	TableCount          int64           `json:"table_count"`
	KnowledgeEntryCount int64           `json:"knowledge_entry_count"`
	Metadata            FileMetadata    `json:"metadata"`
}

// DuplicateKind 描述上传冲突的类型。
type DuplicateKind string

const (
	DuplicateContentIdentical DuplicateKind = "content_identical"
	DuplicateNameSimilar      DuplicateKind = "name_similar"
)

// DuplicateInfo 描述一次上传与已有记录的冲突。
type DuplicateInfo struct {
	Kind        DuplicateKind   `json:"kind"`
	ExistingID  string          `json:"existing_id"`
	Action      DuplicateAction `json:"action,omitempty"`
	AwaitAction bool            `json:"await_action"`
}

// UploadItemResult 是上传响应里单个文件的结果。
type UploadItemResult struct {
	RecordID      string         `json:"record_id,omitempty"`
	Filename      string         `json:"filename"`
	Status        FileStatus     `json:"status"`
	Error         string         `json:"error,omitempty"`
	DuplicateInfo *DuplicateInfo `json:"duplicate_info,omitempty"`
}

// UploadResult 是一次上传请求的整体结果。
type UploadResult struct {
	SessionID string             `json:"session_id"`
	Items     []UploadItemResult `json:"items"`
}

// Statistics 是知识库的整体统计。
type Statistics struct {
	ByStatus          map[FileStatus]int64 `json:"by_status"`
	ByCategory        map[Category]int64   `json:"by_category"`
	EntriesByCategory map[Category]int64   `json:"entries_by_category"`
	TotalFiles        int64                `json:"total_files"`
	TotalChapters     int64                `json:"total_chapters"`
	TotalEntries      int64                `json:"total_entries"`
	TotalImages       int64                `json:"total_images"`
}
