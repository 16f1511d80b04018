package pipeline

import (
	"bidding-kb-go/internal/classifier"
	"bidding-kb-go/internal/indexer"
	"bidding-kb-go/internal/model"
)

// Outcome 是阶段结果的判别标记，也用作指标的 outcome 标签。
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// 阶段名，用于日志和指标。
const (
	stageParse   = "parse"
	stageArchive = "archive"
	stageIndex   = "index"
)

// ClassifyOutput 是分类结果。
type ClassifyOutput struct {
	Category     model.Category
	SemanticName string
	Source       classifier.Source
	Note         string
}

// ParseOutput 是解析阶段的产物，尚未持久化。
type ParseOutput struct {
	Outcome  Outcome
	Err      error
	Chapters []*model.ChapterRecord
	Tables   []*model.TableRecord
	Images   []*model.ImageRecord
	Fallback bool
	Classify ClassifyOutput
	Metadata model.FileMetadata
}

// ArchiveOutput 是归档阶段的产物。
type ArchiveOutput struct {
	Outcome Outcome
	Err     error
	Path    string
	Adopted bool
}

// IndexOutput 是索引阶段的产物。Prepared 在提交前持有全部向量。
type IndexOutput struct {
	Outcome  Outcome
	Err      error
	Prepared *indexer.Prepared
	Entries  int
}
