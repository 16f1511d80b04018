package repository

import (
	"context"

	"bidding-kb-go/internal/model"

	"gorm.io/gorm"
)

// KnowledgeFilter 是知识条目列表的过滤条件。
type KnowledgeFilter struct {
	FileID   string
	Category model.Category
}

// KnowledgeRepository 定义了对 knowledge_entries 表的数据操作接口。
type KnowledgeRepository interface {
	BatchCreate(ctx context.Context, entries []*model.KnowledgeEntry) error
	ListByFile(ctx context.Context, fileID string) ([]model.KnowledgeEntry, error)
	DeleteByFile(ctx context.Context, fileID string) error
	CountByFile(ctx context.Context, fileID string) (int64, error)
	List(ctx context.Context, filter KnowledgeFilter, limit, offset int) ([]model.KnowledgeEntry, int64, error)
	CountAll(ctx context.Context) (int64, error)
	CountByCategory(ctx context.Context) (map[model.Category]int64, error)
}

type knowledgeRepository struct {
	fileScoped[model.KnowledgeEntry]
}

// NewKnowledgeRepository 创建一个新的 KnowledgeRepository 实例。
func NewKnowledgeRepository(db *gorm.DB) KnowledgeRepository {
	return &knowledgeRepository{fileScoped[model.KnowledgeEntry]{db: db}}
}

// BatchCreate 批量创建知识条目。
func (r *knowledgeRepository) BatchCreate(ctx context.Context, entries []*model.KnowledgeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(entries, 100).Error // 每100条记录一批
}

func (r *knowledgeRepository) ListByFile(ctx context.Context, fileID string) ([]model.KnowledgeEntry, error) {
	return r.list(ctx, fileID, "id ASC")
}

func (r *knowledgeRepository) DeleteByFile(ctx context.Context, fileID string) error {
	return r.deleteByFile(ctx, fileID)
}

func (r *knowledgeRepository) CountByFile(ctx context.Context, fileID string) (int64, error) {
	return r.countByFile(ctx, fileID)
}

func (r *knowledgeRepository) List(ctx context.Context, filter KnowledgeFilter, limit, offset int) ([]model.KnowledgeEntry, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.KnowledgeEntry{})
	if filter.FileID != "" {
		q = q.Where("file_id = ?", filter.FileID)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []model.KnowledgeEntry
	err := q.Order("id ASC").Limit(limit).Offset(offset).Find(&entries).Error
	return entries, total, err
}

func (r *knowledgeRepository) CountAll(ctx context.Context) (int64, error) {
	return r.countAll(ctx)
}

func (r *knowledgeRepository) CountByCategory(ctx context.Context) (map[model.Category]int64, error) {
	var rows []groupCount
	err := r.db.WithContext(ctx).Model(&model.KnowledgeEntry{}).
		Select("category AS `key`, COUNT(*) AS n").Group("category").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.Category]int64, len(rows))
	for _, row := range rows {
		out[model.Category(row.Key)] = row.N
	}
	return out, nil
}
