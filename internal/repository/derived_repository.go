package repository

import (
	"context"

	"bidding-kb-go/internal/model"

	"gorm.io/gorm"
)

// fileScoped 封装按 file_id 归属的派生表的通用操作。
type fileScoped[T any] struct {
	db *gorm.DB
}

// replace 先清空该文件的旧行再批量写入，保证重复执行不会产生重复行。
func (s fileScoped[T]) replace(ctx context.Context, fileID string, rows []*T) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("file_id = ?", fileID).Delete(new(T)).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return db.CreateInBatches(rows, 100).Error // 每100条记录一批
}

func (s fileScoped[T]) list(ctx context.Context, fileID, order string) ([]T, error) {
	var rows []T
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Order(order).Find(&rows).Error
	return rows, err
}

func (s fileScoped[T]) deleteByFile(ctx context.Context, fileID string) error {
	return s.db.WithContext(ctx).Where("file_id = ?", fileID).Delete(new(T)).Error
}

func (s fileScoped[T]) countByFile(ctx context.Context, fileID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(new(T)).Where("file_id = ?", fileID).Count(&n).Error
	return n, err
}

func (s fileScoped[T]) countAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(new(T)).Count(&n).Error
	return n, err
}

// ChapterRepository 定义了 chapter_records 表的数据操作接口。
type ChapterRepository interface {
	ReplaceForFile(ctx context.Context, fileID string, chapters []*model.ChapterRecord) error
	ListByFile(ctx context.Context, fileID string) ([]model.ChapterRecord, error)
	DeleteByFile(ctx context.Context, fileID string) error
	CountByFile(ctx context.Context, fileID string) (int64, error)
	CountAll(ctx context.Context) (int64, error)
}

type chapterRepository struct{ fileScoped[model.ChapterRecord] }

// NewChapterRepository 创建一个新的 ChapterRepository 实例。
func NewChapterRepository(db *gorm.DB) ChapterRepository {
	return &chapterRepository{fileScoped[model.ChapterRecord]{db: db}}
}

func (r *chapterRepository) ReplaceForFile(ctx context.Context, fileID string, chapters []*model.ChapterRecord) error {
	return r.replace(ctx, fileID, chapters)
}

func (r *chapterRepository) ListByFile(ctx context.Context, fileID string) ([]model.ChapterRecord, error) {
	return r.list(ctx, fileID, "position ASC")
}

func (r *chapterRepository) DeleteByFile(ctx context.Context, fileID string) error {
	return r.deleteByFile(ctx, fileID)
}

func (r *chapterRepository) CountByFile(ctx context.Context, fileID string) (int64, error) {
	return r.countByFile(ctx, fileID)
}

func (r *chapterRepository) CountAll(ctx context.Context) (int64, error) {
	return r.countAll(ctx)
}

// ImageRepository 定义了 image_records 表的数据操作接口。
type ImageRepository interface {
	ReplaceForFile(ctx context.Context, fileID string, images []*model.ImageRecord) error
	ListByFile(ctx context.Context, fileID string) ([]model.ImageRecord, error)
	DeleteByFile(ctx context.Context, fileID string) error
	CountByFile(ctx context.Context, fileID string) (int64, error)
	CountAll(ctx context.Context) (int64, error)
}

type imageRepository struct{ fileScoped[model.ImageRecord] }

// NewImageRepository 创建一个新的 ImageRepository 实例。
func NewImageRepository(db *gorm.DB) ImageRepository {
	return &imageRepository{fileScoped[model.ImageRecord]{db: db}}
}

func (r *imageRepository) ReplaceForFile(ctx context.Context, fileID string, images []*model.ImageRecord) error {
	return r.replace(ctx, fileID, images)
}

func (r *imageRepository) ListByFile(ctx context.Context, fileID string) ([]model.ImageRecord, error) {
	return r.list(ctx, fileID, "ordinal ASC")
}

func (r *imageRepository) DeleteByFile(ctx context.Context, fileID string) error {
	return r.deleteByFile(ctx, fileID)
}

func (r *imageRepository) CountByFile(ctx context.Context, fileID string) (int64, error) {
	return r.countByFile(ctx, fileID)
}

func (r *imageRepository) CountAll(ctx context.Context) (int64, error) {
	return r.countAll(ctx)
}

// TableRepository 定义了 table_records 表的数据操作接口。
type TableRepository interface {
	ReplaceForFile(ctx context.Context, fileID string, tables []*model.TableRecord) error
	ListByFile(ctx context.Context, fileID string) ([]model.TableRecord, error)
	DeleteByFile(ctx context.Context, fileID string) error
	CountByFile(ctx context.Context, fileID string) (int64, error)
}

type tableRepository struct{ fileScoped[model.TableRecord] }

// NewTableRepository 创建一个新的 TableRepository 实例。
func NewTableRepository(db *gorm.DB) TableRepository {
	return &tableRepository{fileScoped[model.TableRecord]{db: db}}
}

func (r *tableRepository) ReplaceForFile(ctx context.Context, fileID string, tables []*model.TableRecord) error {
	return r.replace(ctx, fileID, tables)
}

func (r *tableRepository) ListByFile(ctx context.Context, fileID string) ([]model.TableRecord, error) {
	return r.list(ctx, fileID, "ordinal ASC")
}

func (r *tableRepository) DeleteByFile(ctx context.Context, fileID string) error {
	return r.deleteByFile(ctx, fileID)
}

func (r *tableRepository) CountByFile(ctx context.Context, fileID string) (int64, error) {
	return r.countByFile(ctx, fileID)
}

// FinancialReportRepository 定义了 financial_reports 表的数据操作接口。
type FinancialReportRepository interface {
	ReplaceForFile(ctx context.Context, fileID string, reports []*model.FinancialReport) error
	ListByFile(ctx context.Context, fileID string) ([]model.FinancialReport, error)
	DeleteByFile(ctx context.Context, fileID string) error
}

type financialReportRepository struct{ fileScoped[model.FinancialReport] }

// NewFinancialReportRepository 创建一个新的 FinancialReportRepository 实例。
func NewFinancialReportRepository(db *gorm.DB) FinancialReportRepository {
	return &financialReportRepository{fileScoped[model.FinancialReport]{db: db}}
}

func (r *financialReportRepository) ReplaceForFile(ctx context.Context, fileID string, reports []*model.FinancialReport) error {
	return r.replace(ctx, fileID, reports)
}

func (r *financialReportRepository) ListByFile(ctx context.Context, fileID string) ([]model.FinancialReport, error) {
	return r.list(ctx, fileID, "year ASC")
}

func (r *financialReportRepository) DeleteByFile(ctx context.Context, fileID string) error {
	return r.deleteByFile(ctx, fileID)
}
