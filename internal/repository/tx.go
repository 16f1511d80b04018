package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repositories 聚合入库流水线用到的全部仓储。
type Repositories struct {
	Files     FileRepository
	Chapters  ChapterRepository
	Images    ImageRepository
	Tables    TableRepository
	Knowledge KnowledgeRepository
	Financial FinancialReportRepository
}

// NewRepositories 基于同一个 *gorm.DB 构造全部仓储。
func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Files:     NewFileRepository(db),
		Chapters:  NewChapterRepository(db),
		Images:    NewImageRepository(db),
		Tables:    NewTableRepository(db),
		Knowledge: NewKnowledgeRepository(db),
		Financial: NewFinancialReportRepository(db),
	}
}

// TxManager 在一个数据库事务中执行 fn，fn 返回错误时整体回滚。
type TxManager interface {
	Transaction(ctx context.Context, fn func(repos Repositories) error) error
}

type gormTxManager struct {
	db *gorm.DB
}

// NewTxManager 创建基于 gorm 的事务管理器。
func NewTxManager(db *gorm.DB) TxManager {
	return &gormTxManager{db: db}
}

func (m *gormTxManager) Transaction(ctx context.Context, fn func(repos Repositories) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}
