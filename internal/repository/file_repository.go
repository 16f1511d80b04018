// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"bidding-kb-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict 表示状态 CAS 失败：当前状态不是期望的前驱状态。
	ErrStatusConflict = errors.New("status conflict")
)

// FileFilter 是文件记录列表的过滤条件，零值字段不参与过滤。
type FileFilter struct {
	Status   model.FileStatus
	Category model.Category
	Uploader string
}

// FileRepository 定义了 file_records 表的数据操作接口。
type FileRepository interface {
	Create(ctx context.Context, rec *model.FileRecord) error
	FindByID(ctx context.Context, id string) (*model.FileRecord, error)
	// FindActiveByHash 查找内容哈希相同且未删除的记录。
	FindActiveByHash(ctx context.Context, hash string) (*model.FileRecord, error)
	// FindActiveByOriginalName 查找原始文件名相同、内容不同且未删除的最新记录。
	FindActiveByOriginalName(ctx context.Context, name, excludeHash string) (*model.FileRecord, error)
	// Transition 在事务中锁定记录，校验当前状态属于 from 后写入 to 以及附加字段。
	Transition(ctx context.Context, id string, from []model.FileStatus, to model.FileStatus, fields map[string]any) (*model.FileRecord, error)
	Update(ctx context.Context, id string, fields map[string]any) error
	List(ctx context.Context, filter FileFilter, limit, offset int) ([]model.FileRecord, int64, error)
	CountByStatus(ctx context.Context, statuses ...model.FileStatus) (int64, error)
	// ListStale 返回处于给定状态且 updated_at 早于 before 的记录。
	ListStale(ctx context.Context, statuses []model.FileStatus, before time.Time, limit int) ([]model.FileRecord, error)
	StatsByStatus(ctx context.Context) (map[model.FileStatus]int64, error)
	StatsByCategory(ctx context.Context) (map[model.Category]int64, error)
}

type fileRepository struct {
	db *gorm.DB
}

// NewFileRepository 创建一个新的 FileRepository 实例。
func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db}
}

func (r *fileRepository) Create(ctx context.Context, rec *model.FileRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *fileRepository) FindByID(ctx context.Context, id string) (*model.FileRecord, error) {
	var rec model.FileRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *fileRepository) FindActiveByHash(ctx context.Context, hash string) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := r.db.WithContext(ctx).
		Where("content_hash = ? AND status NOT IN ?", hash, inactiveStatuses).
		Order("uploaded_at ASC").
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *fileRepository) FindActiveByOriginalName(ctx context.Context, name, excludeHash string) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := r.db.WithContext(ctx).
		Where("original_filename = ? AND content_hash <> ? AND status NOT IN ?", name, excludeHash, inactiveStatuses).
		Order("uploaded_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *fileRepository) Transition(ctx context.Context, id string, from []model.FileStatus, to model.FileStatus, fields map[string]any) (*model.FileRecord, error) {
	var out model.FileRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.FileRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&rec).Error; err != nil {
			return notFound(err)
		}
		if !slices.Contains(from, rec.Status) || !model.CanTransition(rec.Status, to) {
			return fmt.Errorf("%w: 文件 %s 当前状态 %s, 期望 %v → %s", ErrStatusConflict, id, rec.Status, from, to)
		}
		updates := TransitionUpdates(to, fields, time.Now())
		if err := tx.Model(&model.FileRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TransitionUpdates 组装一次状态迁移要写入的列。
func TransitionUpdates(to model.FileStatus, fields map[string]any, now time.Time) map[string]any {
	updates := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to
	if col := model.StatusTimestampColumn(to); col != "" {
		updates[col] = now
	}
	return updates
}

func (r *fileRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.FileRecord{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepository) List(ctx context.Context, filter FileFilter, limit, offset int) ([]model.FileRecord, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.FileRecord{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	} else {
		q = q.Where("status <> ?", model.StatusDeleted)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Uploader != "" {
		q = q.Where("uploader = ?", filter.Uploader)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var records []model.FileRecord
	err := q.Order("uploaded_at DESC").Limit(limit).Offset(offset).Find(&records).Error
	return records, total, err
}

func (r *fileRepository) CountByStatus(ctx context.Context, statuses ...model.FileStatus) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.FileRecord{}).Where("status IN ?", statuses).Count(&n).Error
	return n, err
}

func (r *fileRepository) ListStale(ctx context.Context, statuses []model.FileStatus, before time.Time, limit int) ([]model.FileRecord, error) {
	var records []model.FileRecord
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

type groupCount struct {
	Key string
	N   int64
}

func (r *fileRepository) StatsByStatus(ctx context.Context) (map[model.FileStatus]int64, error) {
	var rows []groupCount
	err := r.db.WithContext(ctx).Model(&model.FileRecord{}).
		Select("status AS `key`, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.FileStatus]int64, len(rows))
	for _, row := range rows {
		out[model.FileStatus(row.Key)] = row.N
	}
	return out, nil
}

func (r *fileRepository) StatsByCategory(ctx context.Context) (map[model.Category]int64, error) {
	var rows []groupCount
	err := r.db.WithContext(ctx).Model(&model.FileRecord{}).
		Where("status <> ? AND category <> ''", model.StatusDeleted).
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

// 不参与重复检测的状态。
var inactiveStatuses = []model.FileStatus{model.StatusDeleted, model.StatusUploadFailed}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
