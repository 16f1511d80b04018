package service

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/pipeline"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/pkg/log"
	"bidding-kb-go/pkg/tasks"

	"github.com/samber/lo"
)

// 预签名下载链接有效期。
const downloadURLExpiry = time.Hour

// Presigner 为归档文件在对象存储中的副本生成下载链接。
type Presigner interface {
	PresignedURL(ctx context.Context, objectName, downloadName string, expiry time.Duration) (string, error)
}

// ObjectNamer 把归档路径映射为对象存储中的键。
type ObjectNamer interface {
	ObjectName(archivePath string) (string, bool)
}

// FileService 接口定义了文件记录的查询与管理操作。
type FileService interface {
	Status(ctx context.Context, fileID string) (*model.StatusView, error)
	List(ctx context.Context, filter repository.FileFilter, limit, offset int) ([]model.FileRecord, int64, error)
	Chapters(ctx context.Context, fileID string) ([]model.ChapterRecord, error)
	Images(ctx context.Context, fileID string) ([]model.ImageRecord, error)
	Image(ctx context.Context, fileID string, ordinal int) (*model.ImageRecord, error)
	Tables(ctx context.Context, fileID string) ([]model.TableRecord, error)
	FinancialReports(ctx context.Context, fileID string) ([]model.FinancialReport, error)
	Delete(ctx context.Context, fileID string) error
	Resolve(ctx context.Context, fileID, action string) (*model.FileRecord, error)
	Reparse(ctx context.Context, fileID string) (*model.FileRecord, error)
}

type fileService struct {
	repos      repository.Repositories
	controller *pipeline.Controller
	resolver   *pipeline.Resolver
	queue      pipeline.Enqueuer
	namer      ObjectNamer
	presigner  Presigner
}

// NewFileService 创建一个新的 FileService 实例。presigner 为 nil 时不返回下载链接。
func NewFileService(repos repository.Repositories, controller *pipeline.Controller, resolver *pipeline.Resolver,
	queue pipeline.Enqueuer, namer ObjectNamer, presigner Presigner) FileService {
	return &fileService{
		repos:      repos,
		controller: controller,
		resolver:   resolver,
		queue:      queue,
		namer:      namer,
		presigner:  presigner,
	}
}

// Status 返回记录的当前状态、各阶段时间戳和派生数据计数。
func (s *fileService) Status(ctx context.Context, fileID string) (*model.StatusView, error) {
	rec, err := s.repos.Files.FindByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	view := &model.StatusView{
		FileID:           rec.ID,
		OriginalFilename: rec.OriginalFilename,
		Status:           rec.Status,
		Category:         rec.Category,
		SemanticName:     rec.SemanticName,
		ArchivePath:      rec.ArchivePath,
		ErrorMessage:     rec.ErrorMessage,
		ChapterFallback:  rec.ChapterFallback,
		DuplicateOf:      rec.DuplicateOf,
		Timestamps:       rec.Timestamps(),
		Metadata:         rec.DecodeMetadata(),
	}
	if view.ChapterCount, err = s.repos.Chapters.CountByFile(ctx, fileID); err != nil {
		return nil, err
	}
	if view.ImageCount, err = s.repos.Images.CountByFile(ctx, fileID); err != nil {
		return nil, err
	}
	if view.TableCount, err = s.repos.Tables.CountByFile(ctx, fileID); err != nil {
		return nil, err
	}
	if view.KnowledgeEntryCount, err = s.repos.Knowledge.CountByFile(ctx, fileID); err != nil {
		return nil, err
	}
	view.DownloadURL = s.downloadURL(ctx, rec)
	return view, nil
}

func (s *fileService) downloadURL(ctx context.Context, rec *model.FileRecord) string {
	if s.presigner == nil || s.namer == nil || rec.ArchivePath == "" || rec.Status == model.StatusDeleted {
		return ""
	}
	objectName, ok := s.namer.ObjectName(rec.ArchivePath)
	if !ok {
		return ""
	}
	u, err := s.presigner.PresignedURL(ctx, objectName, rec.SemanticName, downloadURLExpiry)
	if err != nil {
		log.Warnf("[FileService] 生成下载链接失败, file_id: %s: %v", rec.ID, err)
		return ""
	}
	return u
}

func (s *fileService) List(ctx context.Context, filter repository.FileFilter, limit, offset int) ([]model.FileRecord, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repos.Files.List(ctx, filter, limit, offset)
}

// Chapters 返回按位置排序的章节（含正文）。
func (s *fileService) Chapters(ctx context.Context, fileID string) ([]model.ChapterRecord, error) {
	if _, err := s.repos.Files.FindByID(ctx, fileID); err != nil {
		return nil, err
	}
	return s.repos.Chapters.ListByFile(ctx, fileID)
}

// Images 返回按序号排列的图片记录。
func (s *fileService) Images(ctx context.Context, fileID string) ([]model.ImageRecord, error) {
	if _, err := s.repos.Files.FindByID(ctx, fileID); err != nil {
		return nil, err
	}
	return s.repos.Images.ListByFile(ctx, fileID)
}

// Image 按文件内序号查找图片，图片文件已被清理时同样返回 ErrNotFound。
func (s *fileService) Image(ctx context.Context, fileID string, ordinal int) (*model.ImageRecord, error) {
	images, err := s.Images(ctx, fileID)
	if err != nil {
		return nil, err
	}
	img, ok := lo.Find(images, func(img model.ImageRecord) bool { return img.Ordinal == ordinal })
	if !ok {
		return nil, fmt.Errorf("%w: image %d of %s", repository.ErrNotFound, ordinal, fileID)
	}
	if _, err := os.Stat(img.Path); err != nil {
		log.Warnf("[FileService] 图片文件缺失, file_id: %s, path: %s: %v", fileID, img.Path, err)
		return nil, fmt.Errorf("%w: image file %s", repository.ErrNotFound, img.Path)
	}
	return &img, nil
}

func (s *fileService) Tables(ctx context.Context, fileID string) ([]model.TableRecord, error) {
	if _, err := s.repos.Files.FindByID(ctx, fileID); err != nil {
		return nil, err
	}
	return s.repos.Tables.ListByFile(ctx, fileID)
}

// FinancialReports 返回按年度拆分出的报告片段，非财务文件为空列表。
func (s *fileService) FinancialReports(ctx context.Context, fileID string) ([]model.FinancialReport, error) {
	if _, err := s.repos.Files.FindByID(ctx, fileID); err != nil {
		return nil, err
	}
	return s.repos.Financial.ListByFile(ctx, fileID)
}

// Delete 软删除记录并清理全部派生数据，归档文件保留。
func (s *fileService) Delete(ctx context.Context, fileID string) error {
	if err := s.controller.Delete(ctx, fileID); err != nil {
		return err
	}
	log.Infof("[FileService] 文件已删除, file_id: %s", fileID)
	return nil
}

// Resolve 对 duplicate 记录执行处理决定，需要继续处理时投递任务。
func (s *fileService) Resolve(ctx context.Context, fileID, action string) (*model.FileRecord, error) {
	a, ok := model.ParseDuplicateAction(action)
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrUpload, action)
	}
	rec, enqueue, err := s.resolver.Resolve(ctx, fileID, a)
	if err != nil {
		return nil, err
	}
	if enqueue {
		if err := s.queue.Enqueue(ctx, tasks.FileTask{FileID: fileID, Reason: tasks.ReasonResolve}); err != nil {
			log.Warnf("[FileService] 投递任务失败, 等待恢复扫描, file_id: %s: %v", fileID, err)
		}
	}
	return rec, nil
}

// Reparse 校验状态后投递重新解析任务，实际处理在 worker 中执行。
func (s *fileService) Reparse(ctx context.Context, fileID string) (*model.FileRecord, error) {
	rec, err := s.repos.Files.FindByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(model.ReparseableStatuses, rec.Status) {
		return nil, fmt.Errorf("%w: %s is %s", pipeline.ErrNotReparseable, fileID, rec.Status)
	}
	if err := s.queue.Enqueue(ctx, tasks.FileTask{FileID: fileID, Reason: tasks.ReasonReparse}); err != nil {
		return nil, err
	}
	log.Infof("[FileService] 已投递重新解析任务, file_id: %s", fileID)
	return rec, nil
}
