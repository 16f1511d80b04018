// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bidding-kb-go/internal/archiver"
	"bidding-kb-go/internal/extractor"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/pipeline"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/pkg/log"
	"bidding-kb-go/pkg/tasks"

	"github.com/google/uuid"
)

var (
	// ErrUpload 表示单个上传文件被拒绝，响应中对应条目为 upload_failed。
	ErrUpload = errors.New("upload rejected")
	// ErrBackpressure 表示流水线积压超过水位，整个请求被拒绝。
	ErrBackpressure = errors.New("pipeline backlog above watermark")
)

// UploadFile 是一次上传中的单个文件。
type UploadFile struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// UploadRequest 是一次上传请求。
type UploadRequest struct {
	Uploader        string
	Category        string
	DuplicateAction string
	Files           []UploadFile
}

// UploadOptions 配置上传入口。
type UploadOptions struct {
	TempDir        string
	MaxFileSize    int64
	QueueWatermark int64
	// LockWait 是等待同哈希或同名上传释放租约的上限，默认 10 秒。
	LockWait time.Duration
}

// 上传租约的有效期，覆盖一次检测加建档。
const uploadLockTTL = 30 * time.Second

// 重试获取上传租约的间隔。
const uploadLockPoll = 10 * time.Millisecond

// UploadService 接口定义了文件上传相关的业务操作。
type UploadService interface {
	Upload(ctx context.Context, req UploadRequest) (*model.UploadResult, error)
}

type uploadService struct {
	files    repository.FileRepository
	leases   repository.LeaseRepository
	resolver *pipeline.Resolver
	queue    pipeline.Enqueuer
	opts     UploadOptions
	now      func() time.Time
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(files repository.FileRepository, leases repository.LeaseRepository, resolver *pipeline.Resolver, queue pipeline.Enqueuer, opts UploadOptions) UploadService {
	if opts.LockWait <= 0 {
		opts.LockWait = 10 * time.Second
	}
	return &uploadService{files: files, leases: leases, resolver: resolver, queue: queue, opts: opts, now: time.Now}
}

// Upload 逐个落盘、计算哈希、检测冲突并创建记录，然后投递处理任务。
// 单个文件的失败只影响对应条目；只有积压超限和参数错误会让整个请求失败。
func (s *uploadService) Upload(ctx context.Context, req UploadRequest) (*model.UploadResult, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrUpload)
	}
	action, ok := model.ParseDuplicateAction(req.DuplicateAction)
	if !ok {
		return nil, fmt.Errorf("%w: unknown duplicate_action %q", ErrUpload, req.DuplicateAction)
	}
	var category model.Category
	if req.Category != "" {
		if category, ok = model.ParseCategory(req.Category); !ok {
			return nil, fmt.Errorf("%w: unknown category %q", ErrUpload, req.Category)
		}
	}
	if s.opts.QueueWatermark > 0 {
		backlog, err := s.files.CountByStatus(ctx, model.InFlightStatuses...)
		if err != nil {
			return nil, err
		}
		if backlog >= s.opts.QueueWatermark {
			log.Warnf("[UploadService] 积压 %d 已达水位 %d, 拒绝上传", backlog, s.opts.QueueWatermark)
			return nil, ErrBackpressure
		}
	}

	result := &model.UploadResult{SessionID: uuid.NewString()}
	for _, f := range req.Files {
		item := s.ingest(ctx, result.SessionID, req.Uploader, category, action, f)
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (s *uploadService) ingest(ctx context.Context, session, uploader string, category model.Category, action model.DuplicateAction, f UploadFile) model.UploadItemResult {
	name := filepath.Base(f.Name)
	item := model.UploadItemResult{Filename: name}
	failed := func(err error) model.UploadItemResult {
		log.Warnf("[UploadService] 上传失败, file: %s: %v", name, err)
		item.Status = model.StatusUploadFailed
		item.Error = err.Error()
		return item
	}

	ext := strings.ToLower(filepath.Ext(name))
	kind, err := extractor.KindForExt(ext)
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrUpload, err))
	}
	if s.opts.MaxFileSize > 0 && f.Size > s.opts.MaxFileSize {
		return failed(fmt.Errorf("%w: %s exceeds %d bytes", ErrUpload, name, s.opts.MaxFileSize))
	}

	tempPath, hash, size, err := s.saveTemp(f, ext)
	if err != nil {
		return failed(err)
	}
	rec := &model.FileRecord{
		ID:                uuid.NewString(),
		SessionID:         session,
		Uploader:          uploader,
		OriginalFilename:  name,
		Kind:              kind,
		Ext:               strings.TrimPrefix(ext, "."),
		ContentHash:       hash,
		Size:              size,
		TempPath:          tempPath,
		RequestedCategory: category,
		Status:            model.StatusUploaded,
		UploadedAt:        s.now(),
	}

	// 检测和建档之间持有哈希与文件名租约，并发的相同上传会看到先到者的记录
	unlock, err := s.lock(ctx, hash, name)
	if err != nil {
		removeFile(tempPath)
		return failed(err)
	}
	defer unlock()

	det, err := s.resolver.Detect(ctx, hash, name, action)
	if err != nil {
		removeFile(tempPath)
		if !errors.Is(err, archiver.ErrInvariantViolation) {
			return failed(err)
		}
		// 留一条 upload_failed 记录便于追查
		now := s.now()
		rec.TempPath = ""
		rec.Status = model.StatusUploadFailed
		rec.ErrorMessage = err.Error()
		rec.FailedAt = &now
		if cerr := s.files.Create(ctx, rec); cerr != nil {
			log.Error("[UploadService] 写入失败记录出错", cerr)
		} else {
			item.RecordID = rec.ID
		}
		return failed(err)
	}

	switch det.Kind {
	case model.DuplicateContentIdentical:
		removeFile(tempPath)
		log.Infof("[UploadService] 内容重复, 复用已有记录, file: %s, existing: %s", name, det.Existing.ID)
		item.RecordID = det.Existing.ID
		item.Status = det.Existing.Status
		item.DuplicateInfo = &model.DuplicateInfo{Kind: det.Kind, ExistingID: det.Existing.ID}
		return item

	case model.DuplicateNameSimilar:
		rec.Status = model.StatusDuplicate
		rec.DuplicateOf = det.Existing.ID
		if err := s.files.Create(ctx, rec); err != nil {
			removeFile(tempPath)
			return failed(err)
		}
		item.RecordID = rec.ID
		item.DuplicateInfo = &model.DuplicateInfo{Kind: det.Kind, ExistingID: det.Existing.ID, Action: action, AwaitAction: det.Deferred}
		if det.Deferred {
			log.Infof("[UploadService] 同名不同内容, 等待处理决定, file_id: %s, existing: %s", rec.ID, det.Existing.ID)
			item.Status = model.StatusDuplicate
			return item
		}
		updated, enqueue, err := s.resolver.Resolve(ctx, rec.ID, action)
		if err != nil {
			item.Status = model.StatusDuplicate
			item.Error = err.Error()
			return item
		}
		item.Status = updated.Status
		if enqueue {
			s.enqueue(ctx, rec.ID, tasks.ReasonResolve)
		}
		return item
	}

	if err := s.files.Create(ctx, rec); err != nil {
		removeFile(tempPath)
		return failed(err)
	}
	log.Infof("[UploadService] 上传完成, file_id: %s, file: %s, size: %d", rec.ID, name, size)
	s.enqueue(ctx, rec.ID, tasks.ReasonUpload)
	item.RecordID = rec.ID
	item.Status = rec.Status
	return item
}

// lock 依次获取内容哈希和原始文件名的租约，固定顺序避免互相等待。
func (s *uploadService) lock(ctx context.Context, hash, name string) (func(), error) {
	keys := []string{"upload:hash:" + hash, "upload:name:" + name}
	tokens := make([]string, 0, len(keys))
	release := func() {
		for i := len(tokens) - 1; i >= 0; i-- {
			if err := s.leases.Release(context.WithoutCancel(ctx), keys[i], tokens[i]); err != nil {
				log.Warnf("[UploadService] 释放上传租约失败, key: %s: %v", keys[i], err)
			}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.LockWait)
	defer cancel()
	for _, key := range keys {
		token, err := s.acquire(waitCtx, key)
		if err != nil {
			release()
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		tokens = append(tokens, token)
	}
	return release, nil
}

func (s *uploadService) acquire(ctx context.Context, key string) (string, error) {
	ticker := time.NewTicker(uploadLockPoll)
	defer ticker.Stop()
	for {
		token, ok, err := s.leases.Acquire(ctx, key, uploadLockTTL)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// saveTemp 写入 <temp>/<短 id>/<uuid>.<ext>，边写边算 SHA-256。
func (s *uploadService) saveTemp(f UploadFile, ext string) (path, hash string, size int64, err error) {
	src, err := f.Open()
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: open upload: %v", ErrUpload, err)
	}
	defer src.Close()

	dir := filepath.Join(s.opts.TempDir, uuid.NewString()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", 0, err
	}
	path = filepath.Join(dir, uuid.NewString()+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", "", 0, err
	}

	h := sha256.New()
	var r io.Reader = src
	if s.opts.MaxFileSize > 0 {
		r = io.LimitReader(src, s.opts.MaxFileSize+1)
	}
	size, err = io.Copy(io.MultiWriter(dst, h), r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		err = fmt.Errorf("%w: file exceeds %d bytes", ErrUpload, s.opts.MaxFileSize)
	}
	if err == nil && size == 0 {
		err = fmt.Errorf("%w: empty file", ErrUpload)
	}
	if err != nil {
		removeFile(path)
		return "", "", 0, err
	}
	return path, hex.EncodeToString(h.Sum(nil)), size, nil
}

// enqueue 投递失败只记录日志，记录停在 uploaded，由恢复扫描重新投递。
func (s *uploadService) enqueue(ctx context.Context, fileID string, reason tasks.Reason) {
	if err := s.queue.Enqueue(ctx, tasks.FileTask{FileID: fileID, Reason: reason}); err != nil {
		log.Warnf("[UploadService] 投递任务失败, 等待恢复扫描, file_id: %s: %v", fileID, err)
	}
}

// removeFile 删除文件及其空的父目录。
func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("[UploadService] 删除临时文件失败, path: %s: %v", path, err)
		return
	}
	_ = os.Remove(filepath.Dir(path))
}
