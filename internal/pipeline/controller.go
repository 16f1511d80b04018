// Package pipeline 驱动文件记录走完 解析 → 归档 → 索引 的生命周期。
//
// 每次状态变化都通过 FileRepository.Transition 做 CAS，同一个文件同一时刻只被一个
// 控制器持有（租约）。阶段内部的工作不响应取消，阶段之间才检查取消。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
	"unicode/utf8"

	"bidding-kb-go/internal/archiver"
	"bidding-kb-go/internal/chapter"
	"bidding-kb-go/internal/classifier"
	"bidding-kb-go/internal/extractor"
	"bidding-kb-go/internal/indexer"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/pkg/log"
	"bidding-kb-go/pkg/metrics"
	"bidding-kb-go/pkg/tasks"

	"gorm.io/datatypes"
)

var (
	// ErrAlreadyProcessing 表示文件的租约被其他控制器持有。
	ErrAlreadyProcessing = errors.New("file is already being processed")
	// ErrNotReparseable 表示当前状态不允许重新解析。
	ErrNotReparseable = errors.New("file status does not allow reparse")
)

// error_message 列的最大长度（字符）。
const maxErrorMessage = 1000

// Parser 是文本提取器在流水线中用到的部分。
type Parser interface {
	Extract(ctx context.Context, path string, kind model.FileKind) (*extractor.Document, error)
	ExtractImages(ctx context.Context, path string, kind model.FileKind, fileID string, year int) ([]extractor.Image, error)
}

// Enricher 是索引完成后的可选增强，失败不影响文件状态。
type Enricher interface {
	Enrich(ctx context.Context, rec *model.FileRecord) error
	// Discard 删除增强产生的文件，记录删除或重新解析时调用。
	Discard(rec *model.FileRecord) error
}

// Deps 汇总控制器需要的存储、组件和配置，由 main 在启动时构造。
type Deps struct {
	Repos      repository.Repositories
	Tx         repository.TxManager
	Leases     repository.LeaseRepository
	Parser     Parser
	Classifier *classifier.Classifier
	Archiver   *archiver.Archiver
	Indexer    *indexer.Indexer
	Enricher   Enricher
	Metrics    *metrics.Pipeline
	ImagesDir  string
	LeaseTTL   time.Duration

	// ReparseWait 是重解析任务等待其他 worker 释放租约的上限，默认等于 LeaseTTL。
	ReparseWait time.Duration
}

// 重解析遇到租约冲突时的重试间隔。
const reparseRetryInterval = 500 * time.Millisecond

type Controller struct {
	d Deps
}

func NewController(d Deps) *Controller {
	if d.LeaseTTL <= 0 {
		d.LeaseTTL = 5 * time.Minute
	}
	if d.ReparseWait <= 0 {
		d.ReparseWait = d.LeaseTTL
	}
	return &Controller{d: d}
}

// Handle 实现 kafka.TaskProcessor。租约冲突和记录不存在不算失败：数据库状态才是进度的依据。
// 处理类任务遇到冲突时由持有者推进到终态；重解析任务会等租约释放后重试，超时才丢弃。
func (c *Controller) Handle(ctx context.Context, task tasks.FileTask) error {
	var err error
	if task.Reason == tasks.ReasonReparse {
		err = c.reparseWhenFree(ctx, task.FileID)
	} else {
		err = c.Process(ctx, task.FileID)
	}
	switch {
	case errors.Is(err, ErrAlreadyProcessing):
		log.Warnf("[Controller] 文件正在被其他 worker 处理, 丢弃任务, file_id: %s, reason: %s", task.FileID, task.Reason)
		return nil
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ErrNotReparseable):
		log.Warnf("[Controller] 丢弃任务, file_id: %s, reason: %s: %v", task.FileID, task.Reason, err)
		return nil
	}
	return err
}

// reparseWhenFree 在租约被占用时按间隔重试 Reparse，最多等待 ReparseWait。
func (c *Controller) reparseWhenFree(ctx context.Context, fileID string) error {
	deadline := time.Now().Add(c.d.ReparseWait)
	for {
		err := c.Reparse(ctx, fileID)
		if !errors.Is(err, ErrAlreadyProcessing) || time.Now().After(deadline) {
			return err
		}
		log.Infof("[Controller] 重解析等待租约释放, file_id: %s", fileID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reparseRetryInterval):
		}
	}
}

// Process 从记录当前状态开始逐个执行阶段，直到进入终态。
func (c *Controller) Process(ctx context.Context, fileID string) error {
	return c.withLease(ctx, fileID, func() error {
		return c.drive(ctx, fileID)
	})
}

// Reparse 清除文件的派生状态后从 parsing 重新执行。
func (c *Controller) Reparse(ctx context.Context, fileID string) error {
	return c.withLease(ctx, fileID, func() error {
		rec, err := c.d.Repos.Files.FindByID(ctx, fileID)
		if err != nil {
			return err
		}
		if !slices.Contains(model.ReparseableStatuses, rec.Status) {
			return fmt.Errorf("%w: %s is %s", ErrNotReparseable, fileID, rec.Status)
		}
		log.Infof("[Controller] 重新解析, file_id: %s, status: %s", fileID, rec.Status)
		err = c.teardown(ctx, rec, func(repos repository.Repositories) error {
			_, err := repos.Files.Transition(ctx, fileID, []model.FileStatus{rec.Status}, model.StatusParsing,
				map[string]any{"error_message": ""})
			return err
		})
		if err != nil {
			return fmt.Errorf("reparse %s: %w", fileID, err)
		}
		return c.drive(ctx, fileID)
	})
}

// Delete 软删除记录：清除全部派生状态和临时文件，归档文件保留。
func (c *Controller) Delete(ctx context.Context, fileID string) error {
	return c.withLease(ctx, fileID, func() error {
		rec, err := c.d.Repos.Files.FindByID(ctx, fileID)
		if err != nil {
			return err
		}
		if rec.Status == model.StatusDeleted {
			return nil
		}
		err = c.teardown(ctx, rec, func(repos repository.Repositories) error {
			_, err := repos.Files.Transition(ctx, fileID, []model.FileStatus{rec.Status}, model.StatusDeleted,
				map[string]any{"temp_path": ""})
			return err
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", fileID, err)
		}
		removeTemp(rec.TempPath)
		log.Infof("[Controller] 文件已删除, file_id: %s", fileID)
		return nil
	})
}

func (c *Controller) withLease(ctx context.Context, fileID string, fn func() error) error {
	token, ok, err := c.d.Leases.Acquire(ctx, fileID, c.d.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", fileID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessing, fileID)
	}

	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.heartbeat(hbCtx, fileID, token)
	}()
	defer func() {
		stop()
		<-done
		if err := c.d.Leases.Release(context.WithoutCancel(ctx), fileID, token); err != nil {
			log.Warnf("[Controller] 释放租约失败, file_id: %s: %v", fileID, err)
		}
	}()
	return fn()
}

func (c *Controller) heartbeat(ctx context.Context, fileID, token string) {
	ticker := time.NewTicker(c.d.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := c.d.Leases.Extend(ctx, fileID, token, c.d.LeaseTTL)
			if err != nil {
				log.Warnf("[Controller] 租约续期失败, file_id: %s: %v", fileID, err)
				continue
			}
			if !ok {
				log.Warnf("[Controller] 租约已丢失, file_id: %s", fileID)
				return
			}
		}
	}
}

func (c *Controller) drive(ctx context.Context, fileID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := c.d.Repos.Files.FindByID(ctx, fileID)
		if err != nil {
			return err
		}
		switch rec.Status {
		case model.StatusUploaded, model.StatusParsing:
			err = c.runParse(ctx, rec)
		case model.StatusParsed, model.StatusArchiving:
			err = c.runArchive(ctx, rec)
		case model.StatusArchived, model.StatusIndexing:
			err = c.runIndex(ctx, rec)
		default:
			log.Infof("[Controller] 处理结束, file_id: %s, status: %s", fileID, rec.Status)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// enter 把记录推进到阶段的运行状态。崩溃后重入时记录已经处于运行状态，直接继续。
func (c *Controller) enter(ctx context.Context, rec *model.FileRecord, ready, running model.FileStatus) (*model.FileRecord, error) {
	if rec.Status == running {
		log.Infof("[Controller] 从 %s 恢复, file_id: %s", running, rec.ID)
		return rec, nil
	}
	return c.d.Repos.Files.Transition(ctx, rec.ID, []model.FileStatus{ready}, running, nil)
}

// interrupted 在阶段工作结束后检查取消：已取消则丢弃结果，回滚到前驱状态。
func (c *Controller) interrupted(ctx context.Context, rec *model.FileRecord, stage string, running, ready model.FileStatus) (bool, error) {
	if ctx.Err() == nil {
		return false, nil
	}
	c.d.Metrics.StageDone(stage, string(OutcomeCancelled))
	if _, err := c.d.Repos.Files.Transition(context.WithoutCancel(ctx), rec.ID, []model.FileStatus{running}, ready, nil); err != nil {
		return true, errors.Join(ctx.Err(), fmt.Errorf("rollback %s to %s: %w", rec.ID, ready, err))
	}
	log.Warnf("[Controller] %s 阶段被取消, 已回滚到 %s, file_id: %s", stage, ready, rec.ID)
	return true, ctx.Err()
}

// fail 把记录置为阶段失败状态并写入错误信息。
func (c *Controller) fail(ctx context.Context, rec *model.FileRecord, stage string, running, failedStatus model.FileStatus, cause error) error {
	c.d.Metrics.StageDone(stage, string(OutcomeFailed))
	log.Error(fmt.Sprintf("[Controller] %s 阶段失败, file_id: %s", stage, rec.ID), cause)
	_, err := c.d.Repos.Files.Transition(context.WithoutCancel(ctx), rec.ID, []model.FileStatus{running}, failedStatus,
		map[string]any{"error_message": truncate(cause.Error(), maxErrorMessage)})
	return err
}

func (c *Controller) runParse(ctx context.Context, rec *model.FileRecord) error {
	rec, err := c.enter(ctx, rec, model.StatusUploaded, model.StatusParsing)
	if err != nil {
		return err
	}
	timer := c.d.Metrics.StageTimer(stageParse)
	out := c.parse(context.WithoutCancel(ctx), rec)
	timer.ObserveDuration()

	if stop, err := c.interrupted(ctx, rec, stageParse, model.StatusParsing, model.StatusUploaded); stop {
		return err
	}
	if out.Outcome != OutcomeOK {
		return c.fail(ctx, rec, stageParse, model.StatusParsing, model.StatusParseFailed, out.Err)
	}

	bg := context.WithoutCancel(ctx)
	err = c.d.Tx.Transaction(bg, func(repos repository.Repositories) error {
		if err := repos.Chapters.ReplaceForFile(bg, rec.ID, out.Chapters); err != nil {
			return err
		}
		if err := repos.Tables.ReplaceForFile(bg, rec.ID, out.Tables); err != nil {
			return err
		}
		if err := repos.Images.ReplaceForFile(bg, rec.ID, out.Images); err != nil {
			return err
		}
		_, err := repos.Files.Transition(bg, rec.ID, []model.FileStatus{model.StatusParsing}, model.StatusParsed, map[string]any{
			"category":         out.Classify.Category,
			"semantic_name":    out.Classify.SemanticName,
			"chapter_fallback": out.Fallback,
			"metadata":         out.Metadata.JSON(),
			"error_message":    "",
		})
		return err
	})
	if err != nil {
		return c.fail(ctx, rec, stageParse, model.StatusParsing, model.StatusParseFailed, fmt.Errorf("persist parse output: %w", err))
	}
	c.d.Metrics.StageDone(stageParse, string(OutcomeOK))
	log.Infof("[Controller] 解析完成, file_id: %s, chapters: %d, tables: %d, images: %d, category: %s (%s)",
		rec.ID, len(out.Chapters), len(out.Tables), len(out.Images), out.Classify.Category, out.Classify.Source)
	return nil
}

// parse 提取文本、章节、表格、图片并分类。ParseError 重试一次。
func (c *Controller) parse(ctx context.Context, rec *model.FileRecord) ParseOutput {
	start := time.Now()
	src, err := sourcePath(rec)
	if err != nil {
		return ParseOutput{Outcome: OutcomeFailed, Err: err}
	}

	doc, err := c.d.Parser.Extract(ctx, src, rec.Kind)
	if err != nil && extractor.IsParseError(err) {
		log.Warnf("[Controller] 文本提取失败, 重试一次, file_id: %s: %v", rec.ID, err)
		doc, err = c.d.Parser.Extract(ctx, src, rec.Kind)
	}
	if err != nil {
		return ParseOutput{Outcome: OutcomeFailed, Err: err}
	}
	outline := chapter.Extract(doc.Text)
	if outline.Fallback {
		log.Warnf("[Controller] 未识别到章节标题, 使用全文兜底, file_id: %s", rec.ID)
	}

	// 图片按本次解析结果整体替换
	if err := os.RemoveAll(extractor.ImageDir(c.d.ImagesDir, rec.UploadedAt.Year(), rec.ID)); err != nil {
		return ParseOutput{Outcome: OutcomeFailed, Err: &extractor.IOError{Path: c.d.ImagesDir, Err: err}}
	}
	images, err := c.d.Parser.ExtractImages(ctx, src, rec.Kind, rec.ID, rec.UploadedAt.Year())
	if err != nil {
		return ParseOutput{Outcome: OutcomeFailed, Err: fmt.Errorf("extract images: %w", err)}
	}

	cls := c.d.Classifier.Classify(ctx, classifier.Input{
		OriginalFilename: rec.OriginalFilename,
		ContentHash:      rec.ContentHash,
		Text:             doc.Text,
		Requested:        rec.RequestedCategory,
	})

	tables := tableRecords(rec.ID, doc.Tables)
	return ParseOutput{
		Outcome:  OutcomeOK,
		Chapters: chapter.Records(rec.ID, outline.Chapters),
		Tables:   tables,
		Images:   imageRecords(rec.ID, images),
		Fallback: outline.Fallback,
		Classify: ClassifyOutput{
			Category:     cls.Category,
			SemanticName: cls.SemanticName,
			Source:       cls.Source,
			Note:         cls.Note,
		},
		Metadata: model.FileMetadata{
			PageCount:          doc.PageCount,
			HasTables:          len(tables) > 0,
			TableCount:         len(tables),
			ImageCount:         len(images),
			ChapterCount:       len(outline.Chapters),
			ParseMillis:        time.Since(start).Milliseconds(),
			OutlinePreview:     chapter.Outline(outline.Chapters, 20),
			ClassificationNote: cls.Note,
			TextSource:         doc.Source,
		},
	}
}

func (c *Controller) runArchive(ctx context.Context, rec *model.FileRecord) error {
	rec, err := c.enter(ctx, rec, model.StatusParsed, model.StatusArchiving)
	if err != nil {
		return err
	}
	timer := c.d.Metrics.StageTimer(stageArchive)
	out := c.archive(context.WithoutCancel(ctx), rec)
	timer.ObserveDuration()

	if stop, err := c.interrupted(ctx, rec, stageArchive, model.StatusArchiving, model.StatusParsed); stop {
		return err
	}
	if out.Outcome != OutcomeOK {
		return c.fail(ctx, rec, stageArchive, model.StatusArchiving, model.StatusArchiveFailed, out.Err)
	}
	_, err = c.d.Repos.Files.Transition(context.WithoutCancel(ctx), rec.ID, []model.FileStatus{model.StatusArchiving}, model.StatusArchived,
		map[string]any{"archive_path": out.Path})
	if err != nil {
		return err
	}
	c.d.Metrics.StageDone(stageArchive, string(OutcomeOK))
	log.Infof("[Controller] 归档完成, file_id: %s, path: %s, adopted: %t", rec.ID, out.Path, out.Adopted)
	return nil
}

// archive 复制到归档目录。I/O 错误重试一次，不变量冲突不重试。
func (c *Controller) archive(ctx context.Context, rec *model.FileRecord) ArchiveOutput {
	if rec.Category == "" || rec.SemanticName == "" {
		return ArchiveOutput{Outcome: OutcomeFailed, Err: errors.New("record has no classification")}
	}
	src, err := sourcePath(rec)
	if err != nil {
		return ArchiveOutput{Outcome: OutcomeFailed, Err: err}
	}
	req := archiver.Request{
		FileID:       rec.ID,
		TempPath:     src,
		ContentHash:  rec.ContentHash,
		UploadedAt:   rec.UploadedAt,
		Category:     rec.Category,
		SemanticName: rec.SemanticName,
	}
	res, err := c.d.Archiver.Archive(ctx, req)
	if err != nil && !errors.Is(err, archiver.ErrInvariantViolation) {
		log.Warnf("[Controller] 归档失败, 重试一次, file_id: %s: %v", rec.ID, err)
		res, err = c.d.Archiver.Archive(ctx, req)
	}
	if err != nil {
		return ArchiveOutput{Outcome: OutcomeFailed, Err: err}
	}
	return ArchiveOutput{Outcome: OutcomeOK, Path: res.Path, Adopted: res.Adopted}
}

func (c *Controller) runIndex(ctx context.Context, rec *model.FileRecord) error {
	rec, err := c.enter(ctx, rec, model.StatusArchived, model.StatusIndexing)
	if err != nil {
		return err
	}
	timer := c.d.Metrics.StageTimer(stageIndex)
	defer timer.ObserveDuration()
	bg := context.WithoutCancel(ctx)

	out := c.prepareIndex(bg, rec)
	if stop, err := c.interrupted(ctx, rec, stageIndex, model.StatusIndexing, model.StatusArchived); stop {
		return err
	}
	if out.Outcome == OutcomeOK {
		if err := c.d.Indexer.Commit(bg, out.Prepared); err != nil {
			out = IndexOutput{Outcome: OutcomeFailed, Err: err}
		}
	}
	if out.Outcome != OutcomeOK {
		// 崩溃恢复时可能残留上一次写了一半的条目
		if err := c.d.Indexer.Purge(bg, rec.ID); err != nil {
			log.Error(fmt.Sprintf("[Controller] 清理索引残留失败, file_id: %s", rec.ID), err)
		}
		return c.fail(ctx, rec, stageIndex, model.StatusIndexing, model.StatusIndexFailed, out.Err)
	}

	rec, err = c.d.Repos.Files.Transition(bg, rec.ID, []model.FileStatus{model.StatusIndexing}, model.StatusIndexed, nil)
	if err != nil {
		return err
	}
	c.d.Metrics.StageDone(stageIndex, string(OutcomeOK))
	log.Infof("[Controller] 索引完成, file_id: %s, entries: %d", rec.ID, out.Entries)

	c.cleanupTemp(bg, rec)
	c.enrich(bg, rec)
	return nil
}

func (c *Controller) prepareIndex(ctx context.Context, rec *model.FileRecord) IndexOutput {
	chapters, err := c.d.Repos.Chapters.ListByFile(ctx, rec.ID)
	if err != nil {
		return IndexOutput{Outcome: OutcomeFailed, Err: fmt.Errorf("load chapters: %w", err)}
	}
	prepared, err := c.d.Indexer.Prepare(ctx, rec, chapters)
	if err != nil {
		return IndexOutput{Outcome: OutcomeFailed, Err: err}
	}
	return IndexOutput{Outcome: OutcomeOK, Prepared: prepared, Entries: len(prepared.Entries)}
}

// cleanupTemp 索引完成后删除临时文件并清空 temp_path。
func (c *Controller) cleanupTemp(ctx context.Context, rec *model.FileRecord) {
	if rec.TempPath == "" {
		return
	}
	removeTemp(rec.TempPath)
	if err := c.d.Repos.Files.Update(ctx, rec.ID, map[string]any{"temp_path": ""}); err != nil {
		log.Warnf("[Controller] 清空 temp_path 失败, file_id: %s: %v", rec.ID, err)
	}
}

func (c *Controller) enrich(ctx context.Context, rec *model.FileRecord) {
	if c.d.Enricher == nil {
		return
	}
	if err := c.d.Enricher.Enrich(ctx, rec); err != nil {
		log.Warnf("[Controller] 索引后增强失败, file_id: %s: %v", rec.ID, err)
	}
}

// teardown 删除文件的全部派生状态：向量与知识条目、章节、表格、图片、财务报告。
// next 与派生表的删除在同一事务内执行，通常是一次状态迁移。
func (c *Controller) teardown(ctx context.Context, rec *model.FileRecord, next func(repos repository.Repositories) error) error {
	if err := c.d.Indexer.Purge(ctx, rec.ID); err != nil {
		return fmt.Errorf("purge index: %w", err)
	}
	err := c.d.Tx.Transaction(ctx, func(repos repository.Repositories) error {
		for _, del := range []func(context.Context, string) error{
			repos.Chapters.DeleteByFile,
			repos.Tables.DeleteByFile,
			repos.Images.DeleteByFile,
			repos.Financial.DeleteByFile,
		} {
			if err := del(ctx, rec.ID); err != nil {
				return err
			}
		}
		return next(repos)
	})
	if err != nil {
		return err
	}
	if err := os.RemoveAll(extractor.ImageDir(c.d.ImagesDir, rec.UploadedAt.Year(), rec.ID)); err != nil {
		log.Warnf("[Controller] 删除图片目录失败, file_id: %s: %v", rec.ID, err)
	}
	if c.d.Enricher != nil {
		if err := c.d.Enricher.Discard(rec); err != nil {
			log.Warnf("[Controller] 删除增强文件失败, file_id: %s: %v", rec.ID, err)
		}
	}
	return nil
}

// sourcePath 优先读取临时文件。索引完成后临时文件已删除，重新解析时读取归档文件。
func sourcePath(rec *model.FileRecord) (string, error) {
	for _, p := range []string{rec.TempPath, rec.ArchivePath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &extractor.IOError{Path: rec.TempPath, Err: os.ErrNotExist}
}

// removeTemp 删除临时文件及其所在的上传目录（目录为空时）。
func removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("[Controller] 删除临时文件失败: %s: %v", path, err)
		return
	}
	_ = os.Remove(filepath.Dir(path))
}

func tableRecords(fileID string, tables []extractor.Table) []*model.TableRecord {
	out := make([]*model.TableRecord, 0, len(tables))
	for _, t := range tables {
		headers, _ := json.Marshal(t.Headers)
		rows, _ := json.Marshal(t.Rows)
		out = append(out, &model.TableRecord{
			FileID:   fileID,
			Ordinal:  t.Ordinal,
			Page:     t.Page,
			Headers:  datatypes.JSON(headers),
			Rows:     datatypes.JSON(rows),
			Markdown: t.Markdown,
		})
	}
	return out
}

func imageRecords(fileID string, images []extractor.Image) []*model.ImageRecord {
	out := make([]*model.ImageRecord, 0, len(images))
	for _, img := range images {
		out = append(out, &model.ImageRecord{
			FileID:  fileID,
			Ordinal: img.Ordinal,
			Format:  img.Format,
			Width:   img.Width,
			Height:  img.Height,
			Size:    img.Size,
			Path:    img.Path,
			SHA256:  img.SHA256,
		})
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
