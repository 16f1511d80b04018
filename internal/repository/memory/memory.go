// Package memory 提供 repository 各接口的内存实现，用于单元测试和本地调试。
// 事务通过快照实现：fn 返回错误时整体恢复到事务开始前的状态。
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Store 保存全部表的数据。
type Store struct {
	mu        sync.Mutex
	files     map[string]model.FileRecord
	chapters  []model.ChapterRecord
	images    []model.ImageRecord
	tables    []model.TableRecord
	knowledge []model.KnowledgeEntry
	financial []model.FinancialReport
	nextID    uint
	// Now 可在测试中替换。
	Now func() time.Time
}

func NewStore() *Store {
	return &Store{files: map[string]model.FileRecord{}, Now: time.Now}
}

// Repositories 返回基于该 Store 的全部仓储。
func (s *Store) Repositories() repository.Repositories {
	return repository.Repositories{
		Files:     &fileRepo{s},
		Chapters:  &chapterRepo{s},
		Images:    &imageRepo{s},
		Tables:    &tableRepo{s},
		Knowledge: &knowledgeRepo{s},
		Financial: &financialRepo{s},
	}
}

type snapshot struct {
	files     map[string]model.FileRecord
	chapters  []model.ChapterRecord
	images    []model.ImageRecord
	tables    []model.TableRecord
	knowledge []model.KnowledgeEntry
	financial []model.FinancialReport
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make(map[string]model.FileRecord, len(s.files))
	for k, v := range s.files {
		files[k] = v
	}
	return snapshot{
		files:     files,
		chapters:  slices.Clone(s.chapters),
		images:    slices.Clone(s.images),
		tables:    slices.Clone(s.tables),
		knowledge: slices.Clone(s.knowledge),
		financial: slices.Clone(s.financial),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = snap.files
	s.chapters = snap.chapters
	s.images = snap.images
	s.tables = snap.tables
	s.knowledge = snap.knowledge
	s.financial = snap.financial
}

// Transaction 实现 repository.TxManager。
func (s *Store) Transaction(ctx context.Context, fn func(repos repository.Repositories) error) error {
	snap := s.snapshot()
	if err := fn(s.Repositories()); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) id() uint {
	s.nextID++
	return s.nextID
}

// ---- file_records ----

type fileRepo struct{ s *Store }

func (r *fileRepo) Create(_ context.Context, rec *model.FileRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := r.s.files[rec.ID]; ok {
		return fmt.Errorf("duplicate primary key %s", rec.ID)
	}
	rec.UpdatedAt = r.s.Now()
	r.s.files[rec.ID] = *rec
	return nil
}

func (r *fileRepo) FindByID(_ context.Context, id string) (*model.FileRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func active(rec model.FileRecord) bool {
	return rec.Status != model.StatusDeleted && rec.Status != model.StatusUploadFailed
}

func (r *fileRepo) sorted(asc bool, keep func(model.FileRecord) bool) []model.FileRecord {
	var out []model.FileRecord
	for _, rec := range r.s.files {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.Before(out[j].UploadedAt) == asc
		}
		return (out[i].ID < out[j].ID) == asc
	})
	return out
}

func (r *fileRepo) FindActiveByHash(_ context.Context, hash string) (*model.FileRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	recs := r.sorted(true, func(rec model.FileRecord) bool { return active(rec) && rec.ContentHash == hash })
	if len(recs) == 0 {
		return nil, repository.ErrNotFound
	}
	return &recs[0], nil
}

func (r *fileRepo) FindActiveByOriginalName(_ context.Context, name, excludeHash string) (*model.FileRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	recs := r.sorted(false, func(rec model.FileRecord) bool {
		return active(rec) && rec.OriginalFilename == name && rec.ContentHash != excludeHash
	})
	if len(recs) == 0 {
		return nil, repository.ErrNotFound
	}
	return &recs[0], nil
}

func (r *fileRepo) Transition(_ context.Context, id string, from []model.FileStatus, to model.FileStatus, fields map[string]any) (*model.FileRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !slices.Contains(from, rec.Status) || !model.CanTransition(rec.Status, to) {
		return nil, fmt.Errorf("%w: %s is %s, want %v → %s", repository.ErrStatusConflict, id, rec.Status, from, to)
	}
	now := r.s.Now()
	applyFields(&rec, repository.TransitionUpdates(to, fields, now))
	rec.UpdatedAt = now
	r.s.files[id] = rec
	return &rec, nil
}

func (r *fileRepo) Update(_ context.Context, id string, fields map[string]any) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	applyFields(&rec, fields)
	rec.UpdatedAt = r.s.Now()
	r.s.files[id] = rec
	return nil
}

func (r *fileRepo) List(_ context.Context, filter repository.FileFilter, limit, offset int) ([]model.FileRecord, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	recs := r.sorted(false, func(rec model.FileRecord) bool {
		if filter.Status != "" {
			if rec.Status != filter.Status {
				return false
			}
		} else if rec.Status == model.StatusDeleted {
			return false
		}
		if filter.Category != "" && rec.Category != filter.Category {
			return false
		}
		return filter.Uploader == "" || rec.Uploader == filter.Uploader
	})
	return page(recs, limit, offset), int64(len(recs)), nil
}

func (r *fileRepo) CountByStatus(_ context.Context, statuses ...model.FileStatus) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, rec := range r.s.files {
		if slices.Contains(statuses, rec.Status) {
			n++
		}
	}
	return n, nil
}

func (r *fileRepo) ListStale(_ context.Context, statuses []model.FileStatus, before time.Time, limit int) ([]model.FileRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.FileRecord
	for _, rec := range r.s.files {
		if slices.Contains(statuses, rec.Status) && rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (r *fileRepo) StatsByStatus(context.Context) (map[model.FileStatus]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[model.FileStatus]int64{}
	for _, rec := range r.s.files {
		out[rec.Status]++
	}
	return out, nil
}

func (r *fileRepo) StatsByCategory(context.Context) (map[model.Category]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[model.Category]int64{}
	for _, rec := range r.s.files {
		if rec.Status != model.StatusDeleted && rec.Category != "" {
			out[rec.Category]++
		}
	}
	return out, nil
}

func page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// applyFields 按列名把更新写回结构体，未知列直接 panic，便于测试尽早暴露拼写错误。
func applyFields(rec *model.FileRecord, fields map[string]any) {
	for col, v := range fields {
		switch col {
		case "status":
			rec.Status = model.FileStatus(fmt.Sprint(v))
		case "category":
			rec.Category = model.Category(fmt.Sprint(v))
		case "requested_category":
			rec.RequestedCategory = model.Category(fmt.Sprint(v))
		case "semantic_name":
			rec.SemanticName = fmt.Sprint(v)
		case "archive_path":
			rec.ArchivePath = fmt.Sprint(v)
		case "temp_path":
			rec.TempPath = fmt.Sprint(v)
		case "error_message":
			rec.ErrorMessage = fmt.Sprint(v)
		case "duplicate_of":
			rec.DuplicateOf = fmt.Sprint(v)
		case "supersedes":
			rec.Supersedes = fmt.Sprint(v)
		case "chapter_fallback":
			rec.ChapterFallback = v.(bool)
		case "metadata":
			rec.Metadata = v.(datatypes.JSON)
		case "parsing_at":
			rec.ParsingAt = timePtr(v)
		case "parsed_at":
			rec.ParsedAt = timePtr(v)
		case "archiving_at":
			rec.ArchivingAt = timePtr(v)
		case "archived_at":
			rec.ArchivedAt = timePtr(v)
		case "indexing_at":
			rec.IndexingAt = timePtr(v)
		case "indexed_at":
			rec.IndexedAt = timePtr(v)
		case "failed_at":
			rec.FailedAt = timePtr(v)
		case "deleted_at":
			rec.DeletedAt = timePtr(v)
		default:
			panic("memory: unknown file_records column " + col)
		}
	}
}

func timePtr(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	case nil:
		return nil
	}
	panic(fmt.Sprintf("memory: unexpected time value %T", v))
}

// ---- 派生表 ----

func replaceRows[T any](s *Store, rows *[]T, fileID string, fileOf func(*T) string, setID func(*T, uint), fresh []*T) {
	kept := (*rows)[:0:0]
	for _, row := range *rows {
		if fileOf(&row) != fileID {
			kept = append(kept, row)
		}
	}
	for _, row := range fresh {
		setID(row, s.id())
		kept = append(kept, *row)
	}
	*rows = kept
}

func rowsOf[T any](rows []T, fileID string, fileOf func(*T) string) []T {
	var out []T
	for i := range rows {
		if fileOf(&rows[i]) == fileID {
			out = append(out, rows[i])
		}
	}
	return out
}

type chapterRepo struct{ s *Store }

func chapterFile(c *model.ChapterRecord) string { return c.FileID }

func (r *chapterRepo) ReplaceForFile(_ context.Context, fileID string, chapters []*model.ChapterRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.chapters, fileID, chapterFile, func(c *model.ChapterRecord, id uint) { c.ID = id }, chapters)
	return nil
}

func (r *chapterRepo) ListByFile(_ context.Context, fileID string) ([]model.ChapterRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := rowsOf(r.s.chapters, fileID, chapterFile)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *chapterRepo) DeleteByFile(_ context.Context, fileID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.chapters, fileID, chapterFile, nil, nil)
	return nil
}

func (r *chapterRepo) CountByFile(_ context.Context, fileID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(rowsOf(r.s.chapters, fileID, chapterFile))), nil
}

func (r *chapterRepo) CountAll(context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.s.chapters)), nil
}

type imageRepo struct{ s *Store }

func imageFile(i *model.ImageRecord) string { return i.FileID }

func (r *imageRepo) ReplaceForFile(_ context.Context, fileID string, images []*model.ImageRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.images, fileID, imageFile, func(i *model.ImageRecord, id uint) { i.ID = id }, images)
	return nil
}

func (r *imageRepo) ListByFile(_ context.Context, fileID string) ([]model.ImageRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := rowsOf(r.s.images, fileID, imageFile)
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (r *imageRepo) DeleteByFile(_ context.Context, fileID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.images, fileID, imageFile, nil, nil)
	return nil
}

func (r *imageRepo) CountByFile(_ context.Context, fileID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(rowsOf(r.s.images, fileID, imageFile))), nil
}

func (r *imageRepo) CountAll(context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.s.images)), nil
}

type tableRepo struct{ s *Store }

func tableFile(t *model.TableRecord) string { return t.FileID }

func (r *tableRepo) ReplaceForFile(_ context.Context, fileID string, tables []*model.TableRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.tables, fileID, tableFile, func(t *model.TableRecord, id uint) { t.ID = id }, tables)
	return nil
}

func (r *tableRepo) ListByFile(_ context.Context, fileID string) ([]model.TableRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := rowsOf(r.s.tables, fileID, tableFile)
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (r *tableRepo) DeleteByFile(_ context.Context, fileID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.tables, fileID, tableFile, nil, nil)
	return nil
}

func (r *tableRepo) CountByFile(_ context.Context, fileID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(rowsOf(r.s.tables, fileID, tableFile))), nil
}

type knowledgeRepo struct{ s *Store }

func entryFile(e *model.KnowledgeEntry) string { return e.FileID }

func (r *knowledgeRepo) BatchCreate(_ context.Context, entries []*model.KnowledgeEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range entries {
		for _, existing := range r.s.knowledge {
			if existing.FileID == e.FileID && existing.ChunkKey == e.ChunkKey {
				return fmt.Errorf("duplicate entry %s/%s", e.FileID, e.ChunkKey)
			}
		}
		e.ID = r.s.id()
		e.CreatedAt = r.s.Now()
		r.s.knowledge = append(r.s.knowledge, *e)
	}
	return nil
}

func (r *knowledgeRepo) ListByFile(_ context.Context, fileID string) ([]model.KnowledgeEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return rowsOf(r.s.knowledge, fileID, entryFile), nil
}

func (r *knowledgeRepo) DeleteByFile(_ context.Context, fileID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.knowledge, fileID, entryFile, nil, nil)
	return nil
}

func (r *knowledgeRepo) CountByFile(_ context.Context, fileID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(rowsOf(r.s.knowledge, fileID, entryFile))), nil
}

func (r *knowledgeRepo) List(_ context.Context, filter repository.KnowledgeFilter, limit, offset int) ([]model.KnowledgeEntry, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.KnowledgeEntry
	for _, e := range r.s.knowledge {
		if filter.FileID != "" && e.FileID != filter.FileID {
			continue
		}
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		out = append(out, e)
	}
	return page(out, limit, offset), int64(len(out)), nil
}

func (r *knowledgeRepo) CountAll(context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.s.knowledge)), nil
}

func (r *knowledgeRepo) CountByCategory(context.Context) (map[model.Category]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[model.Category]int64{}
	for _, e := range r.s.knowledge {
		out[e.Category]++
	}
	return out, nil
}

type financialRepo struct{ s *Store }

func reportFile(f *model.FinancialReport) string { return f.FileID }

func (r *financialRepo) ReplaceForFile(_ context.Context, fileID string, reports []*model.FinancialReport) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.financial, fileID, reportFile, func(f *model.FinancialReport, id uint) { f.ID = id }, reports)
	return nil
}

func (r *financialRepo) ListByFile(_ context.Context, fileID string) ([]model.FinancialReport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := rowsOf(r.s.financial, fileID, reportFile)
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out, nil
}

func (r *financialRepo) DeleteByFile(_ context.Context, fileID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	replaceRows(r.s, &r.s.financial, fileID, reportFile, nil, nil)
	return nil
}

// ---- lease ----

// Leases 是 repository.LeaseRepository 的内存实现。
type Leases struct {
	mu      sync.Mutex
	holders map[string]lease
}

type lease struct {
	token   string
	expires time.Time
}

func NewLeases() *Leases {
	return &Leases{holders: map[string]lease{}}
}

func (l *Leases) Acquire(_ context.Context, fileID string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.holders[fileID]; ok && time.Now().Before(cur.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.holders[fileID] = lease{token: token, expires: time.Now().Add(ttl)}
	return token, true, nil
}

func (l *Leases) Extend(_ context.Context, fileID, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.holders[fileID]
	if !ok || cur.token != token {
		return false, nil
	}
	l.holders[fileID] = lease{token: token, expires: time.Now().Add(ttl)}
	return true, nil
}

func (l *Leases) Release(_ context.Context, fileID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.holders[fileID]; ok && cur.token == token {
		delete(l.holders, fileID)
	}
	return nil
}

// Held 报告文件当前是否被持有租约。
func (l *Leases) Held(fileID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.holders[fileID]
	return ok && time.Now().Before(cur.expires)
}
