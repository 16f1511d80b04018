package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bidding-kb-go/internal/archiver"
	"bidding-kb-go/internal/classifier"
	"bidding-kb-go/internal/extractor"
	"bidding-kb-go/internal/indexer"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository/memory"
	"bidding-kb-go/pkg/tasks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const tenderDoc = `某市道路改造工程招标文件
第一章 招标公告
一、项目概况
本项目为某市道路改造工程，建设内容包括道路、排水与照明。
二、投标人资格要求
投标人须具备市政公用工程施工总承包二级及以上资质。
第二章 投标人须知
1 总体要求
1.1 项目说明
投标人应当认真阅读招标文件中的全部内容。
1.2 评标办法
评标委员会按综合评分法对投标文件进行评审。
2 投标文件
应在截止时间前将密封文件递交至招标人指定地点。`

var uploadedAt = time.Date(2024, 3, 5, 10, 0, 0, 0, time.Local)

type fakeEmbedder struct {
	failAll atomic.Bool
	calls   atomic.Int64
}

func (f *fakeEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.failAll.Load() {
		return nil, errors.New("embedding api returned 500")
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (f *fakeEmbedder) Model() string   { return "fake-embed" }
func (f *fakeEmbedder) Dimensions() int { return 3 }

type fakeVectors struct {
	mu   sync.Mutex
	docs map[string]model.EsDocument
}

func (f *fakeVectors) Upsert(_ context.Context, docs []model.EsDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		f.docs[d.VectorID] = d
	}
	return nil
}

func (f *fakeVectors) DeleteByFile(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, d := range f.docs {
		if d.FileID == fileID {
			delete(f.docs, id)
		}
	}
	return nil
}

func (f *fakeVectors) count(fileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.docs {
		if d.FileID == fileID {
			n++
		}
	}
	return n
}

// flakyParser 包装真实提取器：前 failures 次返回 ParseError，onExtract 在每次调用时执行。
type flakyParser struct {
	Parser
	mu        sync.Mutex
	failures  int
	calls     int
	onExtract func()
}

func (p *flakyParser) Extract(ctx context.Context, path string, kind model.FileKind) (*extractor.Document, error) {
	p.mu.Lock()
	p.calls++
	fail := p.failures > 0
	if fail {
		p.failures--
	}
	hook := p.onExtract
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return nil, &extractor.ParseError{Path: path, Err: errors.New("broken xref table")}
	}
	return p.Parser.Extract(ctx, path, kind)
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []tasks.FileTask
}

func (q *recordingQueue) Enqueue(_ context.Context, task tasks.FileTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

type harness struct {
	root     string
	store    *memory.Store
	leases   *memory.Leases
	emb      *fakeEmbedder
	vectors  *fakeVectors
	parser   *flakyParser
	archiver *archiver.Archiver
	ctl      *Controller
	resolver *Resolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:    root,
		store:   memory.NewStore(),
		leases:  memory.NewLeases(),
		emb:     &fakeEmbedder{},
		vectors: &fakeVectors{docs: map[string]model.EsDocument{}},
	}
	imagesDir := filepath.Join(root, "images")
	h.parser = &flakyParser{Parser: extractor.New(extractor.Options{ImagesDir: imagesDir})}
	h.archiver = archiver.New(filepath.Join(root, "archive"), nil)
	ix := indexer.New(h.emb, h.vectors, h.store, indexer.RuneCounter{}, indexer.Options{ChunkSize: 256, MinBodyLength: 10})
	h.ctl = NewController(Deps{
		Repos:      h.store.Repositories(),
		Tx:         h.store,
		Leases:     h.leases,
		Parser:     h.parser,
		Classifier: classifier.New(nil),
		Archiver:   h.archiver,
		Indexer:    ix,
		ImagesDir:  imagesDir,
	})
	h.resolver = NewResolver(h.store.Repositories().Files, h.ctl, "skip")
	return h
}

// upload 模拟上传入口：写临时文件并创建 uploaded 记录。
func (h *harness) upload(t *testing.T, name, content string, status model.FileStatus) *model.FileRecord {
	t.Helper()
	dir := filepath.Join(h.root, "uploads", "temp", uuid.NewString()[:8])
	require.NoError(t, os.MkdirAll(dir, 0o755))
	ext := filepath.Ext(name)
	tmp := filepath.Join(dir, uuid.NewString()+ext)
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))

	sum := sha256.Sum256([]byte(content))
	kind, err := extractor.KindForExt(ext)
	require.NoError(t, err)
	rec := &model.FileRecord{
		ID:               uuid.NewString(),
		OriginalFilename: name,
		Kind:             kind,
		Ext:              ext[1:],
		ContentHash:      hex.EncodeToString(sum[:]),
		Size:             int64(len(content)),
		TempPath:         tmp,
		Status:           status,
		UploadedAt:       uploadedAt,
	}
	require.NoError(t, h.store.Repositories().Files.Create(context.Background(), rec))
	return rec
}

func (h *harness) get(t *testing.T, id string) *model.FileRecord {
	t.Helper()
	rec, err := h.store.Repositories().Files.FindByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (h *harness) count(t *testing.T, id string) (chapters, images, tables, entries int64) {
	t.Helper()
	ctx := context.Background()
	repos := h.store.Repositories()
	var err error
	chapters, err = repos.Chapters.CountByFile(ctx, id)
	require.NoError(t, err)
	images, err = repos.Images.CountByFile(ctx, id)
	require.NoError(t, err)
	tables, err = repos.Tables.CountByFile(ctx, id)
	require.NoError(t, err)
	entries, err = repos.Knowledge.CountByFile(ctx, id)
	require.NoError(t, err)
	return
}
