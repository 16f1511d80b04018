package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/pkg/embedding"
	"bidding-kb-go/pkg/es"
	"bidding-kb-go/pkg/log"

	"github.com/samber/lo"
)

const (
	DefaultSearchLimit = 5
	MaxSearchLimit     = 50
	DefaultListLimit   = 20
	MaxListLimit       = 100
)

// ErrInvalidQuery 表示检索参数不合法。
var ErrInvalidQuery = errors.New("invalid query")

// VectorSearcher 是向量库的检索端。
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, k int, category string) ([]es.Hit, error)
}

// SearchQuery 是一次语义检索的参数。
type SearchQuery struct {
	Query         string
	Limit         int
	MinSimilarity float64
	Category      string
}

// EntryPage 是知识条目的分页结果。
type EntryPage struct {
	Entries []model.KnowledgeEntry `json:"entries"`
	Total   int64                  `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// KnowledgeService 提供知识库的只读访问：语义检索、条目列表和统计。
type KnowledgeService interface {
	Search(ctx context.Context, q SearchQuery) ([]model.SearchResultDTO, error)
	ListEntries(ctx context.Context, filter repository.KnowledgeFilter, limit, offset int) (*EntryPage, error)
	Statistics(ctx context.Context) (*model.Statistics, error)
}

type knowledgeService struct {
	repos    repository.Repositories
	embedder embedding.Client
	vectors  VectorSearcher
}

// NewKnowledgeService 创建一个新的 KnowledgeService 实例。
func NewKnowledgeService(repos repository.Repositories, embedder embedding.Client, vectors VectorSearcher) KnowledgeService {
	return &knowledgeService{repos: repos, embedder: embedder, vectors: vectors}
}

// Search 向量化查询后执行 knn 检索，过滤低于 MinSimilarity 的结果，按相似度降序返回。
func (s *knowledgeService) Search(ctx context.Context, q SearchQuery) ([]model.SearchResultDTO, error) {
	query := strings.TrimSpace(q.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	limit := clamp(q.Limit, DefaultSearchLimit, MaxSearchLimit)
	if q.Category != "" {
		if _, ok := model.ParseCategory(q.Category); !ok {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidQuery, q.Category)
		}
	}

	vector, err := s.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.vectors.Search(ctx, vector, limit, q.Category)
	if err != nil {
		return nil, err
	}
	log.Infof("[KnowledgeService] 语义检索, query: %q, limit: %d, hits: %d", query, limit, len(hits))

	names := s.fileNames(ctx, lo.Uniq(lo.Map(hits, func(h es.Hit, _ int) string { return h.Doc.FileID })))
	results := make([]model.SearchResultDTO, 0, len(hits))
	for _, h := range hits {
		sim := es.CosineFromScore(h.Score)
		if sim < q.MinSimilarity {
			continue
		}
		results = append(results, model.SearchResultDTO{
			FileID:     h.Doc.FileID,
			FileName:   names[h.Doc.FileID],
			ChunkKey:   h.Doc.ChunkKey,
			Title:      h.Doc.Title,
			Content:    h.Doc.Content,
			Category:   h.Doc.Category,
			Importance: h.Doc.Importance,
			Keywords:   h.Doc.Keywords,
			Score:      h.Score,
			Similarity: sim,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	return results, nil
}

func (s *knowledgeService) fileNames(ctx context.Context, ids []string) map[string]string {
	names := make(map[string]string, len(ids))
	for _, id := range ids {
		rec, err := s.repos.Files.FindByID(ctx, id)
		if err != nil {
			continue
		}
		names[id] = rec.OriginalFilename
	}
	return names
}

func (s *knowledgeService) ListEntries(ctx context.Context, filter repository.KnowledgeFilter, limit, offset int) (*EntryPage, error) {
	limit = clamp(limit, DefaultListLimit, MaxListLimit)
	offset = max(offset, 0)
	entries, total, err := s.repos.Knowledge.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, err
	}
	return &EntryPage{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *knowledgeService) Statistics(ctx context.Context) (*model.Statistics, error) {
	var (
		st  model.Statistics
		err error
	)
	if st.ByStatus, err = s.repos.Files.StatsByStatus(ctx); err != nil {
		return nil, err
	}
	if st.ByCategory, err = s.repos.Files.StatsByCategory(ctx); err != nil {
		return nil, err
	}
	if st.EntriesByCategory, err = s.repos.Knowledge.CountByCategory(ctx); err != nil {
		return nil, err
	}
	if st.TotalChapters, err = s.repos.Chapters.CountAll(ctx); err != nil {
		return nil, err
	}
	if st.TotalEntries, err = s.repos.Knowledge.CountAll(ctx); err != nil {
		return nil, err
	}
	if st.TotalImages, err = s.repos.Images.CountAll(ctx); err != nil {
		return nil, err
	}
	// 软删除的记录不计入文件总数
	st.TotalFiles = lo.Sum(lo.Values(lo.OmitByKeys(st.ByStatus, []model.FileStatus{model.StatusDeleted})))
	return &st, nil
}

// clamp 把非正数替换为默认值，并限制上限。
func clamp(n, def, limit int) int {
	if n <= 0 {
		return def
	}
	return min(n, limit)
}
