// Package broker 通过 MCP 向外部智能体暴露只读的知识库工具。
package broker

import (
	"context"
	"fmt"
	"net/http"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/service"
	"bidding-kb-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samber/lo"
)

const serverName = "bidding-knowledge-base"

// EntryView 是返回给智能体的知识条目，不含向量。
type EntryView struct {
	ID         uint     `json:"id"`
	FileID     string   `json:"file_id"`
	ChunkKey   string   `json:"chunk_key"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Importance float64  `json:"importance"`
	Keywords   []string `json:"keywords"`
}

type ListEntriesInput struct {
	FileID   string `json:"file_id,omitempty" jsonschema:"only entries of this file"`
	Category string `json:"category,omitempty" jsonschema:"tender, proposal, reference, contract, report or other"`
	Limit    int    `json:"limit,omitempty" jsonschema:"page size, default 20, max 100"`
	Offset   int    `json:"offset,omitempty" jsonschema:"number of entries to skip"`
}

type ListEntriesOutput struct {
	Entries []EntryView `json:"entries"`
	Total   int64       `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

type SearchInput struct {
	Query         string  `json:"query" jsonschema:"natural language query"`
	Limit         int     `json:"limit,omitempty" jsonschema:"number of results, default 5, max 50"`
	MinSimilarity float64 `json:"min_similarity,omitempty" jsonschema:"drop results below this cosine similarity"`
	Category      string  `json:"category,omitempty" jsonschema:"restrict to one category"`
}

type SearchHit struct {
	FileID     string   `json:"file_id"`
	FileName   string   `json:"file_name"`
	ChunkKey   string   `json:"chunk_key"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Importance float64  `json:"importance"`
	Keywords   []string `json:"keywords"`
	Similarity float64  `json:"similarity"`
}

type SearchOutput struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

type StatisticsInput struct{}

type StatisticsOutput struct {
	ByStatus          map[string]int64 `json:"by_status"`
	ByCategory        map[string]int64 `json:"by_category"`
	EntriesByCategory map[string]int64 `json:"entries_by_category"`
	TotalFiles        int64            `json:"total_files"`
	TotalChapters     int64            `json:"total_chapters"`
	TotalEntries      int64            `json:"total_entries"`
	TotalImages       int64            `json:"total_images"`
}

type tools struct {
	knowledge service.KnowledgeService
}

// NewServer 创建注册了全部只读工具的 MCP Server。
func NewServer(knowledge service.KnowledgeService, version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil)
	t := &tools{knowledge: knowledge}

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_entries",
		Description: "List knowledge entries, optionally filtered by file id or category. Vectors are not returned.",
	}, t.listEntries)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_semantic",
		Description: "Semantic search over the bidding knowledge base, sorted by cosine similarity.",
	}, t.searchSemantic)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_statistics",
		Description: "Counts of files by status and category, and totals of chapters, entries and images.",
	}, t.statistics)
	return srv
}

func (t *tools) listEntries(ctx context.Context, _ *mcp.CallToolRequest, in ListEntriesInput) (*mcp.CallToolResult, ListEntriesOutput, error) {
	filter := repository.KnowledgeFilter{FileID: in.FileID}
	if in.Category != "" {
		c, ok := model.ParseCategory(in.Category)
		if !ok {
			return nil, ListEntriesOutput{}, fmt.Errorf("unknown category %q", in.Category)
		}
		filter.Category = c
	}
	page, err := t.knowledge.ListEntries(ctx, filter, in.Limit, in.Offset)
	if err != nil {
		return nil, ListEntriesOutput{}, err
	}
	return nil, ListEntriesOutput{
		Entries: lo.Map(page.Entries, func(e model.KnowledgeEntry, _ int) EntryView {
			return EntryView{
				ID:         e.ID,
				FileID:     e.FileID,
				ChunkKey:   e.ChunkKey,
				Title:      e.Title,
				Content:    e.Content,
				Category:   string(e.Category),
				Importance: e.Importance,
				Keywords:   lo.Ternary(e.KeywordList() != nil, e.KeywordList(), []string{}),
			}
		}),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}, nil
}

func (t *tools) searchSemantic(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	results, err := t.knowledge.Search(ctx, service.SearchQuery{
		Query:         in.Query,
		Limit:         in.Limit,
		MinSimilarity: in.MinSimilarity,
		Category:      in.Category,
	})
	if err != nil {
		log.Warnf("[Broker] search_semantic 失败, query: %q: %v", in.Query, err)
		return nil, SearchOutput{}, err
	}
	return nil, SearchOutput{
		Query: in.Query,
		Results: lo.Map(results, func(r model.SearchResultDTO, _ int) SearchHit {
			return SearchHit{
				FileID:     r.FileID,
				FileName:   r.FileName,
				ChunkKey:   r.ChunkKey,
				Title:      r.Title,
				Content:    r.Content,
				Category:   string(r.Category),
				Importance: r.Importance,
				Keywords:   lo.Ternary(r.Keywords != nil, r.Keywords, []string{}),
				Similarity: r.Similarity,
			}
		}),
	}, nil
}

func (t *tools) statistics(ctx context.Context, _ *mcp.CallToolRequest, _ StatisticsInput) (*mcp.CallToolResult, StatisticsOutput, error) {
	st, err := t.knowledge.Statistics(ctx)
	if err != nil {
		return nil, StatisticsOutput{}, err
	}
	return nil, StatisticsOutput{
		ByStatus:          stringKeys(st.ByStatus),
		ByCategory:        stringKeys(st.ByCategory),
		EntriesByCategory: stringKeys(st.EntriesByCategory),
		TotalFiles:        st.TotalFiles,
		TotalChapters:     st.TotalChapters,
		TotalEntries:      st.TotalEntries,
		TotalImages:       st.TotalImages,
	}, nil
}

func stringKeys[K ~string](m map[K]int64) map[string]int64 {
	return lo.MapKeys(m, func(_ int64, k K) string { return string(k) })
}

// Handler 把 MCP Server 挂载为 streamable HTTP 端点，所有会话共享同一个 Server。
func Handler(srv *mcp.Server) gin.HandlerFunc {
	h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv },
		&mcp.StreamableHTTPOptions{JSONResponse: true})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
