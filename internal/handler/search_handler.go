package handler

import (
	"net/http"
	"strconv"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/service"

	"github.com/gin-gonic/gin"
)

// SearchHandler 负责处理语义检索请求。
type SearchHandler struct {
	knowledge service.KnowledgeService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(knowledge service.KnowledgeService) *SearchHandler {
	return &SearchHandler{knowledge: knowledge}
}

// Search 处理 GET /search?q=&limit=&min_similarity=&category=。
func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		abort(c, http.StatusBadRequest, "缺少查询参数 q")
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	var minSimilarity float64
	if raw := c.Query("min_similarity"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			abort(c, http.StatusBadRequest, "无效的参数 min_similarity")
			return
		}
		minSimilarity = v
	}

	results, err := h.knowledge.Search(c.Request.Context(), service.SearchQuery{
		Query:         query,
		Limit:         limit,
		MinSimilarity: minSimilarity,
		Category:      c.Query("category"),
	})
	if err != nil {
		fail(c, "Search", err)
		return
	}
	respond(c, "检索成功", results)
}

// ListEntries 分页列出知识条目，参数与 MCP 工具 list_entries 相同。
func (h *SearchHandler) ListEntries(c *gin.Context) {
	filter := repository.KnowledgeFilter{FileID: c.Query("file_id")}
	if raw := c.Query("category"); raw != "" {
		category, ok := model.ParseCategory(raw)
		if !ok {
			abort(c, http.StatusBadRequest, "未知的分类 "+raw)
			return
		}
		filter.Category = category
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}
	page, err := h.knowledge.ListEntries(c.Request.Context(), filter, limit, offset)
	if err != nil {
		fail(c, "ListEntries", err)
		return
	}
	respond(c, "success", page)
}

// Statistics 返回知识库整体统计。
func (h *SearchHandler) Statistics(c *gin.Context) {
	stats, err := h.knowledge.Statistics(c.Request.Context())
	if err != nil {
		fail(c, "Statistics", err)
		return
	}
	respond(c, "success", stats)
}
