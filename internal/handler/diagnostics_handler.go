package handler

import (
	"net/http"

	"bidding-kb-go/internal/middleware"
	"bidding-kb-go/internal/service"
	"bidding-kb-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// DiagnosticsHandler 负责管理员的章节诊断与重解析接口。
type DiagnosticsHandler struct {
	diagnostics service.DiagnosticsService
	fileService service.FileService
}

// NewDiagnosticsHandler 创建一个新的 DiagnosticsHandler 实例。
func NewDiagnosticsHandler(diagnostics service.DiagnosticsService, fileService service.FileService) *DiagnosticsHandler {
	return &DiagnosticsHandler{diagnostics: diagnostics, fileService: fileService}
}

// ChaptersSummary 返回章节摘要（层级、编号、标题、顺序）。
func (h *DiagnosticsHandler) ChaptersSummary(c *gin.Context) {
	summary, err := h.diagnostics.ChaptersSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "ChaptersSummary", err)
		return
	}
	respond(c, "success", summary)
}

// ExtractPreview 重新提取文本并返回前 max_lines 行。
func (h *DiagnosticsHandler) ExtractPreview(c *gin.Context) {
	maxLines, ok := queryInt(c, "max_lines")
	if !ok {
		return
	}
	preview, err := h.diagnostics.ExtractPreview(c.Request.Context(), c.Param("id"), maxLines)
	if err != nil {
		fail(c, "ExtractPreview", err)
		return
	}
	respond(c, "success", preview)
}

// CompareChapters 比较两个文件的章节序列，返回第一个差异位置。
func (h *DiagnosticsHandler) CompareChapters(c *gin.Context) {
	id1, id2 := c.Query("file_id1"), c.Query("file_id2")
	if id1 == "" || id2 == "" {
		abort(c, http.StatusBadRequest, "缺少 file_id1 或 file_id2")
		return
	}
	cmp, err := h.diagnostics.CompareChapters(c.Request.Context(), id1, id2)
	if err != nil {
		fail(c, "CompareChapters", err)
		return
	}
	respond(c, "success", cmp)
}

// Reparse 把记录重新投递到流水线，POST 和 GET 均可调用。
func (h *DiagnosticsHandler) Reparse(c *gin.Context) {
	fileID := c.Param("id")
	rec, err := h.fileService.Reparse(c.Request.Context(), fileID)
	if err != nil {
		fail(c, "Reparse", err)
		return
	}
	if claims := middleware.Claims(c); claims != nil {
		log.Infof("Admin user '%s' requested reparse of %s", claims.Uploader(), fileID)
	}
	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "已提交重新解析", "data": rec})
}
