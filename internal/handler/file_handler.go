package handler

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/service"

	"github.com/gin-gonic/gin"
)

// FileHandler 负责文件记录的查询、去重决策与删除。
type FileHandler struct {
	fileService service.FileService
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(fileService service.FileService) *FileHandler {
	return &FileHandler{fileService: fileService}
}

// Status 返回记录状态、阶段时间戳和派生数据计数。
func (h *FileHandler) Status(c *gin.Context) {
	view, err := h.fileService.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Status", err)
		return
	}
	respond(c, "获取文件状态成功", view)
}

// List 按 status、category 过滤分页列出记录。
func (h *FileHandler) List(c *gin.Context) {
	filter := repository.FileFilter{Status: model.FileStatus(c.Query("status"))}
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

	records, total, err := h.fileService.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		fail(c, "List", err)
		return
	}
	respond(c, "获取文件列表成功", gin.H{"records": records, "total": total})
}

// Chapters 返回章节树及正文。
func (h *FileHandler) Chapters(c *gin.Context) {
	chapters, err := h.fileService.Chapters(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Chapters", err)
		return
	}
	respond(c, "获取章节成功", chapters)
}

// Images 列出文件中提取出的图片。
func (h *FileHandler) Images(c *gin.Context) {
	images, err := h.fileService.Images(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Images", err)
		return
	}
	respond(c, "获取图片列表成功", gin.H{"images": images, "total": len(images)})
}

// DownloadImage 以附件形式返回单张图片。
func (h *FileHandler) DownloadImage(c *gin.Context) {
	ordinal, err := strconv.Atoi(c.Param("ordinal"))
	if err != nil || ordinal < 1 {
		abort(c, http.StatusBadRequest, "无效的图片序号")
		return
	}
	img, err := h.fileService.Image(c.Request.Context(), c.Param("id"), ordinal)
	if err != nil {
		fail(c, "DownloadImage", err)
		return
	}
	c.Header("Content-Type", imageContentType(img.Format))
	c.FileAttachment(img.Path, filepath.Base(img.Path))
}

func imageContentType(format string) string {
	switch f := strings.ToLower(format); f {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "":
		return "application/octet-stream"
	default:
		return "image/" + f
	}
}

// Tables 列出文件中提取出的表格，含 markdown 形式。
func (h *FileHandler) Tables(c *gin.Context) {
	tables, err := h.fileService.Tables(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Tables", err)
		return
	}
	respond(c, "获取表格列表成功", gin.H{"tables": tables, "total": len(tables)})
}

// FinancialReports 列出按年度拆分出的财务报告。
func (h *FileHandler) FinancialReports(c *gin.Context) {
	reports, err := h.fileService.FinancialReports(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "FinancialReports", err)
		return
	}
	respond(c, "获取财务报告成功", gin.H{"reports": reports, "total": len(reports)})
}

// ResolveRequest 是去重决策的请求体。
type ResolveRequest struct {
	Action string `json:"action" binding:"required"`
}

// Resolve 对 duplicate 状态的记录执行 update / skip / overwrite。
func (h *FileHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "无效的请求负载")
		return
	}
	rec, err := h.fileService.Resolve(c.Request.Context(), c.Param("id"), req.Action)
	if err != nil {
		fail(c, "Resolve", err)
		return
	}
	respond(c, "去重决策已处理", rec)
}

// Delete 软删除记录并清理派生数据，归档文件保留。
func (h *FileHandler) Delete(c *gin.Context) {
	if err := h.fileService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, "Delete", err)
		return
	}
	respond(c, "文件删除成功", nil)
}
