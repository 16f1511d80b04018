package handler

import (
	"io"
	"mime/multipart"
	"net/http"

	"bidding-kb-go/internal/middleware"
	"bidding-kb-go/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// UploadHandler 负责处理文件上传请求。
type UploadHandler struct {
	uploadService service.UploadService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

// Upload 接收 multipart 表单中的 files（或 files[]）、duplicate_action 以及可选的 category。
// 单个文件的失败体现在响应条目中，整体仍返回 200。
func (h *UploadHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		abort(c, http.StatusBadRequest, "无效的 multipart 表单")
		return
	}
	headers := append(form.File["files"], form.File["files[]"]...)
	if len(headers) == 0 {
		abort(c, http.StatusBadRequest, "缺少上传文件")
		return
	}

	req := service.UploadRequest{
		Category:        c.PostForm("category"),
		DuplicateAction: c.PostForm("duplicate_action"),
		Files: lo.Map(headers, func(fh *multipart.FileHeader, _ int) service.UploadFile {
			return service.UploadFile{
				Name: fh.Filename,
				Size: fh.Size,
				Open: func() (io.ReadCloser, error) { return fh.Open() },
			}
		}),
	}
	if claims := middleware.Claims(c); claims != nil {
		req.Uploader = claims.Uploader()
	}

	result, err := h.uploadService.Upload(c.Request.Context(), req)
	if err != nil {
		fail(c, "Upload", err)
		return
	}
	respond(c, "上传完成", result)
}
