package handler

import (
	"bidding-kb-go/internal/middleware"
	"bidding-kb-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// Handlers 汇总 /api/v1 下的全部处理器。MCP 为 nil 时不挂载 /mcp。
type Handlers struct {
	Upload      *UploadHandler
	Files       *FileHandler
	Progress    *ProgressHandler
	Search      *SearchHandler
	Diagnostics *DiagnosticsHandler
	MCP         gin.HandlerFunc
}

// Register 在 r 上注册 /api/v1 路由，所有路由都需要 JWT，诊断路由还需要管理员角色。
func (h Handlers) Register(r gin.IRouter, jwtManager *token.JWTManager) {
	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		apiV1.POST("/upload", h.Upload.Upload)

		files := apiV1.Group("/files")
		{
			files.GET("", h.Files.List)
			files.GET("/:id/status", h.Files.Status)
			files.GET("/:id/chapters", h.Files.Chapters)
			files.GET("/:id/images", h.Files.Images)
			files.GET("/:id/images/:ordinal/download", h.Files.DownloadImage)
			files.GET("/:id/tables", h.Files.Tables)
			files.GET("/:id/financial-reports", h.Files.FinancialReports)
			files.GET("/:id/progress", h.Progress.Stream)
			files.POST("/:id/resolve", h.Files.Resolve)
			files.DELETE("/:id", h.Files.Delete)
		}

		apiV1.GET("/search", h.Search.Search)
		knowledge := apiV1.Group("/knowledge")
		{
			knowledge.GET("/entries", h.Search.ListEntries)
			knowledge.GET("/statistics", h.Search.Statistics)
		}

		diagnostics := apiV1.Group("/diagnostics")
		diagnostics.Use(middleware.RequireRole(token.RoleAdmin))
		{
			diagnostics.GET("/chapters-summary/:id", h.Diagnostics.ChaptersSummary)
			diagnostics.GET("/extract-preview/:id", h.Diagnostics.ExtractPreview)
			diagnostics.GET("/compare-chapters", h.Diagnostics.CompareChapters)
			diagnostics.POST("/reparse/:id", h.Diagnostics.Reparse)
			diagnostics.GET("/reparse/:id", h.Diagnostics.Reparse)
		}

		if h.MCP != nil {
			apiV1.Any("/mcp", h.MCP)
		}
	}
}
