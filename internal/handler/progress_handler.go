package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/service"
	"bidding-kb-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ProgressMessage 是推送给客户端的一帧。Type 为 status、completion 或 error。
type ProgressMessage struct {
	Type      string            `json:"type"`
	Data      *model.StatusView `json:"data,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// ProgressHandler 通过 websocket 推送记录状态，直到记录进入终态。
type ProgressHandler struct {
	fileService service.FileService
	interval    time.Duration
}

// NewProgressHandler 创建一个新的 ProgressHandler，interval 为轮询间隔。
func NewProgressHandler(fileService service.FileService, interval time.Duration) *ProgressHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressHandler{fileService: fileService, interval: interval}
}

// Stream 处理 GET /files/:id/progress。状态变化时推送快照，终态时推送 completion 后关闭。
func (h *ProgressHandler) Stream(c *gin.Context) {
	fileID := c.Param("id")
	view, err := h.fileService.Status(c.Request.Context(), fileID)
	if err != nil {
		fail(c, "Progress", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// 客户端断开时 ReadMessage 返回错误
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last string
	for {
		if sig := fingerprint(view); sig != last {
			if err := conn.WriteJSON(frame("status", view, "")); err != nil {
				log.Warnf("[Progress] 推送失败, file_id: %s: %v", fileID, err)
				return
			}
			last = sig
		}
		if view.Status.IsTerminal() {
			_ = conn.WriteJSON(frame("completion", nil, string(view.Status)))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		view, err = h.fileService.Status(ctx, fileID)
		if err != nil {
			if ctx.Err() == nil {
				_ = conn.WriteJSON(frame("error", nil, err.Error()))
			}
			return
		}
	}
}

func frame(kind string, view *model.StatusView, message string) ProgressMessage {
	return ProgressMessage{Type: kind, Data: view, Message: message, Timestamp: time.Now().UnixMilli()}
}

func fingerprint(v *model.StatusView) string {
	return fmt.Sprintf("%s|%d|%d|%s", v.Status, v.ChapterCount, v.KnowledgeEntryCount, v.ErrorMessage)
}
