// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"bidding-kb-go/internal/pipeline"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/service"
	"bidding-kb-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func respond(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": message,
		"data":    data,
	})
}

func abort(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"code": code, "message": message, "data": nil})
}

// fail 把领域错误映射为 HTTP 状态码。
func fail(c *gin.Context, op string, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error(op+": failed", err)
	} else {
		log.Warnf("%s: %v", op, err)
	}
	_ = c.Error(err)
	abort(c, code, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrUpload), errors.Is(err, service.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrAlreadyProcessing),
		errors.Is(err, pipeline.ErrNotReparseable),
		errors.Is(err, repository.ErrStatusConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// queryInt 读取非负整数查询参数，缺省时返回 0。
func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		abort(c, http.StatusBadRequest, "无效的参数 "+key)
		return 0, false
	}
	return n, true
}
