package middleware

import (
	"bytes"
	"io"
	"strings"
	"time"

	"bidding-kb-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// 请求体超过该长度或不是 JSON 时不记录内容，上传的文件体不进日志。
const maxLoggedBody = 4 << 10

// RequestLogger 记录每个请求的状态码、耗时和来源。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		var requestBody []byte
		if c.Request.Body != nil && loggableBody(c) {
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
			c.Request.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(requestBody), c.Request.Body), c.Request.Body}
			if len(requestBody) > maxLoggedBody {
				requestBody = append(requestBody[:maxLoggedBody], "..."...)
			}
		}

		c.Next()

		fields := []interface{}{
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		}
		if claims := Claims(c); claims != nil {
			fields = append(fields, "user", claims.Uploader())
		}
		if len(requestBody) > 0 {
			fields = append(fields, "requestBody", string(requestBody))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}
		log.Infow("HTTP Request Log", fields...)
	}
}

func loggableBody(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "application/json")
}
