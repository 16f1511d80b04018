package middleware

import (
	"net/http"

	"bidding-kb-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// RequireRole 只放行令牌角色在 roles 中的请求，必须挂在 AuthMiddleware 之后。
// 诊断和重解析接口用它限定为 admin。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "未认证", "data": nil})
			return
		}
		if !lo.Contains(roles, claims.Role) {
			log.Warnf("[RequireRole] 拒绝访问, user: %s, role: %q, path: %s", claims.Uploader(), claims.Role, c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足", "data": nil})
			return
		}
		c.Next()
	}
}
