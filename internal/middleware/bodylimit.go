package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultBodyLimit 推送回调与账户接口
	DefaultBodyLimit = 1 << 20 // 1MB

	// IngestBodyLimit 直接提交邮件原文的接口
	IngestBodyLimit = 25 << 20 // 25MB
)

// BodySizeLimit 限制请求体大小。声明长度超限时直接返回 413，
// 未声明长度的请求体在读取时截断。
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code": http.StatusRequestEntityTooLarge,
				"msg":  "请求体过大",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
