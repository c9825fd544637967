package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	jwtpkg "hostinbox/backend/internal/auth/jwt"
)

// OperatorClaimsKey 上下文中保存 JWT 声明的键，静态令牌认证时不设置
const OperatorClaimsKey = "operator_claims"

// OperatorAuth 接受静态 API 令牌或运维 JWT，两者都未配置时放行。
//
// 令牌取自 Authorization: Bearer，缺失时取 access_token 查询参数（浏览器 WebSocket 无法设置请求头）。
// JWT 限定了邮箱范围时，路径参数 :address 必须在范围内。
func OperatorAuth(static string, tokens *jwtpkg.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if static == "" && tokens == nil {
			c.Next()
			return
		}

		provided := bearerToken(c)
		if provided == "" {
			abortUnauthorized(c, "invalid or missing bearer token")
			return
		}

		if static != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(static)) == 1 {
			c.Next()
			return
		}

		if tokens == nil {
			abortUnauthorized(c, "invalid or missing bearer token")
			return
		}

		claims, err := tokens.ValidateToken(provided)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		if address := c.Param("address"); address != "" && !claims.Allows(address) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token does not grant access to this account",
			})
			return
		}

		c.Set(OperatorClaimsKey, claims)
		c.Next()
	}
}

// GetOperatorClaims 获取当前请求的 JWT 声明
func GetOperatorClaims(c *gin.Context) (*jwtpkg.Claims, bool) {
	v, ok := c.Get(OperatorClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwtpkg.Claims)
	return claims, ok
}

func bearerToken(c *gin.Context) string {
	if provided, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(provided)
	}
	return c.Query("access_token")
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
