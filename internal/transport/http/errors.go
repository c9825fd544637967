package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
	"hostinbox/backend/internal/service"
	"hostinbox/backend/internal/storage"
)

// 通用错误消息
const (
	MsgInvalidRequest   = "请求参数格式错误"
	MsgInvalidJSON      = "JSON格式错误"
	MsgInvalidPush      = "推送消息格式错误"
	MsgDuplicatePush    = "重复推送已忽略"
	MsgRequestBodyEmpty = "请求体不能为空"

	MsgAccountNotFound  = "邮箱账户不存在"
	MsgAccountRevoked   = "邮箱授权已失效，请重新授权"
	MsgClaimNotFound    = "认领标记不存在"
	MsgForbidden        = "令牌无权访问该邮箱账户"
	MsgValidationFailed = "邮件解析结果校验失败"
	MsgMailboxFailed    = "邮箱服务暂不可用"

	MsgInternalError = "服务器内部错误，请稍后重试"
)

// errorStatus 把业务错误映射为 HTTP 状态码与中文消息
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		return http.StatusNotFound, MsgAccountNotFound
	case errors.Is(err, storage.ErrClaimNotFound):
		return http.StatusNotFound, MsgClaimNotFound
	case mailbox.IsAuthError(err):
		return http.StatusConflict, MsgAccountRevoked
	case errors.Is(err, service.ErrValidation), errors.Is(err, domain.ErrInvalidEmail), errors.Is(err, domain.ErrEmailTooLong):
		return http.StatusUnprocessableEntity, MsgValidationFailed
	case errors.Is(err, service.ErrMailboxUnavailable), errors.Is(err, service.ErrUpstreamFetch):
		return http.StatusBadGateway, MsgMailboxFailed
	default:
		return http.StatusInternalServerError, MsgInternalError
	}
}

// writeError 记录错误并按映射写出响应
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	code, msg := errorStatus(err)
	Error(c, code, msg)
}
