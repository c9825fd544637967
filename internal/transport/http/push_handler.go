package httptransport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hostinbox/backend/internal/mailbox"
	"hostinbox/backend/internal/storage"
)

// pubsubPush Pub/Sub 推送请求体
type pubsubPush struct {
	Message struct {
		Data      string `json:"data" binding:"required"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification Gmail watch 通知内容
type gmailNotification struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// decodeNotification 解码 base64 数据。historyId 既可能是数字也可能是字符串。
func decodeNotification(data string) (string, uint64, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return "", 0, fmt.Errorf("decode push data: %w", err)
		}
	}

	var n gmailNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", 0, fmt.Errorf("unmarshal push data: %w", err)
	}
	if n.EmailAddress == "" {
		return "", 0, errors.New("push data missing emailAddress")
	}

	id := string(bytes.Trim(n.HistoryID, `"`))
	cursor, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid historyId %q: %w", id, err)
	}
	return n.EmailAddress, cursor, nil
}

// gmailPush godoc
// @Summary Gmail 推送回调
// @Description 接收 Pub/Sub 推送并按历史游标处理新邮件。授权失效与未知账户返回 200 以停止重投。
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param token query string false "推送共享令牌"
// @Success 200 {object} Response{data=service.HistoryRunResult}
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /webhooks/gmail [post]
func (h *Handler) gmailPush(c *gin.Context) {
	var push pubsubPush
	if err := c.ShouldBindJSON(&push); err != nil {
		BadRequest(c, MsgInvalidPush)
		return
	}

	address, cursor, err := decodeNotification(push.Message.Data)
	if err != nil {
		h.logger.Warn("invalid push payload", zap.String("pubsub_message_id", push.Message.MessageID), zap.Error(err))
		BadRequest(c, MsgInvalidPush)
		return
	}

	log := h.logger.With(zap.String("account", address), zap.Uint64("history_id", cursor))

	// Pub/Sub 至少投递一次，有效期内重复的推送直接确认
	key := pushKey(push.Message.MessageID, address, cursor)
	if h.pushes != nil && !h.pushes.SetIfAbsent(key, struct{}{}, 0) {
		log.Debug("duplicate push ignored", zap.String("pubsub_message_id", push.Message.MessageID))
		SuccessWithMsg(c, MsgDuplicatePush, nil)
		return
	}

	result, err := h.history.HandleNotification(c.Request.Context(), address, cursor)
	switch {
	case err == nil:
		Success(c, result)
	case errors.Is(err, storage.ErrAccountNotFound):
		log.Warn("push for unknown account")
		SuccessWithMsg(c, MsgAccountNotFound, nil)
	case mailbox.IsAuthError(err):
		log.Warn("push for account with revoked authorization", zap.Error(err))
		SuccessWithMsg(c, MsgAccountRevoked, result)
	default:
		// 允许 Pub/Sub 重投
		if h.pushes != nil {
			h.pushes.Delete(key)
		}
		log.Error("push processing failed", zap.Error(err))
		_ = c.Error(err)
		Error(c, http.StatusInternalServerError, MsgInternalError)
	}
}

func pushKey(messageID, address string, cursor uint64) string {
	if messageID != "" {
		return "pubsub:" + messageID
	}
	return fmt.Sprintf("history:%s:%d", address, cursor)
}
