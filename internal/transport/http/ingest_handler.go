package httptransport

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
	"hostinbox/backend/internal/service"
)

// IngestRequest 直接提交的邮件内容
type IngestRequest struct {
	AccountAddress string            `json:"accountAddress" binding:"required,email"`
	MessageID      string            `json:"messageId"`
	Headers        map[string]string `json:"headers" binding:"required"`
	Body           string            `json:"body"`
	HTML           string            `json:"html"`
	ReceivedAt     time.Time         `json:"receivedAt"`
}

// ingestMessage godoc
// @Summary 直接入库一封邮件
// @Description 接收 JSON 或 message/rfc822 原文（?account= 指定账户），走完整的解析、校验、身份解析与持久化流程
// @Tags Ingest
// @Accept json
// @Produce json
// @Success 200 {object} Response{data=service.IngestResult}
// @Failure 400 {object} Response
// @Failure 422 {object} Response
// @Failure 500 {object} Response
// @Security BearerAuth
// @Router /api/v1/ingest [post]
func (h *Handler) ingestMessage(c *gin.Context) {
	in, ok := h.bindIngest(c)
	if !ok {
		return
	}
	if !operatorAllows(c, in.AccountAddress) {
		Error(c, http.StatusForbidden, MsgForbidden)
		return
	}

	result, err := h.ingest.Ingest(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.Status == service.StatusIngested && result.MessageCreated {
		Created(c, result)
		return
	}
	Success(c, result)
}

func (h *Handler) bindIngest(c *gin.Context) (service.IngestInput, bool) {
	mediaType, _, _ := mime.ParseMediaType(c.ContentType())
	if mediaType == "message/rfc822" {
		return h.bindRawMessage(c)
	}

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return service.IngestInput{}, false
	}
	return service.IngestInput{
		AccountAddress: req.AccountAddress,
		MessageID:      req.MessageID,
		Provider:       domain.ProviderAPI,
		Headers:        req.Headers,
		Body:           req.Body,
		HTML:           req.HTML,
		ReceivedAt:     req.ReceivedAt,
	}, true
}

func (h *Handler) bindRawMessage(c *gin.Context) (service.IngestInput, bool) {
	account := c.Query("account")
	if account == "" {
		BadRequest(c, MsgInvalidRequest)
		return service.IngestInput{}, false
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return service.IngestInput{}, false
	}
	if len(raw) == 0 {
		BadRequest(c, MsgRequestBodyEmpty)
		return service.IngestInput{}, false
	}

	msg, err := mailbox.ParseRFC822(raw)
	if err != nil {
		BadRequest(c, err.Error())
		return service.IngestInput{}, false
	}
	text, html := mailbox.ExtractBodies(msg)
	return service.IngestInput{
		AccountAddress: account,
		MessageID:      msg.ID,
		Provider:       domain.ProviderAPI,
		Headers:        mailbox.ExtractHeaders(msg),
		Body:           text,
		HTML:           html,
		ReceivedAt:     msg.ReceivedAt,
	}, true
}

// BackfillRequest 回填参数，均可选
type BackfillRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults" binding:"omitempty,min=1,max=500"`
}

// backfillAccount godoc
// @Summary 回填账户邮件
// @Description 按查询列出邮件并逐一认领处理，不改变历史游标
// @Tags Accounts
// @Accept json
// @Produce json
// @Param address path string true "账户邮箱"
// @Param request body BackfillRequest false "回填参数"
// @Success 200 {object} Response{data=service.HistoryRunResult}
// @Failure 404 {object} Response
// @Security BearerAuth
// @Router /api/v1/accounts/{address}/backfill [post]
func (h *Handler) backfillAccount(c *gin.Context) {
	var req BackfillRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	result, err := h.history.Backfill(c.Request.Context(), c.Param("address"), req.Query, req.MaxResults)
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, result)
}

// syncAccount 读取最新游标并处理到该位置
func (h *Handler) syncAccount(c *gin.Context) {
	result, err := h.history.SyncLatest(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, result)
}

// getClaim 查询认领标记
func (h *Handler) getClaim(c *gin.Context) {
	address, err := domain.NormalizeAddress(c.Param("address"))
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	claim, err := h.store.GetClaim(c.Request.Context(), address, c.Param("messageId"))
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, claim)
}

// releaseClaim godoc
// @Summary 删除认领标记
// @Description 仅用于人工修复：删除后该邮件可被重新处理
// @Tags Claims
// @Param address path string true "账户邮箱"
// @Param messageId path string true "消息ID"
// @Success 204
// @Failure 404 {object} Response
// @Security BearerAuth
// @Router /api/v1/claims/{address}/{messageId} [delete]
func (h *Handler) releaseClaim(c *gin.Context) {
	address, err := domain.NormalizeAddress(c.Param("address"))
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	messageID := c.Param("messageId")
	if err := h.store.ReleaseClaim(c.Request.Context(), address, messageID); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("claim released by operator", zap.String("account", address), zap.String("message_id", messageID))
	NoContent(c)
}

// listInbound 列出账户的入站审计记录
func (h *Handler) listInbound(c *gin.Context) {
	address, err := domain.NormalizeAddress(c.Param("address"))
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	records, err := h.store.ListInboundEmails(c.Request.Context(), address, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, records)
}
