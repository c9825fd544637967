package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/mailbox"
	"hostinbox/backend/internal/middleware"
	"hostinbox/backend/internal/storage"
)

// AccountRequest 登记或重新授权邮箱账户
type AccountRequest struct {
	Provider      string               `json:"provider" binding:"required,oneof=gmail imap smtp api"`
	HostID        string               `json:"hostId"`
	HistoryCursor uint64               `json:"historyCursor"`
	Metadata      map[string]string    `json:"metadata"`
	Credentials   *mailbox.Credentials `json:"credentials"`
}

// listAccounts 列出令牌范围内的账户，凭据不会输出
func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.store.ListEmailAccounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	visible := accounts[:0]
	for _, a := range accounts {
		if operatorAllows(c, a.Address) {
			visible = append(visible, a)
		}
	}
	Success(c, visible)
}

// operatorAllows 静态令牌或未启用认证时不限范围
func operatorAllows(c *gin.Context, address string) bool {
	claims, ok := middleware.GetOperatorClaims(c)
	return !ok || claims.Allows(address)
}

// getAccount 查询单个账户
func (h *Handler) getAccount(c *gin.Context) {
	address, err := domain.NormalizeAddress(c.Param("address"))
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	account, err := h.store.GetEmailAccount(c.Request.Context(), address)
	if err != nil {
		writeError(c, err)
		return
	}
	Success(c, account)
}

// saveAccount godoc
// @Summary 登记或重新授权邮箱账户
// @Description 凭据加密后保存；重新登记会把账户恢复为 active，历史游标只进不退
// @Tags Accounts
// @Accept json
// @Produce json
// @Param address path string true "账户邮箱"
// @Param request body AccountRequest true "账户信息"
// @Success 200 {object} Response{data=domain.EmailAccount}
// @Success 201 {object} Response{data=domain.EmailAccount}
// @Failure 400 {object} Response
// @Security BearerAuth
// @Router /api/v1/accounts/{address} [put]
func (h *Handler) saveAccount(c *gin.Context) {
	address, err := domain.NormalizeAddress(c.Param("address"))
	if err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	var req AccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	account, err := h.store.GetEmailAccount(ctx, address)
	created := errors.Is(err, storage.ErrAccountNotFound)
	switch {
	case created:
		account = &domain.EmailAccount{Address: address}
	case err != nil:
		writeError(c, err)
		return
	}

	account.Provider = req.Provider
	account.Status = domain.AccountStatusActive
	account.LastError = ""
	if req.HostID != "" {
		account.HostID = req.HostID
	}
	if req.HistoryCursor > account.HistoryCursor {
		account.HistoryCursor = req.HistoryCursor
	}
	for k, v := range req.Metadata {
		if account.Metadata == nil {
			account.Metadata = make(map[string]string, len(req.Metadata))
		}
		account.Metadata[k] = v
	}

	if req.Credentials != nil {
		if h.cipher == nil {
			InternalError(c, MsgInternalError)
			return
		}
		sealed, err := h.cipher.SealJSON(req.Credentials)
		if err != nil {
			writeError(c, err)
			return
		}
		account.EncryptedCredentials = sealed
	}

	if err := h.store.SaveEmailAccount(ctx, account); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("email account saved",
		zap.String("account", address),
		zap.String("provider", account.Provider),
		zap.Bool("created", created),
	)

	saved, err := h.store.GetEmailAccount(ctx, address)
	if err != nil {
		writeError(c, err)
		return
	}
	if created {
		Created(c, saved)
		return
	}
	Success(c, saved)
}
