package handler

import (
	"github.com/gin-gonic/gin"

	"comments-relay/apps/comment-service/model"
	"comments-relay/apps/comment-service/service"
	"comments-relay/pkg/errcode"
	"comments-relay/pkg/httpx"
	"comments-relay/pkg/logger"
	"comments-relay/pkg/signer"
)

// HTTPHandler HTTP处理器
type HTTPHandler struct {
	svc    *service.Service
	logger logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(svc *service.Service, logger logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, logger: logger}
}

// RegisterRoutes 注册路由
func (h *HTTPHandler) RegisterRoutes(engine *gin.Engine) {
	api := engine.Group("/api/v1/comment")
	{
		// 签名服务
		api.POST("/cosign", h.Cosign)
		api.POST("/sign", h.Sign)

		// 代付中继
		api.POST("/relay", h.Relay)
		api.POST("/relay/status", h.Status)
		api.POST("/relay/list", h.List)

		// 账本状态
		api.POST("/approval", h.Approval)
	}
}

// bind 请求格式错误统一为校验类错误
func (h *HTTPHandler) bind(c *gin.Context, req interface{}, name string) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.logger.Error(c.Request.Context(), "Invalid "+name+" request", logger.F("error", err.Error()))
		httpx.WriteError(c, errcode.Wrap(errcode.KindValidation, "bad_request", "invalid request format", err), nil)
		return false
	}
	return true
}

// Cosign 联署已构建的类型化数据
func (h *HTTPHandler) Cosign(c *gin.Context) {
	var req signer.CosignRequest
	if !h.bind(c, &req, "cosign") {
		return
	}
	res, err := h.svc.Cosign(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn(c.Request.Context(), "Cosign failed", logger.F("error", err.Error()))
	}
	httpx.WriteObject(c, res, err)
}

// Sign 读取 nonce 后构建并联署
func (h *HTTPHandler) Sign(c *gin.Context) {
	var req model.SignRequest
	if !h.bind(c, &req, "sign") {
		return
	}
	res, err := h.svc.Sign(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn(c.Request.Context(), "Sign failed", logger.F("error", err.Error()))
	}
	httpx.WriteObject(c, res, err)
}

// Relay 代付提交
func (h *HTTPHandler) Relay(c *gin.Context) {
	var req model.RelayRequest
	if !h.bind(c, &req, "relay") {
		return
	}
	res, err := h.svc.Relay(c.Request.Context(), req.Payload)
	if err != nil {
		h.logger.Warn(c.Request.Context(), "Relay failed", logger.F("error", err.Error()))
	}
	httpx.WriteObject(c, res, err)
}

// Status 查询提交状态
func (h *HTTPHandler) Status(c *gin.Context) {
	var req model.StatusRequest
	if !h.bind(c, &req, "status") {
		return
	}
	res, err := h.svc.Status(c.Request.Context(), req.Digest)
	httpx.WriteObject(c, res, err)
}

// List 作者最近的提交
func (h *HTTPHandler) List(c *gin.Context) {
	var req model.ListRequest
	if !h.bind(c, &req, "list") {
		return
	}
	res, err := h.svc.Recent(c.Request.Context(), req.Author, req.Limit)
	httpx.WriteObject(c, res, err)
}

// Approval 授权状态与 nonce
func (h *HTTPHandler) Approval(c *gin.Context) {
	var req model.ApprovalRequest
	if !h.bind(c, &req, "approval") {
		return
	}
	res, err := h.svc.Approval(c.Request.Context(), &req)
	httpx.WriteObject(c, res, err)
}
