package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"payrecon/internal/gateway"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/model"
	"payrecon/internal/repository"
	"payrecon/internal/service"
	"payrecon/pkg/idgen"
	"payrecon/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	payment    *service.PaymentService
	settlement *service.SettlementService
	tracks     *service.TrackService
	registry   *gateway.Registry
	orderRepo  *repository.OrderRepository
	store      *cache.Store
}

func NewHandler(
	payment *service.PaymentService,
	settlement *service.SettlementService,
	tracks *service.TrackService,
	registry *gateway.Registry,
	orderRepo *repository.OrderRepository,
	store *cache.Store,
) *Handler {
	return &Handler{
		payment:    payment,
		settlement: settlement,
		tracks:     tracks,
		registry:   registry,
		orderRepo:  orderRepo,
		store:      store,
	}
}

// ============================================================
// 回调入口
// ============================================================

// Notify 网关回调
// GET|POST /payment/notify/:method/:trade_no
//
// 各网关回调方式不一（Zibal GET 带 query，Zarinpal 跳转带 Authority），
// 统一收参后交给结算服务。渲染给用户的页面永远是 200
func (h *Handler) Notify(c *gin.Context) {
	method := c.Param("method")
	tradeNo := c.Param("trade_no")

	params := url.Values{}
	for k, v := range c.Request.URL.Query() {
		params[k] = v
	}
	if c.Request.Method == http.MethodPost {
		if err := c.Request.ParseForm(); err == nil {
			for k, v := range c.Request.PostForm {
				if _, exists := params[k]; !exists {
					params[k] = v
				}
			}
		}
	}

	result := h.settlement.HandleNotify(c.Request.Context(), method, tradeNo, params)
	renderResultPage(c, result)
}

// ============================================================
// 支付相关接口
// ============================================================

// InitiatePaymentRequest 发起支付请求
type InitiatePaymentRequest struct {
	TradeNo string `json:"trade_no" binding:"required"`
	Method  string `json:"method" binding:"required"`
}

// InitiatePayment 发起支付，返回网关跳转地址
// POST /api/v1/payment/initiate
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.payment.Initiate(c.Request.Context(), req.Method, req.TradeNo)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			response.Error(c, response.CodeOrderNotFound, "订单不存在")
		case errors.Is(err, gateway.ErrGatewayNotConfigured):
			response.Error(c, response.CodeMethodDisabled, "支付方式未启用")
		case errors.Is(err, service.ErrOrderNotPayable):
			response.Error(c, response.CodePaymentFailed, "订单状态不允许发起支付")
		default:
			response.Error(c, response.CodePaymentFailed, "发起支付失败，请稍后重试")
		}
		return
	}

	response.Success(c, result)
}

// QueryResult 查询订单结算结果
// GET /api/v1/payment/result?trade_no=xxx
func (h *Handler) QueryResult(c *gin.Context) {
	tradeNo := c.Query("trade_no")
	if tradeNo == "" {
		response.ParamError(c, "trade_no 参数不能为空")
		return
	}

	result, err := h.settlement.QueryResult(c.Request.Context(), tradeNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			response.Error(c, response.CodeOrderNotFound, "订单不存在")
			return
		}
		response.ServerError(c, "查询失败")
		return
	}

	response.Success(c, result)
}

// ListMethods 已启用的支付方式
// GET /api/v1/payment/methods
func (h *Handler) ListMethods(c *gin.Context) {
	response.Success(c, gin.H{
		"methods": h.registry.Methods(),
	})
}

// ============================================================
// 订单相关接口
// ============================================================

// CreateOrderRequest 创建订单请求
type CreateOrderRequest struct {
	UserID        int64 `json:"user_id" binding:"required"`
	TotalAmount   int64 `json:"total_amount" binding:"gte=0"`
	BalanceAmount int64 `json:"balance_amount" binding:"gte=0"`
}

// CreateOrder 创建待支付订单
// POST /api/v1/order/create
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.TotalAmount == 0 && req.BalanceAmount == 0 {
		response.ParamError(c, "订单金额不能为 0")
		return
	}

	order := &model.Order{
		TradeNo:       idgen.GenerateTradeNo(),
		UserID:        req.UserID,
		TotalAmount:   req.TotalAmount,
		BalanceAmount: req.BalanceAmount,
		Status:        model.OrderStatusPending,
	}
	if err := h.orderRepo.Create(c.Request.Context(), nil, order); err != nil {
		response.ServerError(c, "创建订单失败")
		return
	}

	response.Success(c, gin.H{
		"trade_no":     order.TradeNo,
		"total_amount": order.TotalAmount,
		"status":       order.Status,
	})
}

// GetOrder 查询订单详情
// GET /api/v1/order/detail?trade_no=xxx
// 短时快照缓存挡住重复轮询，状态变更方负责失效
func (h *Handler) GetOrder(c *gin.Context) {
	tradeNo := c.Query("trade_no")
	if tradeNo == "" {
		response.ParamError(c, "trade_no 参数不能为空")
		return
	}

	ctx := c.Request.Context()
	if data, ok := h.store.GetString(ctx, cache.KeyOrderSnapshot(tradeNo)); ok {
		var cached model.Order
		if err := json.Unmarshal([]byte(data), &cached); err == nil {
			response.Success(c, &cached)
			return
		}
	}

	order, err := h.orderRepo.GetByTradeNo(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			response.Error(c, response.CodeOrderNotFound, "订单不存在")
			return
		}
		response.ServerError(c, "查询失败")
		return
	}

	if data, err := json.Marshal(order); err == nil {
		h.store.Put(ctx, cache.KeyOrderSnapshot(tradeNo), string(data), cache.TTLOrderSnapshot)
	}

	response.Success(c, order)
}

// ============================================================
// track 统计接口
// ============================================================

// TrackStats track 总量统计
// GET /api/v1/track/stats
func (h *Handler) TrackStats(c *gin.Context) {
	stats, err := h.tracks.Statistics(c.Request.Context())
	if err != nil {
		response.ServerError(c, "查询失败")
		return
	}
	response.Success(c, stats)
}

// StuckTracks 长期未消费的 track 清单
// GET /api/v1/track/stuck?hours=48&limit=50
func (h *Handler) StuckTracks(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "48"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	tracks, err := h.tracks.StuckTracks(c.Request.Context(), hours, limit)
	if err != nil {
		response.ServerError(c, "查询失败")
		return
	}
	response.Success(c, gin.H{
		"count": len(tracks),
		"list":  tracks,
	})
}
