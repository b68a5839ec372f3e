package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"payrecon/internal/config"
	"payrecon/internal/model"
)

// ============================================================================
// 网关能力契约
// ============================================================================
//
// 每个支付服务商实现同一组能力：
//   Initiate  创建交易，拿到一次性凭证和跳转地址
//   Verify    确认交易并核对金额（部分服务商此调用会最终消费交易）
//   Inquiry   只读状态查询，仅供恢复扫描使用，不消费凭证
//
// 所有网络调用超时 20 秒，瞬时失败自动重试 3 次；
// 重试耗尽或响应畸形只返回 error（"结果不确定"），绝不污染调用方状态。

var (
	ErrInitiateFailed       = errors.New("网关发起交易失败")
	ErrVerifyFailed         = errors.New("网关交易确认失败")
	ErrAmountMismatch       = errors.New("网关返回金额与订单金额不符")
	ErrInquiryFailed        = errors.New("网关状态查询失败")
	ErrMalformedCallback    = errors.New("回调参数不完整")
	ErrGatewayNotConfigured = errors.New("支付方式未配置或未启用")
)

// Status 归一化后的网关交易状态，恢复扫描按它分流
type Status int

const (
	StatusUnknown Status = iota
	StatusPaid
	StatusPending
	StatusNotInitiated
	StatusUserCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPaid:
		return "paid"
	case StatusPending:
		return "pending"
	case StatusNotInitiated:
		return "not_initiated"
	case StatusUserCancelled:
		return "user_cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InitiateResult 发起交易结果
type InitiateResult struct {
	TrackID     string
	RedirectURL string
}

// Callback 各服务商回调参数的统一视图
// TradeNo 可能为空（部分服务商回调不带订单号），以路由中的订单号为准
type Callback struct {
	TrackID   string
	TradeNo   string
	Succeeded bool
}

// SettlementFacts 确认成功后可据以结算的事实
type SettlementFacts struct {
	TradeNo      string
	GatewayRefNo string
	Amount       int64
	MaskedCard   string
}

// InquiryResult 只读状态查询结果
type InquiryResult struct {
	Status Status
	Amount int64
	PaidAt string
	Raw    map[string]interface{}
}

// Gateway 支付网关适配器
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, order *model.Order) (*InitiateResult, error)
	ParseCallback(params url.Values) (*Callback, error)
	Verify(ctx context.Context, trackID string, expectedAmount int64) (*SettlementFacts, error)
	Inquiry(ctx context.Context, trackID string) (*InquiryResult, error)
}

// ============================================================================
// 静态注册表
// ============================================================================

// Registry 支付方式 → 适配器实例
// 启动时根据配置构建一次，运行期不做任何按名反射查找
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(cfg *config.GatewaysConfig) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	if cfg.Zibal.Enable {
		r.gateways[MethodZibal] = NewZibal(&cfg.Zibal)
	}
	if cfg.Zarinpal.Enable {
		r.gateways[MethodZarinpal] = NewZarinpal(&cfg.Zarinpal)
	}
	return r
}

// Register 注册适配器，测试用
func (r *Registry) Register(g Gateway) {
	r.gateways[g.Name()] = g
}

func (r *Registry) Resolve(method string) (Gateway, error) {
	g, ok := r.gateways[strings.ToLower(method)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGatewayNotConfigured, method)
	}
	return g, nil
}

func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.gateways))
	for m := range r.gateways {
		methods = append(methods, m)
	}
	return methods
}

// ============================================================================
// 日志脱敏
// ============================================================================

// MaskCard 卡号脱敏：前 6 位 + 星号 + 后 4 位
// 不足 10 位数字的输入视为无效，统一返回 N/A，原文永不落日志
func MaskCard(cardNumber string) string {
	digits := make([]byte, 0, len(cardNumber))
	for i := 0; i < len(cardNumber); i++ {
		if cardNumber[i] >= '0' && cardNumber[i] <= '9' {
			digits = append(digits, cardNumber[i])
		}
	}
	if len(digits) < 10 {
		return "N/A"
	}
	masked := len(digits) - 10
	if masked < 6 {
		masked = 6
	}
	return string(digits[:6]) + strings.Repeat("*", masked) + string(digits[len(digits)-4:])
}

// maskSecret 商户号/令牌只保留后 4 位
func maskSecret(secret string) string {
	if len(secret) <= 4 {
		return "***"
	}
	return "***" + secret[len(secret)-4:]
}
