package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"payrecon/internal/config"
	"payrecon/internal/model"
)

const MethodZibal = "zibal"

// Zibal 状态码（inquiry 返回的 status 字段）
//
//	1, 2 = 已支付   0 = 等待支付   -1 = 未发起
//	3 = 用户取消    4 = 支付失败
//
// 协议层 result == 100 表示本次 API 调用成功，与交易状态无关
const zibalResultOK = 100

// Zibal 适配器
// 金额换算：本地最小单位为托曼，Zibal 线上单位为里亚尔（×10）
type Zibal struct {
	merchant    string
	callbackURL string
	baseURL     string
	client      *http.Client
}

func NewZibal(cfg *config.ZibalConfig) *Zibal {
	return &Zibal{
		merchant:    cfg.Merchant,
		callbackURL: cfg.CallbackURL,
		baseURL:     "https://gateway.zibal.ir",
		client:      newHTTPClient(),
	}
}

func (z *Zibal) Name() string {
	return MethodZibal
}

type zibalRequestResp struct {
	Result  int    `json:"result"`
	TrackID int64  `json:"trackId"`
	Message string `json:"message"`
}

func (z *Zibal) Initiate(ctx context.Context, order *model.Order) (*InitiateResult, error) {
	params := map[string]interface{}{
		"merchant":    z.merchant,
		"amount":      order.TotalAmount * 10,
		"callbackUrl": z.callbackURL + "/" + order.TradeNo,
		"orderId":     order.TradeNo,
		"description": "订单支付 " + order.TradeNo,
	}

	var resp zibalRequestResp
	if err := postJSON(ctx, z.client, z.baseURL+"/v1/request", params, &resp); err != nil {
		log.Printf("[Zibal] 发起交易请求失败: tradeNo=%s, merchant=%s, err=%v", order.TradeNo, maskSecret(z.merchant), err)
		return nil, fmt.Errorf("%w: %v", ErrInitiateFailed, err)
	}

	if resp.Result != zibalResultOK {
		log.Printf("[Zibal] 发起交易被拒: tradeNo=%s, result=%d, message=%s", order.TradeNo, resp.Result, resp.Message)
		return nil, fmt.Errorf("%w: result=%d", ErrInitiateFailed, resp.Result)
	}

	trackID := strconv.FormatInt(resp.TrackID, 10)
	log.Printf("[Zibal] 交易已发起: tradeNo=%s, trackId=%s", order.TradeNo, trackID)

	return &InitiateResult{
		TrackID:     trackID,
		RedirectURL: z.baseURL + "/start/" + trackID,
	}, nil
}

// ParseCallback Zibal 回调参数: trackId / orderId / success
func (z *Zibal) ParseCallback(params url.Values) (*Callback, error) {
	trackID := params.Get("trackId")
	orderID := params.Get("orderId")
	success := params.Get("success")
	if trackID == "" || orderID == "" || success == "" {
		return nil, fmt.Errorf("%w: 缺少 trackId/orderId/success", ErrMalformedCallback)
	}
	return &Callback{
		TrackID:   trackID,
		TradeNo:   orderID,
		Succeeded: success == "1",
	}, nil
}

type zibalVerifyResp struct {
	Result     int    `json:"result"`
	Amount     int64  `json:"amount"`
	CardNumber string `json:"cardNumber"`
	RefNumber  int64  `json:"refNumber"`
	OrderID    string `json:"orderId"`
	Message    string `json:"message"`
}

// Verify 确认交易并核对金额
// 金额不符视为篡改/少付信号，无条件拒绝结算，绝不就低调整
func (z *Zibal) Verify(ctx context.Context, trackID string, expectedAmount int64) (*SettlementFacts, error) {
	params := map[string]interface{}{
		"merchant": z.merchant,
		"trackId":  trackID,
	}

	var resp zibalVerifyResp
	if err := postJSON(ctx, z.client, z.baseURL+"/v1/verify", params, &resp); err != nil {
		log.Printf("[Zibal] verify 请求失败: trackId=%s, err=%v", trackID, err)
		return nil, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}

	if resp.Result != zibalResultOK {
		log.Printf("[Zibal] verify 被拒: trackId=%s, result=%d, message=%s", trackID, resp.Result, resp.Message)
		return nil, fmt.Errorf("%w: result=%d", ErrVerifyFailed, resp.Result)
	}

	if resp.Amount != expectedAmount*10 {
		log.Printf("[Zibal] verify 金额不符: trackId=%s, expected=%d, received=%d", trackID, expectedAmount*10, resp.Amount)
		return nil, ErrAmountMismatch
	}

	facts := &SettlementFacts{
		TradeNo:      resp.OrderID,
		GatewayRefNo: strconv.FormatInt(resp.RefNumber, 10),
		Amount:       resp.Amount / 10,
		MaskedCard:   MaskCard(resp.CardNumber),
	}
	log.Printf("[Zibal] verify 成功: trackId=%s, refNumber=%s, card=%s", trackID, facts.GatewayRefNo, facts.MaskedCard)
	return facts, nil
}

type zibalInquiryResp struct {
	Result     int    `json:"result"`
	Status     int    `json:"status"`
	Amount     int64  `json:"amount"`
	CardNumber string `json:"cardNumber"`
	RefNumber  int64  `json:"refNumber"`
	PaidAt     string `json:"paidAt"`
	Message    string `json:"message"`
}

// Inquiry 只读状态查询，不消费凭证
func (z *Zibal) Inquiry(ctx context.Context, trackID string) (*InquiryResult, error) {
	params := map[string]interface{}{
		"merchant": z.merchant,
		"trackId":  trackID,
	}

	var resp zibalInquiryResp
	if err := postJSON(ctx, z.client, z.baseURL+"/v1/inquiry", params, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInquiryFailed, err)
	}

	if resp.Result != zibalResultOK {
		log.Printf("[Zibal] inquiry 被拒: trackId=%s, result=%d, message=%s", trackID, resp.Result, resp.Message)
		return nil, fmt.Errorf("%w: result=%d", ErrInquiryFailed, resp.Result)
	}

	return &InquiryResult{
		Status: zibalStatusOf(resp.Status),
		Amount: resp.Amount / 10,
		PaidAt: resp.PaidAt,
		Raw: map[string]interface{}{
			"status":    resp.Status,
			"amount":    resp.Amount,
			"refNumber": resp.RefNumber,
			"paidAt":    resp.PaidAt,
		},
	}, nil
}

func zibalStatusOf(code int) Status {
	switch code {
	case 1, 2:
		return StatusPaid
	case 0:
		return StatusPending
	case -1:
		return StatusNotInitiated
	case 3:
		return StatusUserCancelled
	case 4:
		return StatusFailed
	default:
		return StatusUnknown
	}
}
