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

const MethodZarinpal = "zarinpal"

// Zarinpal v4 协议：data.code == 100 成功，101 = 该交易此前已确认过
const (
	zarinpalCodeOK              = 100
	zarinpalCodeAlreadyVerified = 101
	zarinpalCodeAmountMismatch  = -50
)

// Zarinpal 适配器
// 凭证为 36 字符 authority；金额单位与本地一致，无需换算
type Zarinpal struct {
	merchant  string
	callback  string
	apiBase   string
	startBase string
	client    *http.Client
}

func NewZarinpal(cfg *config.ZarinpalConfig) *Zarinpal {
	apiBase := "https://api.zarinpal.com"
	startBase := "https://www.zarinpal.com"
	if cfg.Sandbox {
		apiBase = "https://sandbox.zarinpal.com"
		startBase = "https://sandbox.zarinpal.com"
	}
	return &Zarinpal{
		merchant:  cfg.Merchant,
		callback:  cfg.CallbackURL,
		apiBase:   apiBase,
		startBase: startBase,
		client:    newHTTPClient(),
	}
}

func (z *Zarinpal) Name() string {
	return MethodZarinpal
}

type zarinpalData struct {
	Code      int    `json:"code"`
	Authority string `json:"authority"`
	RefID     int64  `json:"ref_id"`
	CardPan   string `json:"card_pan"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type zarinpalResp struct {
	Data   zarinpalData `json:"data"`
	Errors interface{}  `json:"errors"`
}

func (z *Zarinpal) Initiate(ctx context.Context, order *model.Order) (*InitiateResult, error) {
	params := map[string]interface{}{
		"merchant_id":  z.merchant,
		"amount":       order.TotalAmount,
		"callback_url": z.callback + "/" + order.TradeNo,
		"description":  "订单支付 " + order.TradeNo,
		"metadata":     map[string]string{"order_id": order.TradeNo},
	}

	var resp zarinpalResp
	if err := postJSON(ctx, z.client, z.apiBase+"/pg/v4/payment/request.json", params, &resp); err != nil {
		log.Printf("[Zarinpal] 发起交易请求失败: tradeNo=%s, merchant=%s, err=%v", order.TradeNo, maskSecret(z.merchant), err)
		return nil, fmt.Errorf("%w: %v", ErrInitiateFailed, err)
	}

	if resp.Data.Code != zarinpalCodeOK || resp.Data.Authority == "" {
		log.Printf("[Zarinpal] 发起交易被拒: tradeNo=%s, code=%d", order.TradeNo, resp.Data.Code)
		return nil, fmt.Errorf("%w: code=%d", ErrInitiateFailed, resp.Data.Code)
	}

	log.Printf("[Zarinpal] 交易已发起: tradeNo=%s, authority=%s", order.TradeNo, maskSecret(resp.Data.Authority))
	return &InitiateResult{
		TrackID:     resp.Data.Authority,
		RedirectURL: z.startBase + "/pg/StartPay/" + resp.Data.Authority,
	}, nil
}

// ParseCallback Zarinpal 回调参数: Authority / Status（OK|NOK），不携带订单号
func (z *Zarinpal) ParseCallback(params url.Values) (*Callback, error) {
	authority := params.Get("Authority")
	status := params.Get("Status")
	if authority == "" || status == "" {
		return nil, fmt.Errorf("%w: 缺少 Authority/Status", ErrMalformedCallback)
	}
	return &Callback{
		TrackID:   authority,
		Succeeded: status == "OK",
	}, nil
}

func (z *Zarinpal) Verify(ctx context.Context, trackID string, expectedAmount int64) (*SettlementFacts, error) {
	params := map[string]interface{}{
		"merchant_id": z.merchant,
		"amount":      expectedAmount,
		"authority":   trackID,
	}

	var resp zarinpalResp
	if err := postJSON(ctx, z.client, z.apiBase+"/pg/v4/payment/verify.json", params, &resp); err != nil {
		log.Printf("[Zarinpal] verify 请求失败: authority=%s, err=%v", maskSecret(trackID), err)
		return nil, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}

	switch resp.Data.Code {
	case zarinpalCodeOK, zarinpalCodeAlreadyVerified:
		facts := &SettlementFacts{
			GatewayRefNo: strconv.FormatInt(resp.Data.RefID, 10),
			Amount:       expectedAmount,
			MaskedCard:   MaskCard(resp.Data.CardPan),
		}
		log.Printf("[Zarinpal] verify 成功: authority=%s, refId=%s, card=%s", maskSecret(trackID), facts.GatewayRefNo, facts.MaskedCard)
		return facts, nil
	case zarinpalCodeAmountMismatch:
		log.Printf("[Zarinpal] verify 金额不符: authority=%s, expected=%d", maskSecret(trackID), expectedAmount)
		return nil, ErrAmountMismatch
	default:
		log.Printf("[Zarinpal] verify 被拒: authority=%s, code=%d", maskSecret(trackID), resp.Data.Code)
		return nil, fmt.Errorf("%w: code=%d", ErrVerifyFailed, resp.Data.Code)
	}
}

// Inquiry 查询交易状态（v4 inquiry 接口）
func (z *Zarinpal) Inquiry(ctx context.Context, trackID string) (*InquiryResult, error) {
	params := map[string]interface{}{
		"merchant_id": z.merchant,
		"authority":   trackID,
	}

	var resp zarinpalResp
	if err := postJSON(ctx, z.client, z.apiBase+"/pg/v4/payment/inquiry.json", params, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInquiryFailed, err)
	}

	if resp.Data.Code != zarinpalCodeOK {
		return nil, fmt.Errorf("%w: code=%d", ErrInquiryFailed, resp.Data.Code)
	}

	return &InquiryResult{
		Status: zarinpalStatusOf(resp.Data.Status),
		Raw: map[string]interface{}{
			"status": resp.Data.Status,
			"code":   resp.Data.Code,
		},
	}, nil
}

func zarinpalStatusOf(status string) Status {
	switch status {
	case "PAID", "VERIFIED":
		return StatusPaid
	case "IN_BANK":
		return StatusPending
	case "FAILED", "REVERSED":
		return StatusFailed
	default:
		return StatusUnknown
	}
}
