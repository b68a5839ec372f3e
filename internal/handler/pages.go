package handler

import (
	"html/template"
	"log"
	"net/http"

	"payrecon/internal/service"

	"github.com/gin-gonic/gin"
)

// 回调结果页
// 用户从网关跳回后看到的最终页面，无论结算成败 HTTP 状态都是 200：
// 非 200 会触发部分网关的回调重试风暴

var resultPageTmpl = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; background: #f5f6f8; margin: 0; }
.card { max-width: 420px; margin: 12vh auto; background: #fff; border-radius: 12px; padding: 40px 32px; text-align: center; box-shadow: 0 2px 12px rgba(0,0,0,.08); }
.badge { width: 64px; height: 64px; border-radius: 50%; margin: 0 auto 20px; line-height: 64px; font-size: 32px; color: #fff; }
.ok { background: #2fb344; }
.fail { background: #d63939; }
h1 { font-size: 22px; margin: 0 0 8px; color: #1a1a2e; }
p { color: #667085; margin: 4px 0; }
.meta { margin-top: 24px; padding-top: 16px; border-top: 1px solid #eee; font-size: 13px; color: #98a2b3; }
</style>
</head>
<body>
<div class="card">
{{if .Success}}<div class="badge ok">&#10003;</div>{{else}}<div class="badge fail">&#10007;</div>{{end}}
<h1>{{.Heading}}</h1>
<p>{{.Detail}}</p>
{{if .TradeNo}}<div class="meta">Order: {{.TradeNo}}</div>{{end}}
</div>
</body>
</html>
`))

type resultPageData struct {
	Title   string
	Heading string
	Detail  string
	Success bool
	TradeNo string
}

// renderResultPage 渲染结算结果页，始终返回 200
func renderResultPage(c *gin.Context, res *service.NotifyResult) {
	data := resultPageData{
		Success: res.Success,
		TradeNo: res.TradeNo,
	}
	switch {
	case res.Success && res.AlreadyProcessed:
		data.Title = "Payment Successful"
		data.Heading = "Payment Successful"
		data.Detail = "This payment has already been confirmed."
	case res.Success:
		data.Title = "Payment Successful"
		data.Heading = "Payment Successful"
		data.Detail = "Your payment has been confirmed. Thank you."
	default:
		data.Title = "Payment Failed"
		data.Heading = "Payment Failed"
		data.Detail = "The payment could not be confirmed. If you were charged, the amount will be returned to your wallet."
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := resultPageTmpl.Execute(c.Writer, data); err != nil {
		log.Printf("[Page] 渲染结果页失败: trade_no=%s, err=%v", res.TradeNo, err)
	}
}
