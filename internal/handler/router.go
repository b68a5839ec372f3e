package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 网关回调：不同服务商 GET / POST 都有
	r.GET("/payment/notify/:method/:trade_no", h.Notify)
	r.POST("/payment/notify/:method/:trade_no", h.Notify)

	api := r.Group("/api/v1")
	{
		payment := api.Group("/payment")
		{
			payment.POST("/initiate", h.InitiatePayment)
			payment.GET("/result", h.QueryResult)
			payment.GET("/methods", h.ListMethods)
		}

		order := api.Group("/order")
		{
			order.POST("/create", h.CreateOrder)
			order.GET("/detail", h.GetOrder)
		}

		track := api.Group("/track")
		{
			track.GET("/stats", h.TrackStats)
			track.GET("/stuck", h.StuckTracks)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
