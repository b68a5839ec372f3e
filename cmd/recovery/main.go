package main

import (
	"context"
	"flag"
	"log"
	"os"

	"payrecon/internal/config"
	"payrecon/internal/gateway"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/infrastructure/database"
	"payrecon/internal/repository"
	"payrecon/internal/service"
	"payrecon/pkg/idgen"
)

// 一次性恢复扫描工具
//
// 运维手动触发或 cron 兜底调度，跑完一轮即退出。
// 事件只写发件箱，由 server 的投递任务送 Kafka。
// 扫描中个别订单失败不影响退出码，只有启动失败才非零退出。
func main() {
	var (
		configPath    = flag.String("config", "config/config.yaml", "配置文件路径")
		refundAfter   = flag.Int("refund-after", 0, "超过该分钟数允许强制退款（0 用配置值）")
		checkInterval = flag.Int("check-interval", 0, "单订单最小查询间隔分钟数（0 用配置值）")
		expireAfter   = flag.Int("expire-after", 0, "超过该分钟数过期待支付订单（0 用配置值）")
		markOld       = flag.Int("mark-old-unused", 0, "超过该分钟数消费未发起的 track（0 用配置值）")
		lookback      = flag.Int("lookback", 0, "回看窗口小时数（0 用配置值）")
		maxFails      = flag.Int("max-fails", 0, "连续查询失败阈值（0 用配置值）")
		limit         = flag.Int("limit", 0, "单轮最大处理订单数（0 用配置值）")
		deep          = flag.Bool("deep", false, "深度扫描：包含已取消和已退钱包订单")
		dryRun        = flag.Bool("dry-run", false, "只查询只记日志，不写任何状态")
	)
	flag.Parse()

	cfg := config.LoadConfig(*configPath)
	if err := cfg.Validate(); err != nil {
		log.Printf("配置校验失败: %v", err)
		os.Exit(1)
	}

	idgen.Init(2)

	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedisOptional(&cfg.Redis)
	store := cache.NewStore(redisClient)

	registry := gateway.NewRegistry(&cfg.Gateways)

	orderRepo := repository.NewOrderRepository(db)
	trackRepo := repository.NewTrackRepository(db)
	userRepo := repository.NewUserRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	settlementSvc := service.NewSettlementService(db, redisClient, store, cfg, registry, orderRepo, trackRepo, outboxRepo)
	refundSvc := service.NewRefundService(db, store, cfg, orderRepo, userRepo, trackRepo, outboxRepo)
	recoverySvc := service.NewRecoveryService(db, store, cfg, registry, orderRepo, trackRepo, outboxRepo, settlementSvc, refundSvc)

	opts := service.SweepOptions{
		RefundAfterMinutes:   *refundAfter,
		CheckIntervalMinutes: *checkInterval,
		ExpireAfterMinutes:   *expireAfter,
		MarkOldUnusedMinutes: *markOld,
		LookbackHours:        *lookback,
		MaxInquiryFails:      *maxFails,
		BatchLimit:           *limit,
		DryRun:               *dryRun,
	}
	if *deep {
		opts.IncludeCancelled = true
		opts.IncludeRefunded = true
		if opts.LookbackHours <= 0 {
			opts.LookbackHours = cfg.Recovery.DeepLookbackHours
		}
	}

	if *dryRun {
		log.Println("dry-run 模式：不会写入任何状态")
	}

	stats, err := recoverySvc.RunSweep(context.Background(), opts)
	if err != nil {
		log.Printf("扫描中断: %v", err)
		os.Exit(1)
	}

	log.Printf("扫描结果: checked=%d verified=%d refunded=%d expired=%d cancelled=%d skipped=%d failed=%d",
		stats.Checked, stats.Verified, stats.Refunded, stats.Expired, stats.Cancelled, stats.Skipped, stats.Failed)
}
