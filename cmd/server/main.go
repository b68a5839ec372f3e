package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/gateway"
	"payrecon/internal/handler"
	"payrecon/internal/infrastructure/cache"
	"payrecon/internal/infrastructure/database"
	"payrecon/internal/infrastructure/mq"
	"payrecon/internal/job"
	"payrecon/internal/repository"
	"payrecon/internal/service"
	"payrecon/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	cfg := config.LoadConfig(*configPath)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("配置校验失败: %v", err)
	}

	idgen.Init(1)

	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)
	store := cache.NewStore(redisClient)

	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		log.Fatalf("Kafka 生产者创建失败: %v", err)
	}
	defer producer.Close()

	registry := gateway.NewRegistry(&cfg.Gateways)
	log.Printf("已启用支付方式: %v", registry.Methods())

	orderRepo := repository.NewOrderRepository(db)
	trackRepo := repository.NewTrackRepository(db)
	userRepo := repository.NewUserRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	paymentSvc := service.NewPaymentService(db, store, cfg, registry, orderRepo, trackRepo)
	settlementSvc := service.NewSettlementService(db, redisClient, store, cfg, registry, orderRepo, trackRepo, outboxRepo)
	refundSvc := service.NewRefundService(db, store, cfg, orderRepo, userRepo, trackRepo, outboxRepo)
	recoverySvc := service.NewRecoveryService(db, store, cfg, registry, orderRepo, trackRepo, outboxRepo, settlementSvc, refundSvc)
	trackSvc := service.NewTrackService(trackRepo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 后台任务：事件投递、恢复扫描、track 维护
	outboxSender := job.NewOutboxSender(outboxRepo, producer)
	go outboxSender.Start(ctx)

	recoveryJob := job.NewRecoveryJob(recoverySvc, cfg)
	go recoveryJob.Start(ctx)

	trackJob := job.NewTrackMaintenanceJob(trackSvc, cfg)
	go trackJob.Start(ctx)

	h := handler.NewHandler(paymentSvc, settlementSvc, trackSvc, registry, orderRepo, store)
	router := handler.SetupRouter(h)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
