package main

import (
	"context"
	"flag"
	"log"
	"os"

	"payrecon/internal/config"
	"payrecon/internal/infrastructure/database"
	"payrecon/internal/repository"
	"payrecon/internal/service"
)

// track 表清理工具
//
// 默认只删已消费且超过保留期的行。未消费的 track 可能还对应
// 网关侧悬着的真实交易，删除它们必须 --force-all 并输入 --confirm=DELETE。
func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "配置文件路径")
		hours      = flag.Int("hours", 72, "保留期小时数，低于 24 拒绝执行")
		forceAll   = flag.Bool("force-all", false, "连未消费的 track 一起删除（危险）")
		confirm    = flag.String("confirm", "", "删除未消费 track 时必须输入 DELETE")
		dryRun     = flag.Bool("dry-run", false, "只统计不删除")
		showStuck  = flag.Bool("show-stuck", false, "列出长期未消费的 track 后退出")
		stuckLimit = flag.Int("stuck-limit", 50, "show-stuck 最多列出条数")
	)
	flag.Parse()

	cfg := config.LoadConfig(*configPath)
	db := database.InitMySQL(&cfg.MySQL)

	trackRepo := repository.NewTrackRepository(db)
	trackSvc := service.NewTrackService(trackRepo)
	ctx := context.Background()

	stats, err := trackSvc.Statistics(ctx)
	if err != nil {
		log.Printf("统计失败: %v", err)
		os.Exit(1)
	}
	log.Printf("track 统计: total=%d used=%d unused=%d last24h=%d unused_old_48h=%d",
		stats.Total, stats.Used, stats.Unused, stats.Last24h, stats.UnusedOld48h)

	if *showStuck {
		tracks, err := trackSvc.StuckTracks(ctx, 48, *stuckLimit)
		if err != nil {
			log.Printf("查询失败: %v", err)
			os.Exit(1)
		}
		for _, t := range tracks {
			log.Printf("未消费: track_id=%s trade_no=%s method=%s amount=%d created_at=%s",
				t.TrackID, t.TradeNo, t.PaymentMethod, t.Amount, t.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		log.Printf("共 %d 条", len(tracks))
		return
	}

	if *hours < 24 {
		log.Printf("保留期不得低于 24 小时: hours=%d", *hours)
		os.Exit(1)
	}

	onlyUsed := !*forceAll
	if *forceAll && *confirm != "DELETE" {
		log.Println("删除未消费 track 必须带 --confirm=DELETE")
		os.Exit(1)
	}

	if *dryRun {
		log.Printf("dry-run: 将删除超过 %d 小时的 track（only_used=%v），未执行", *hours, onlyUsed)
		return
	}

	deleted, err := trackSvc.Cleanup(ctx, *hours, onlyUsed, *confirm == "DELETE")
	if err != nil {
		log.Printf("清理失败: %v", err)
		os.Exit(1)
	}
	log.Printf("清理完成: deleted=%d", deleted)
}
