// Command mcp 以 stdio 方式运行只读的知识库 MCP 服务，供本地智能体直接拉起。
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"bidding-kb-go/internal/broker"
	"bidding-kb-go/internal/config"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/service"
	"bidding-kb-go/pkg/database"
	"bidding-kb-go/pkg/embedding"
	"bidding-kb-go/pkg/es"
	"bidding-kb-go/pkg/log"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config.yaml")
	flag.Parse()

	config.Init(*configPath)
	cfg := config.Conf

	// stdout 是 MCP 的传输通道
	log.InitStderr(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath, log.RotateOptions{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 表结构由 API 进程迁移，这里只连接
	database.ConnectMySQL(cfg.Database.MySQL)
	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatal("es 初始化失败", err)
	}

	knowledge := service.NewKnowledgeService(
		repository.NewRepositories(database.DB),
		embedding.NewClient(cfg.Embedding),
		es.NewStore(esClient, cfg.Elasticsearch.IndexName),
	)
	srv := broker.NewServer(knowledge, version)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Fatal("MCP 服务异常退出", err)
	}
}
