// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bidding-kb-go/internal/archiver"
	"bidding-kb-go/internal/broker"
	"bidding-kb-go/internal/classifier"
	"bidding-kb-go/internal/config"
	"bidding-kb-go/internal/extractor"
	"bidding-kb-go/internal/financial"
	"bidding-kb-go/internal/handler"
	"bidding-kb-go/internal/indexer"
	"bidding-kb-go/internal/middleware"
	"bidding-kb-go/internal/pipeline"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/service"
	"bidding-kb-go/pkg/database"
	"bidding-kb-go/pkg/embedding"
	"bidding-kb-go/pkg/es"
	"bidding-kb-go/pkg/kafka"
	"bidding-kb-go/pkg/llm"
	"bidding-kb-go/pkg/log"
	"bidding-kb-go/pkg/metrics"
	"bidding-kb-go/pkg/storage"
	"bidding-kb-go/pkg/tika"
	"bidding-kb-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.0.0"

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath, log.RotateOptions{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.Pipeline.TempDir(), cfg.Pipeline.ArchiveDir(), cfg.Pipeline.ImagesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("创建数据目录失败", err)
		}
	}

	// 3. 初始化数据库、Redis、Elasticsearch 和可选的 MinIO
	database.InitMySQL(cfg.Database.MySQL)
	database.InitRedis(cfg.Database.Redis)

	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatal("es 初始化失败", err)
	}
	vectors := es.NewStore(esClient, cfg.Elasticsearch.IndexName)
	if err := vectors.EnsureIndex(ctx, cfg.Embedding.Dimensions); err != nil {
		log.Fatal("es 索引创建失败", err)
	}

	var (
		mirror    archiver.Mirror
		presigner service.Presigner
	)
	if cfg.MinIO.Enabled {
		m, err := storage.NewMirror(ctx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		mirror, presigner = m, m
	}

	// 4. 初始化 Repository
	repos := repository.NewRepositories(database.DB)
	txManager := repository.NewTxManager(database.DB)
	leases := repository.NewLeaseRepository(database.RDB)

	// 5. 初始化流水线组件
	var fallback extractor.TextFallback
	if t := tika.NewClient(cfg.Tika); t != nil {
		fallback = t
	}
	ex := extractor.New(extractor.Options{
		Tika:       fallback,
		CPUWorkers: cfg.Pipeline.CPUWorkers,
		ImagesDir:  cfg.Pipeline.ImagesDir(),
	})

	var hinter classifier.Hinter
	if cfg.LLM.Enabled {
		hinter = llm.NewCategoryHinter(llm.NewClient(cfg.LLM))
	}

	embeddingClient := embedding.NewClient(cfg.Embedding)
	arch := archiver.New(cfg.Pipeline.ArchiveDir(), mirror)
	idx := indexer.New(embeddingClient, vectors, txManager, indexer.NewTokenCounter(cfg.Embedding.Model), indexer.Options{
		ChunkSize:     cfg.Chunk.Size,
		ChunkOverlap:  cfg.Chunk.Overlap,
		MinBodyLength: cfg.Pipeline.ChapterMinBodyLength,
	})

	var enricher pipeline.Enricher
	if cfg.Financial.Enabled {
		enricher = financial.NewSplitter(filepath.Join(cfg.Pipeline.Root, "financial"), ex, repos.Financial)
	}

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipeline(registry)
	leaseTTL := time.Duration(cfg.Pipeline.LeaseTTLSeconds) * time.Second

	controller := pipeline.NewController(pipeline.Deps{
		Repos:      repos,
		Tx:         txManager,
		Leases:     leases,
		Parser:     ex,
		Classifier: classifier.New(hinter),
		Archiver:   arch,
		Indexer:    idx,
		Enricher:   enricher,
		Metrics:    pipelineMetrics,
		ImagesDir:  cfg.Pipeline.ImagesDir(),
		LeaseTTL:   leaseTTL,
	})
	resolver := pipeline.NewResolver(repos.Files, controller, cfg.Pipeline.DuplicateDefaultPolicy)

	// 6. 启动 Kafka 生产者、消费者和恢复扫描
	producer := kafka.NewProducer(cfg.Kafka)
	defer producer.Close()
	consumer := kafka.NewConsumer(cfg.Kafka, controller, kafka.NewRedisAttempts(database.RDB), cfg.Pipeline.Workers)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx)
	}()

	sweeper := pipeline.NewSweeper(repos.Files, producer, pipelineMetrics, 2*leaseTTL)
	if err := sweeper.Start(cfg.Pipeline.ResumeCron); err != nil {
		log.Fatal("恢复扫描启动失败", err)
	}
	defer sweeper.Stop()

	// 7. 初始化 Service
	uploadService := service.NewUploadService(repos.Files, leases, resolver, producer, service.UploadOptions{
		TempDir:        cfg.Pipeline.TempDir(),
		MaxFileSize:    int64(cfg.Pipeline.MaxFileSizeMB) << 20,
		QueueWatermark: int64(cfg.Pipeline.QueueWatermark),
	})
	fileService := service.NewFileService(repos, controller, resolver, producer, arch, presigner)
	knowledgeService := service.NewKnowledgeService(repos, embeddingClient, vectors)
	diagnosticsService := service.NewDiagnosticsService(repos.Files, repos.Chapters, ex)

	if cfg.Pipeline.SeedDir != "" {
		go importSeedFiles(ctx, cfg.Pipeline.SeedDir, uploadService)
	}

	// 8. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", metrics.Handler(registry))

	handler.Handlers{
		Upload:      handler.NewUploadHandler(uploadService),
		Files:       handler.NewFileHandler(fileService),
		Progress:    handler.NewProgressHandler(fileService, time.Second),
		Search:      handler.NewSearchHandler(knowledgeService),
		Diagnostics: handler.NewDiagnosticsHandler(diagnosticsService, fileService),
		MCP:         broker.Handler(broker.NewServer(knowledgeService, version)),
	}.Register(r, token.NewJWTManager(cfg.JWT.Secret))

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 消费者在 ctx 结束后停止拉取，等待正在处理的任务回滚或完成
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		log.Warnf("等待 Kafka 消费者退出超时")
	}
	log.Info("服务已优雅关闭")
}

// importSeedFiles 把目录下的文件按普通上传导入。内容相同的文件会命中去重，重复启动不会产生新记录。
func importSeedFiles(ctx context.Context, dir string, uploadSvc service.UploadService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("importSeedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	var files []service.UploadFile
	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, service.UploadFile{
			Name: info.Name(),
			Size: info.Size(),
			Open: func() (io.ReadCloser, error) { return os.Open(path) },
		})
		return nil
	})
	if walkErr != nil {
		log.Warnf("importSeedFiles: 遍历目录发生错误: %v", walkErr)
	}
	if len(files) == 0 {
		return
	}

	result, err := uploadSvc.Upload(ctx, service.UploadRequest{Uploader: "system", DuplicateAction: "skip", Files: files})
	if err != nil {
		log.Warnf("importSeedFiles: 导入失败: %v", err)
		return
	}
	for _, item := range result.Items {
		if item.Error != "" {
			log.Warnf("importSeedFiles: %s 导入失败: %s", item.Filename, item.Error)
			continue
		}
		log.Infof("importSeedFiles: %s -> %s (%s)", item.Filename, item.RecordID, item.Status)
	}
}
