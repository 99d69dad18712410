package main

import (
	"context"
	"log"
	"os"
	"time"

	"invoqa/internal/api"
	"invoqa/internal/auth"
	"invoqa/internal/config"
	"invoqa/internal/redis"
	"invoqa/internal/service/account"
	"invoqa/internal/service/ai"
	"invoqa/internal/service/chat"
	"invoqa/internal/service/indexer"
	"invoqa/internal/service/invoice"
	"invoqa/internal/service/ocr"
	"invoqa/internal/service/pipeline"
	"invoqa/internal/service/qa"
	"invoqa/internal/service/retrieval"
	"invoqa/internal/storage"
	"invoqa/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("INVOQA_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("INVOQA_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	// Create necessary tables: users, invoices, documents, chat streams
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	provider := cfg.BasicConfig.Provider
	if provider == "" {
		provider = "openai"
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		log.Fatalf("provider %q not configured", provider)
	}

	ctx := context.Background()
	completer, err := ai.NewCompletionService(ctx, provider, provCfg)
	if err != nil {
		log.Fatalf("init completion service: %v", err)
	}
	embedder, err := ai.NewEmbedderService(ctx, provCfg)
	if err != nil {
		log.Fatalf("init embedder: %v", err)
	}

	accountService := account.NewService(db)
	invoiceService := invoice.NewService(db)
	chatService := chat.NewService(db)
	indexerService := indexer.NewService(db, ocr.NewTesseractExtractor(), embedder)
	retrievalService := retrieval.NewService(db, embedder, cfg.Retrieval)
	qaService := qa.NewService(retrievalService, completer, embedder, chatService)

	statusBus := pipeline.NewStatusBus(rdb)
	pipelineService := pipeline.NewService(invoiceService, indexerService, pipeline.NewFitzConverter(), statusBus)

	manager := worker.NewManager(pipelineService, 0)
	minWorkers := cfg.BasicConfig.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 2
	}
	maxWorkers := cfg.BasicConfig.MaxWorkers
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers * 4
	}
	queueSize := cfg.BasicConfig.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	idle := time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute
	dispatcher := worker.NewDispatcher(minWorkers, maxWorkers, queueSize, manager, idle)

	authService := auth.NewService(db, rdb, 24*time.Hour)
	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	handlers := api.NewHandler(accountService, authService, invoiceService, chatService, qaService, dispatcher, fileBase, cfg.BasicConfig.MaxUploadBytes)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
