package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/replydesk/backend/internal/api/handlers"
	"github.com/replydesk/backend/internal/approval"
	"github.com/replydesk/backend/internal/cache/redis"
	"github.com/replydesk/backend/internal/delivery"
	"github.com/replydesk/backend/internal/ingestion"
	"github.com/replydesk/backend/internal/knowledge"
	"github.com/replydesk/backend/internal/llm"
	"github.com/replydesk/backend/internal/metrics"
	"github.com/replydesk/backend/internal/middleware/ratelimit"
	"github.com/replydesk/backend/internal/middleware/security"
	"github.com/replydesk/backend/internal/middleware/validation"
	"github.com/replydesk/backend/internal/reply"
	"github.com/replydesk/backend/internal/retriever"
	"github.com/replydesk/backend/internal/storage/sqlite"
	"github.com/replydesk/backend/internal/vector/milvus"
	"github.com/replydesk/backend/pkg/config"
	appLogger "github.com/replydesk/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ReplyDesk API server")

	metrics.Init()

	ledger, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer ledger.Close()

	err = ledger.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	vectorStore, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer vectorStore.Close()

	err = vectorStore.EnsureCollection(context.Background())
	if err != nil {
		appLogger.Fatal("Failed to ensure knowledge collection", zap.Error(err))
	}

	var embeddingCache *redis.Client
	if cfg.Redis.Enabled {
		embeddingCache, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
			embeddingCache = nil
		} else {
			defer embeddingCache.Close()
		}
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	contextRetriever := retriever.New(llmClient, vectorStore, embeddingCache)

	generator := reply.NewGenerator(llmClient, contextRetriever, ledger, reply.Config{
		TopK:                cfg.Webhook.RetrievalTopK,
		SimilarityThreshold: cfg.Webhook.SimilarityThreshold,
		AgentName:           cfg.Provider.AgentName,
	})

	pipeline := ingestion.NewPipeline(ledger, generator, ingestion.Config{
		HistoryLimit:      cfg.Webhook.HistoryLimit,
		GenerationTimeout: time.Duration(cfg.Webhook.GenerationTimeoutSec) * time.Second,
	})

	deliverer := delivery.NewClient(
		cfg.Provider.BaseURL,
		time.Duration(cfg.Provider.TimeoutSec)*time.Second,
	)

	workflow := approval.NewWorkflow(ledger, deliverer, llmClient, vectorStore)
	importer := knowledge.NewImporter(llmClient, vectorStore)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Agent-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	webhookHandler := handlers.NewWebhookHandler(ledger, pipeline, cfg.Webhook.StrictSignature)
	conversationHandler := handlers.NewConversationHandler(ledger, workflow, cfg.Provider.AgentName)
	knowledgeHandler := handlers.NewKnowledgeHandler(ledger, importer)
	streamHandler := handlers.NewStreamHandler(ledger)

	app.Post("/webhooks/chat", webhookHandler.HandleChatEvent)

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	api := app.Group("/api/v1")
	api.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{}))

	api.Get("/conversations", conversationHandler.ListConversations)
	api.Get("/conversations/:id/messages", conversationHandler.GetMessages)
	api.Post("/conversations/:id/messages", conversationHandler.SendAgentMessage)

	api.Post("/messages/:messageId/approve", conversationHandler.ApproveMessage)
	api.Post("/messages/:messageId/reject", conversationHandler.RejectMessage)
	api.Put("/messages/:messageId", conversationHandler.EditMessage)

	api.Post("/knowledge/entries", knowledgeHandler.AddEntry)
	api.Post("/knowledge/articles", knowledgeHandler.ImportArticles)
	api.Post("/knowledge/import/:id", knowledgeHandler.ImportConversation)

	api.Get("/conversations/:id/stream", streamHandler.HandleSSE)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/conversations/:id", websocket.New(streamHandler.HandleWebSocket))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	api.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	streamHandler.Close()
	app.Shutdown()
	pipeline.Wait()
	appLogger.Info("Server stopped")
}
