package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"xerus/internal/config"
	"xerus/internal/crypto"
	"xerus/internal/database"
	"xerus/internal/handlers"
	"xerus/internal/logging"
	"xerus/internal/memory"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Xerus Memory Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s)", cfg.Port)

	// Encryption is optional: without a master key, entries are stored in
	// plaintext (development mode).
	var encryptionService *crypto.EncryptionService
	if cfg.EncryptionMasterKey != "" {
		var err error
		encryptionService, err = crypto.NewEncryptionService(cfg.EncryptionMasterKey)
		if err != nil {
			log.Fatalf("❌ Failed to initialize encryption: %v", err)
		}
		log.Println("✅ Encryption service initialized")
	} else {
		if os.Getenv("ENVIRONMENT") == "production" {
			log.Fatal("❌ ENCRYPTION_MASTER_KEY is required in production. Generate with: openssl rand -hex 32")
		}
		log.Println("⚠️ ENCRYPTION_MASTER_KEY not set - entry encryption disabled (development mode only)")
	}

	// Durable store: MongoDB when MONGODB_URI is set, otherwise SQL
	// (SQLite file path or mysql:// DSN).
	var store memory.Store
	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		mongoDB, err := database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		defer mongoDB.Close(context.Background())
		store = memory.NewMongoStore(mongoDB, encryptionService)
	} else {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.Initialize(); err != nil {
			log.Fatalf("❌ Failed to initialize database: %v", err)
		}
		store = memory.NewSQLStore(db, encryptionService)
	}

	// Conversation memory: Redis when configured, otherwise a no-op.
	var conv memory.ConversationMemory = memory.NoopConversationMemory{}
	if cfg.RedisURL != "" {
		redisConv, err := memory.NewRedisConversationMemory(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Invalid REDIS_URL: %v (conversation memory disabled)", err)
		} else {
			defer redisConv.Close()
			conv = redisConv
		}
	}

	// Scoring rules: compiled-in defaults, optionally overridden by a
	// hot-reloaded YAML file.
	scoringWatcher := config.NewScoringWatcher(cfg.ScoringRulesPath)
	defer scoringWatcher.Close()

	memoryService := memory.NewService(cfg.Memory, store, scoringWatcher.Rules, conv, memory.NewMetrics())
	defer memoryService.Shutdown()

	app := fiber.New(fiber.Config{
		AppName:      "Xerus Memory Server",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))

	prometheus := fiberprometheus.New("xerus")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	healthHandler := handlers.NewHealthHandler()
	memoryHandler := handlers.NewMemoryHandler(memoryService)
	syncWSHandler := handlers.NewMemorySyncWebSocketHandler(memoryService)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api/memory")
	api.Get("/stats", memoryHandler.Stats)
	api.Post("/:agentId/:userId/store", memoryHandler.Store)
	api.Get("/:agentId/:userId/retrieve", memoryHandler.Retrieve)
	api.Get("/:agentId/:userId/context", memoryHandler.Context)
	api.Get("/:agentId/:userId/sinks", memoryHandler.AttentionSinks)
	api.Post("/:agentId/:userId/sync", memoryHandler.Sync)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/memory-sync", websocket.New(syncWSHandler.Handle))

	// Graceful shutdown on SIGINT/SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("🛑 Received %v, shutting down...", sig)

		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("⚠️ Server shutdown error: %v", err)
		}
	}()

	log.Printf("🌐 Server listening on :%s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}

	log.Println("👋 Server stopped")
}
