package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"mira/internal/config"
	"mira/internal/database"
	"mira/internal/handlers"
	"mira/internal/logging"
	"mira/internal/models"
	"mira/internal/services"
)

const extractionDrainInterval = 30 * time.Second

func main() {
	// Load .env if present; real deployments set the environment directly
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️  No .env file found, using environment variables")
	}

	logging.Init()
	cfg := config.Load()

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	services.InitMetrics()

	providersCfg, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		log.Printf("⚠️  Could not load %s (%v), starting with no providers", cfg.ProvidersFile, err)
		providersCfg = &models.ProvidersConfig{}
	}

	// Service wiring
	providerService := services.NewProviderService(providersCfg)
	sessionService := services.NewSessionService(db)
	memoryService := services.NewMemoryService(db)
	llmService := services.NewLLMService(providerService, cfg.CompletionTimeout)
	contextService := services.NewContextService(sessionService, llmService, cfg.WindowSize, cfg.SummarySlack)
	sqlToolService := services.NewSQLToolService(db, llmService, cfg.QueryTimeout)
	extractionService := services.NewMemoryExtractionService(memoryService, sessionService, llmService)
	chatService := services.NewChatService(sessionService, contextService, memoryService, extractionService, sqlToolService, llmService)

	// Background work: providers hot-reload and the extraction drain loop
	go watchProvidersFile(cfg.ProvidersFile, providerService)
	scheduler := startExtractionScheduler(extractionService)

	app := fiber.New(fiber.Config{
		AppName: "Mira HR Assistant",
		// Local models can take minutes on a cold start; keep connections open
		ReadTimeout:  900 * time.Second,
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  900 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("mira")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	// Handlers and routes
	healthHandler := handlers.NewHealthHandler(db, providerService)
	sessionHandler := handlers.NewSessionHandler(sessionService, chatService)
	memoryHandler := handlers.NewMemoryHandler(memoryService)
	wsHandler := handlers.NewChatSocketHandler(chatService)

	app.Get("/health", healthHandler.Health)

	api := app.Group("/api")
	api.Post("/sessions", sessionHandler.Create)
	api.Get("/sessions", sessionHandler.List)
	api.Get("/sessions/:id", sessionHandler.Get)
	api.Get("/sessions/:id/messages", sessionHandler.Messages)
	api.Post("/sessions/:id/messages", sessionHandler.SendMessage)
	api.Post("/memories", memoryHandler.Store)
	api.Get("/memories/recall", memoryHandler.Recall)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", websocket.New(wsHandler.Handle))

	// Graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("🛑 Shutting down...")

		if scheduler != nil {
			if err := scheduler.Shutdown(); err != nil {
				log.Printf("⚠️ Error stopping scheduler: %v", err)
			}
		}
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	log.Printf("🚀 Mira listening on port %s (%s)", cfg.Port, cfg.Environment)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// startExtractionScheduler drains the memory extraction queue on a fixed
// interval. Extraction is best-effort; scheduler failures only cost memories.
func startExtractionScheduler(extraction *services.MemoryExtractionService) gocron.Scheduler {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		log.Printf("⚠️ Failed to create scheduler, memory extraction disabled: %v", err)
		return nil
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(extractionDrainInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			extraction.ProcessPending(ctx)
		}),
	)
	if err != nil {
		log.Printf("⚠️ Failed to schedule extraction drain: %v", err)
		return scheduler
	}

	scheduler.Start()
	log.Printf("⏰ Memory extraction drain scheduled every %s", extractionDrainInterval)
	return scheduler
}

// watchProvidersFile hot-reloads the provider configuration when the JSON
// file changes. Watches the containing directory; editors replace files
// rather than writing in place.
func watchProvidersFile(filePath string, providerService *services.ProviderService) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to resolve %s: %v", filePath, err)
		return
	}
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch %s: %v", dir, err)
		return
	}
	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", filePath)

	// Debounce rapid successive writes into one reload
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := providerService.Reload(filePath); err != nil {
						log.Printf("❌ Failed to reload providers: %v", err)
					}
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
