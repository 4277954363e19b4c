package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/Inscripciones/app/controllers"
	"github.com/ManuelReschke/Inscripciones/app/repository"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/cache"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/database"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/env"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/jobqueue"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/paymentlock"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/payments"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/router"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/statistics"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/webhookarchive"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app, manager := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if manager != nil {
		manager.Stop()
	}
	if err := cache.Close(); err != nil {
		log.Printf("Redis close: %v", err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()

	cfg := payments.LoadConfig()
	if cfg.AccessToken == "" {
		log.Println("Warning: MP_ACCESS_TOKEN is empty, gateway calls will be rejected")
	}

	var locker paymentlock.Locker = paymentlock.NewMemoryLocker()
	if cfg.LockBackend == payments.LockBackendRedis {
		locker = paymentlock.NewRedisLocker(cache.GetClient(), cfg.LockTTL)
	}
	service := payments.NewService(payments.NewMercadoPagoClient(cfg), repos, locker, cfg)

	archiveCfg, err := webhookarchive.LoadConfig()
	if err != nil {
		log.Fatalf("Webhook archive config: %v", err)
	}
	archive, err := webhookarchive.New(context.Background(), archiveCfg)
	if err != nil {
		log.Printf("Warning: webhook archive disabled: %v", err)
		archive = webhookarchive.NoopArchiver{}
	}

	// background reconciliation
	var manager *jobqueue.Manager
	var queue controllers.ReconcileEnqueuer
	if env.GetEnvBool("JOB_QUEUE_ENABLED", true) {
		manager = jobqueue.InitManager(cache.GetClient(), service, repos.WebhookEvent, jobqueue.LoadManagerOptions())
		manager.Start()
		queue = manager.GetQueue()
	}

	app := fiber.New(fiber.Config{
		AppName:   "inscripciones",
		BodyLimit: 1 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app, router.Controllers{
		Payments:      controllers.NewPaymentController(service, queue, archive),
		Inscripciones: controllers.NewInscripcionController(statistics.NewService(repos.Inscripcion, repos.Pago), repos),
	}, router.LoadOptions(cache.GetClient()))

	return app, manager
}
