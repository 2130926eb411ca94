package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/database"
	"github.com/procurewatch/tender-backend/handlers"
	"github.com/procurewatch/tender-backend/jobs"
	"github.com/procurewatch/tender-backend/services"
	"github.com/procurewatch/tender-backend/shared"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg := config.LoadConfig()
	setupLogging(cfg.LogLevel)

	if err := database.Connect(cfg.DatabaseURL); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate("database/schema.sql"); err != nil {
		logrus.WithError(err).Fatal("Failed to apply database schema")
	}

	scraperConfig := config.DefaultScraperConfig()
	notificationConfig := config.DefaultNotificationConfig()

	store := services.NewPostgresStore(database.DB)
	textService := services.NewTextService()
	reconciler := services.NewReconciler(store, textService, cfg.Keywords)
	notifier := services.NewNotifier(store, nil, notificationConfig)

	tedFTPConfig := shared.FTPConfig{
		Host:             cfg.TEDFTPHost,
		Port:             21,
		User:             cfg.TEDFTPUser,
		Password:         cfg.TEDFTPPassword,
		Timeout:          scraperConfig.HTTPRequestTimeout,
		MaxRetryAttempts: scraperConfig.MaxRetryAttempts,
		RetryDelay:       scraperConfig.RetryDelay,
	}

	scrapeJobs := []*jobs.ScrapeJob{
		jobs.NewScrapeJob(services.NewUNGMScraper(cfg.UNGMBaseURL, scraperConfig), store, reconciler, notifier, scraperConfig),
		jobs.NewScrapeJob(services.NewTEDScraper(tedFTPConfig, config.DefaultTEDFilterConfig()), store, reconciler, notifier, scraperConfig),
		jobs.NewScrapeJob(services.NewIUCNScraper(cfg.IUCNBaseURL, scraperConfig), store, reconciler, notifier, scraperConfig),
	}

	scheduler := jobs.NewScheduler(scrapeJobs, notifier)
	if err := scheduler.Start(); err != nil {
		logrus.WithError(err).Fatal("Failed to start job scheduler")
	}
	defer scheduler.Stop()

	app := buildApp(store)

	go func() {
		if err := app.Listen(":" + cfg.ServerPort); err != nil {
			logrus.WithError(err).Fatal("HTTP server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"port": cfg.ServerPort,
	}).Info("Tender backend started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logrus.WithError(err).Error("HTTP server shutdown failed")
	}
}

func buildApp(store services.Store) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "tender-backend",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := database.HealthCheck(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	tenderHandler := handlers.NewTenderHandler(store)
	tenderHandler.RegisterRoutes(app.Group("/api/v1"))

	return app
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	parsedLevel, err := logrus.ParseLevel(level)
	if err != nil {
		parsedLevel = logrus.InfoLevel
	}
	logrus.SetLevel(parsedLevel)
}
