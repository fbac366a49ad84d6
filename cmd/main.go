package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/oarkflow/ip"

	"github.com/oarkflow/trapgate"
)

func main() {
	configDir := flag.String("config", "configs", "directory holding rules.json and policies.json")
	port := flag.String("port", "", "listen port")
	auditFile := flag.String("audit-file", "", "append audit records to this JSONL file")
	auditDB := flag.String("audit-db", "", "persist audit records to this SQLite database")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	alertWebhook := flag.String("alert-webhook", "", "POST hostile-verdict alerts to this URL")
	watch := flag.Bool("watch", true, "reload config on file change")
	flag.Parse()

	ip.Init()

	listen := *port
	if listen == "" {
		listen = os.Getenv("PORT")
	}
	if listen == "" {
		listen = "3000"
	}

	logger := trapgate.NewLogger(*logLevel)

	ring := trapgate.NewRingAuditSink(4096)
	sinks := []trapgate.AuditSink{ring}
	if *auditFile != "" {
		fs, err := trapgate.NewFileAuditSink(*auditFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("audit file sink")
		}
		sinks = append(sinks, fs)
	}
	if *auditDB != "" {
		dbs, err := trapgate.NewSQLiteAuditSink(*auditDB)
		if err != nil {
			logger.Fatal().Err(err).Msg("audit db sink")
		}
		sinks = append(sinks, dbs)
	}
	audit := trapgate.NewAuditLog(trapgate.NewMultiSink(sinks...))

	factory := trapgate.NewDeceptionFactory()
	config, err := trapgate.NewConfigStore(
		filepath.Join(*configDir, "rules.json"),
		filepath.Join(*configDir, "policies.json"),
		factory.TemplateIDs(),
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load")
	}
	if *watch {
		if err := config.Watch(); err != nil {
			logger.Fatal().Err(err).Msg("config watcher")
		}
	}

	alerts := trapgate.NewAlertRegistry(logger)
	alerts.Register(&trapgate.LogAlertSender{Logger: logger})
	if *alertWebhook != "" {
		alerts.Register(trapgate.NewWebhookAlertSender(*alertWebhook))
	}

	metrics := trapgate.NewInMemoryMetricsCollector()
	ledger := trapgate.NewThreatLedger(0)
	orchestrator := trapgate.NewOrchestrator(trapgate.Options{
		Config:  config,
		Factory: factory,
		Audit:   audit,
		Metrics: metrics,
		Logger:  logger,
		Ledger:  ledger,
		Alerts:  alerts,
	})
	limiter := trapgate.NewTokenBucketRateLimiter(100, time.Minute)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(cors.New())
	app.Use(trapgate.Middleware(orchestrator, limiter))

	registerRoutes(app, ring, metrics, ledger, orchestrator)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info().Msg("shutting down")
		if err := config.StopWatcher(); err != nil {
			logger.Warn().Err(err).Msg("stopping config watcher")
		}
		if err := app.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("shutting down server")
		}
		if err := audit.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing audit log")
		}
	}()

	logger.Info().Str("port", listen).Str("config", *configDir).Msg("trapgate listening")
	if err := app.Listen(":" + listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

// registerRoutes wires the protected demo origin plus the operational
// surface. The demo endpoints stand in for a real upstream; anything the
// pipeline allows reaches them.
func registerRoutes(app *fiber.App, ring *trapgate.RingAuditSink, metrics *trapgate.InMemoryMetricsCollector, ledger *trapgate.ThreatLedger, orchestrator *trapgate.Orchestrator) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Format(time.RFC3339)})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(metrics.ExportPrometheus())
	})

	app.Get("/api/status", func(c *fiber.Ctx) error {
		now := float64(time.Now().UnixNano()) / 1e9
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"summary": ring.Summary(),
			"threats": ledger.Summary(now),
		})
	})

	app.Get("/api/audit/recent", func(c *fiber.Ctx) error {
		n := c.QueryInt("n", 50)
		return c.JSON(fiber.Map{"records": ring.Recent(n)})
	})

	app.Post("/api/config/reload", func(c *fiber.Ctx) error {
		if err := orchestrator.Reload(); err != nil {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"message": "configuration reloaded"})
	})

	app.Get("/api/products", func(c *fiber.Ctx) error {
		page := c.QueryInt("page", 1)
		return c.JSON(fiber.Map{
			"page": page,
			"items": []fiber.Map{
				{"id": 1, "name": "Sample Product 1"},
				{"id": 2, "name": "Sample Product 2"},
			},
		})
	})

	app.Get("/api/users", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"users": []fiber.Map{
				{"id": 1, "name": "demo"},
			},
		})
	})

	app.Post("/api/login", func(c *fiber.Ctx) error {
		var login struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.BodyParser(&login); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}
		if login.Username != "demo" || login.Password != "demo" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid credentials"})
		}
		return c.JSON(fiber.Map{"message": "login successful"})
	})

	app.Get("/api/files/read", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no such file"})
	})
}
