package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/oarkflow/ip"

	"github.com/oarkflow/trapgate"
)

// Defended reverse proxy: every request passes the verdict pipeline before
// it may reach the upstream. Hostile traffic gets deceptive payloads instead
// of the origin's response.
func main() {
	configDir := flag.String("config", "configs", "directory holding rules.json and policies.json")
	port := flag.Int("port", 3000, "proxy listen port")
	upstream := flag.String("upstream", "http://127.0.0.1:8080", "origin server URL")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	ip.Init()
	logger := trapgate.NewLogger(*logLevel)

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
	if err := config.Watch(); err != nil {
		logger.Fatal().Err(err).Msg("config watcher")
	}
	defer config.StopWatcher()

	orchestrator := trapgate.NewOrchestrator(trapgate.Options{
		Config:  config,
		Factory: factory,
		Logger:  logger,
	})
	limiter := trapgate.NewTokenBucketRateLimiter(100, time.Minute)

	app := fiber.New()
	app.Use(trapgate.Middleware(orchestrator, limiter))
	app.Use(proxy.Balancer(proxy.Config{
		Servers: []string{*upstream},
	}))

	logger.Info().Int("port", *port).Str("upstream", *upstream).Msg("defended proxy listening")
	if err := app.Listen(fmt.Sprintf(":%d", *port)); err != nil {
		logger.Fatal().Err(err).Msg("proxy exited")
	}
}
