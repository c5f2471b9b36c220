package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/oarkflow/ip"
	"github.com/oarkflow/log"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/oarkflow/threatguard"
)

type serverConfig struct {
	Port     string `yaml:"port"`
	RulesDir string `yaml:"rulesDir"`
	AuditDB  string `yaml:"auditDB"`
	Admin    struct {
		User         string `yaml:"user"`
		PasswordHash string `yaml:"passwordHash"` // bcrypt
	} `yaml:"admin"`
	Engine threatguard.Config `yaml:"engine"`
}

func loadServerConfig(path string) (*serverConfig, error) {
	cfg := &serverConfig{Port: "3000"}
	cfg.Engine = threatguard.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to server config YAML")
	flag.Parse()

	logger := log.Logger{Level: log.InfoLevel, Writer: &log.ConsoleWriter{ColorOutput: true}}

	cfg, err := loadServerConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ip.Init()

	engineCfg := cfg.Engine
	engineCfg.Logger = &logger
	engineCfg.Metrics = threatguard.NewPrometheusMetricsCollector("threatguard")

	if cfg.RulesDir != "" {
		rules, err := threatguard.LoadRuleTable(cfg.RulesDir)
		if err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.RulesDir).Msg("failed to load rule table")
		}
		if err := rules.Watch(&logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to watch rule directory")
		}
		engineCfg.Rules = rules
	}

	if cfg.AuditDB != "" {
		audit, err := threatguard.OpenAuditTrail(cfg.AuditDB)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.AuditDB).Msg("failed to open audit trail")
		}
		defer audit.Close()
		engineCfg.Audit = audit
	}

	engine, err := threatguard.NewEngine(engineCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}
	defer engine.Close()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"status": "error", "message": "internal error"})
		},
	})

	app.Use(cors.New())
	app.Use(engine.Handler())

	admin := app.Group("/admin/security")
	if cfg.Admin.User != "" && cfg.Admin.PasswordHash != "" {
		admin.Use(basicauth.New(basicauth.Config{
			Authorizer: func(user, pass string) bool {
				if user != cfg.Admin.User {
					return false
				}
				return bcrypt.CompareHashAndPassword([]byte(cfg.Admin.PasswordHash), []byte(pass)) == nil
			},
		}))
	}
	engine.RegisterAdminRoutes(admin)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "success", "message": "ok"})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "success"})
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info().Msg("shutting down gracefully")
		if err := engine.Close(); err != nil {
			logger.Warn().Err(err).Msg("error stopping rule watcher")
		}
		if err := app.Shutdown(); err != nil {
			logger.Warn().Err(err).Msg("error shutting down server")
		}
	}()

	logger.Info().Str("port", cfg.Port).Msg("starting threatguard")
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
