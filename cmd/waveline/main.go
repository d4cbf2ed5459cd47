package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/wavelinehq/waveline/internal/campaign"
	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/conversation"
	"github.com/wavelinehq/waveline/internal/database"
	"github.com/wavelinehq/waveline/internal/dedup"
	"github.com/wavelinehq/waveline/internal/handlers"
	"github.com/wavelinehq/waveline/internal/middleware"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/reply"
	"github.com/wavelinehq/waveline/internal/worker"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "version":
		fmt.Printf("Waveline %s (built %s)\n", Version, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Waveline - WhatsApp Business messaging backend

Usage:
  waveline <command> [options]

Commands:
  server    Start the webhook ingress and admin API (with optional embedded workers)
  worker    Start queue processors only (no HTTP server)
  version   Show version information
  help      Show this help message

Server Options:
  -config string    Path to config file (default "config.toml")
  -migrate          Run database migrations on startup
  -workers int      Number of embedded workers per lane (0 to disable) (default 1)

Worker Options:
  -config string    Path to config file (default "config.toml")
  -workers int      Number of workers per lane (default 2)

Examples:
  waveline server                     # HTTP + 1 embedded worker per lane
  waveline server -workers 0          # HTTP only (no workers)
  waveline server -migrate            # Run migrations and start server
  waveline worker -workers 4          # 4 workers per lane, no HTTP

Deployment Scenarios:
  All-in-one:    waveline server
  Separate:      waveline server -workers 0  (on the API host)
                 waveline worker -workers 4  (on worker hosts)`)
}

// newLogger builds the process logger; production drops debug output
func newLogger(environment, component string) logf.Logger {
	if environment == "production" {
		return logf.New(logf.Opts{
			Level:           logf.InfoLevel,
			TimestampFormat: "2006-01-02 15:04:05",
			DefaultFields:   []any{"app", component},
		})
	}
	return logf.New(logf.Opts{
		EnableColor:     true,
		Level:           logf.DebugLevel,
		EnableCaller:    true,
		TimestampFormat: "2006-01-02 15:04:05",
		DefaultFields:   []any{"app", component},
	})
}

// deps is everything both commands wire up the same way
type deps struct {
	cfg           *config.Config
	log           logf.Logger
	app           *handlers.App
	queue         *queue.RedisQueue
	pool          *worker.Pool
	conversations *conversation.Engine
	campaigns     *campaign.Scheduler
}

// buildDeps connects to the stores and assembles the engines and worker pool
func buildDeps(cfg *config.Config, lo logf.Logger, migrate bool) (*deps, error) {
	db, err := database.NewPostgres(&cfg.Database, cfg.App.Debug)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	lo.Info("Connected to PostgreSQL")

	if migrate {
		lo.Info("Running database migrations...")
		if err := database.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if err := database.CreateIndexes(db); err != nil {
			return nil, fmt.Errorf("create indexes: %w", err)
		}
		if err := database.SeedReplyRules(db); err != nil {
			return nil, fmt.Errorf("seed reply rules: %w", err)
		}
		lo.Info("Migrations completed")
	}

	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	lo.Info("Connected to Redis")

	q := queue.New(rdb, cfg.Queue.MaxReceiveCount, lo)
	registry := dedup.New(rdb, time.Duration(cfg.Dedup.TTLHours)*time.Hour, lo)

	waClient := whatsapp.New(lo, whatsapp.Options{
		BaseURL:       cfg.WhatsApp.BaseURL,
		APIVersion:    cfg.WhatsApp.APIVersion,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		AccessToken:   cfg.WhatsApp.AccessToken,
	})

	conversations := conversation.NewEngine(db, q, cfg.Conversation, lo)
	replies, err := reply.NewEngine(db, cfg.BusinessHours, lo)
	if err != nil {
		return nil, fmt.Errorf("compile reply rules: %w", err)
	}
	lo.Info("Reply rules compiled", "count", replies.Len())
	campaigns := campaign.NewScheduler(db, q, cfg.Campaigns, lo)

	app := &handlers.App{
		Config:        cfg,
		DB:            db,
		Redis:         rdb,
		Log:           lo,
		WhatsApp:      waClient,
		Queue:         q,
		Dedup:         registry,
		Conversations: conversations,
		Replies:       replies,
		Campaigns:     campaigns,
	}

	pool := worker.NewPool(worker.Deps{
		Config:        cfg,
		DB:            db,
		Queue:         q,
		Dedup:         registry,
		WhatsApp:      waClient,
		Conversations: conversations,
		Replies:       replies,
		Campaigns:     campaigns,
		Log:           lo,
	})

	return &deps{
		cfg:           cfg,
		log:           lo,
		app:           app,
		queue:         q,
		pool:          pool,
		conversations: conversations,
		campaigns:     campaigns,
	}, nil
}

// startBackground launches the maintenance loops: background redrive,
// conversation sweeper, and the daily campaign ticker.
func (d *deps) startBackground(ctx context.Context) {
	go d.queue.StartRedrive(ctx, time.Duration(d.cfg.Queue.RedriveInterval)*time.Second)
	go d.conversations.StartSweeper(ctx, time.Duration(d.cfg.Conversation.SweepMinutes)*time.Minute)

	go func() {
		ticker := time.NewTicker(time.Duration(d.cfg.Campaigns.TickerMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.campaigns.ProcessDay(ctx, time.Now()); err != nil {
					d.log.Error("campaign schedule tick failed", "error", err)
				}
			}
		}
	}()
}

func runServer(args []string) {
	serverFlags := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := serverFlags.String("config", "config.toml", "Path to config file")
	migrate := serverFlags.Bool("migrate", false, "Run database migrations")
	numWorkers := serverFlags.Int("workers", 1, "Embedded workers per lane (0 to disable)")
	_ = serverFlags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	lo := newLogger(cfg.App.Environment, "waveline")
	lo.Info("Starting Waveline server...", "version", Version)

	if cfg.App.Environment == "production" && cfg.Server.APIToken == "" {
		lo.Warn("API token is empty, the admin API is unauthenticated")
	}
	if cfg.WhatsApp.WebhookVerifyToken == "" {
		lo.Warn("Webhook verify token is empty, Meta verification will fail")
	}

	d, err := buildDeps(cfg, lo, *migrate)
	if err != nil {
		lo.Fatal("Failed to initialize", "error", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	d.startBackground(bgCtx)

	if *numWorkers > 0 {
		d.pool.Start(bgCtx, *numWorkers)
	} else {
		lo.Info("Embedded workers disabled, run workers separately")
	}

	g := fastglue.NewGlue()
	g.Before(middleware.RequestLogger(lo))
	g.Before(middleware.CORS(middleware.ParseAllowedOrigins(cfg.Server.AllowedOrigins)))
	g.Before(middleware.SecurityHeaders())
	g.Before(middleware.Recovery(lo))
	setupRoutes(g, d.app)

	server := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		Name:         "Waveline",
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		lo.Info("Server listening", "address", addr)
		if err := server.ListenAndServe(addr); err != nil {
			lo.Fatal("Server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lo.Info("Shutting down...")

	// Stop accepting requests first so no new work enters the queues from
	// this process, then drain the workers.
	if err := server.Shutdown(); err != nil {
		lo.Error("Server shutdown error", "error", err)
	}
	d.app.WaitForBackgroundTasks()

	bgCancel()
	if *numWorkers > 0 {
		if err := d.pool.Stop(30 * time.Second); err != nil {
			lo.Error("Worker shutdown error", "error", err)
		}
	}
	lo.Info("Server stopped")
}

func runWorker(args []string) {
	workerFlags := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := workerFlags.String("config", "config.toml", "Path to config file")
	numWorkers := workerFlags.Int("workers", 2, "Workers per lane")
	_ = workerFlags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	lo := newLogger(cfg.App.Environment, "waveline-worker")
	lo.Info("Starting Waveline worker...", "version", Version)

	d, err := buildDeps(cfg, lo, false)
	if err != nil {
		lo.Fatal("Failed to initialize", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Processors only. The scheduler ticker and sweeper run in the server
	// process; Receive redrives lazily so no background loop is needed here.
	d.pool.Start(ctx, *numWorkers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	lo.Info("Received shutdown signal", "signal", sig)

	cancel()
	if err := d.pool.Stop(30 * time.Second); err != nil {
		lo.Error("Worker shutdown error", "error", err)
	}
	lo.Info("Workers stopped")
}

func setupRoutes(g *fastglue.Fastglue, app *handlers.App) {
	// Health
	g.GET("/health", app.HealthCheck)
	g.GET("/ready", app.ReadyCheck)

	// Webhook (public - Meta authenticates with the verify token)
	g.GET("/api/webhook", app.WebhookVerify)
	g.POST("/api/webhook", app.WebhookReceive)

	// Everything else under /api is behind the static API token
	auth := middleware.APIToken(app.Config.Server.APIToken)
	g.Before(func(r *fastglue.Request) *fastglue.Request {
		path := string(r.RequestCtx.Path())
		if path == "/health" || path == "/ready" || path == "/api/webhook" {
			return r
		}
		if len(path) > 4 && path[:4] == "/api" {
			return auth(r)
		}
		return r
	})

	// Campaigns
	g.GET("/api/campaigns", app.ListCampaigns)
	g.POST("/api/campaigns", app.CreateCampaign)
	g.GET("/api/campaigns/{id}", app.GetCampaign)
	g.POST("/api/campaigns/{id}/recipients/import", app.ImportRecipients)
	g.POST("/api/campaigns/{id}/activate", app.ActivateCampaign)
	g.POST("/api/campaigns/{id}/pause", app.PauseCampaign)
	g.POST("/api/campaigns/{id}/resume", app.ResumeCampaign)
	g.POST("/api/campaigns/{id}/cancel", app.CancelCampaign)
	g.POST("/api/campaigns/process-daily", app.ProcessDailySchedules)

	// Workflow templates
	g.GET("/api/templates", app.ListTemplates)
	g.POST("/api/templates", app.CreateTemplate)
	g.GET("/api/templates/{id}", app.GetTemplate)
	g.PUT("/api/templates/{id}", app.UpdateTemplate)
	g.DELETE("/api/templates/{id}", app.DeleteTemplate)

	// Reply rules (compiled at startup; edits apply on restart)
	g.GET("/api/reply-rules", app.ListReplyRules)
	g.POST("/api/reply-rules", app.CreateReplyRule)
	g.PUT("/api/reply-rules/{id}", app.UpdateReplyRule)
	g.DELETE("/api/reply-rules/{id}", app.DeleteReplyRule)

	// Queue depths
	g.GET("/api/queues/stats", app.QueueStats)
}
