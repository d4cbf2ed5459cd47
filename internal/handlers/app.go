// Package handlers implements the HTTP surface: the Meta webhook ingress and
// the admin API for campaigns, workflow templates, and reply rules.
package handlers

import (
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/wavelinehq/waveline/internal/campaign"
	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/conversation"
	"github.com/wavelinehq/waveline/internal/dedup"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/reply"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// App holds all dependencies for handlers
type App struct {
	Config        *config.Config
	DB            *gorm.DB
	Redis         *redis.Client
	Log           logf.Logger
	WhatsApp      *whatsapp.Client
	Queue         queue.Queue
	Dedup         dedup.Registry
	Conversations *conversation.Engine
	Replies       *reply.Engine
	Campaigns     *campaign.Scheduler

	// wg tracks background goroutines for graceful shutdown
	wg sync.WaitGroup
}

// WaitForBackgroundTasks blocks until all background goroutines complete.
// Call this during graceful shutdown to ensure all async work finishes.
func (a *App) WaitForBackgroundTasks() {
	a.wg.Wait()
}

// HealthCheck returns server health status
func (a *App) HealthCheck(r *fastglue.Request) error {
	return r.SendEnvelope(map[string]string{
		"status":  "ok",
		"service": "waveline",
	})
}

// ReadyCheck reports readiness: both the database and Redis must answer a ping
func (a *App) ReadyCheck(r *fastglue.Request) error {
	if !a.ready(r) {
		return r.SendErrorEnvelope(fasthttp.StatusServiceUnavailable, "Service not ready", nil, "")
	}
	return r.SendEnvelope(map[string]string{
		"status": "ready",
	})
}

// ready pings the database and Redis
func (a *App) ready(r *fastglue.Request) bool {
	sqlDB, err := a.DB.DB()
	if err != nil {
		a.Log.Error("database handle unavailable", "error", err)
		return false
	}
	if err := sqlDB.Ping(); err != nil {
		a.Log.Error("database ping failed", "error", err)
		return false
	}
	if err := a.Redis.Ping(r.RequestCtx).Err(); err != nil {
		a.Log.Error("redis ping failed", "error", err)
		return false
	}
	return true
}

// QueueStats reports depths for every lane
func (a *App) QueueStats(r *fastglue.Request) error {
	stats := make(map[string]*queue.LaneStats, len(queue.Lanes))
	for _, lane := range queue.Lanes {
		s, err := a.Queue.Attributes(r.RequestCtx, lane)
		if err != nil {
			a.Log.Error("failed to read lane stats", "lane", lane, "error", err)
			return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Failed to read queue stats", nil, "")
		}
		stats[string(lane)] = s
	}
	return r.SendEnvelope(stats)
}
