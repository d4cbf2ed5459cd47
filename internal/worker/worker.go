// Package worker runs the queue processors: incoming webhook messages,
// outgoing sends via the WhatsApp Cloud API, and the analytics drain. Each
// in-flight message is kept invisible by a heartbeat goroutine that is
// cancelled when its handler returns.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wavelinehq/waveline/internal/campaign"
	"github.com/wavelinehq/waveline/internal/config"
	"github.com/wavelinehq/waveline/internal/conversation"
	"github.com/wavelinehq/waveline/internal/dedup"
	"github.com/wavelinehq/waveline/internal/queue"
	"github.com/wavelinehq/waveline/internal/reply"
	"github.com/wavelinehq/waveline/pkg/whatsapp"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// Deps holds everything the worker pool needs
type Deps struct {
	Config        *config.Config
	DB            *gorm.DB
	Queue         queue.Queue
	Dedup         dedup.Registry
	WhatsApp      *whatsapp.Client
	Conversations *conversation.Engine
	Replies       *reply.Engine
	Campaigns     *campaign.Scheduler
	Log           logf.Logger
}

// Pool runs the lane processors
type Pool struct {
	cfg           *config.Config
	db            *gorm.DB
	q             queue.Queue
	registry      dedup.Registry
	wa            *whatsapp.Client
	conversations *conversation.Engine
	replies       *reply.Engine
	campaigns     *campaign.Scheduler
	log           logf.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a worker pool
func NewPool(d Deps) *Pool {
	return &Pool{
		cfg:           d.Config,
		db:            d.DB,
		q:             d.Queue,
		registry:      d.Dedup,
		wa:            d.WhatsApp,
		conversations: d.Conversations,
		replies:       d.Replies,
		campaigns:     d.Campaigns,
		log:           d.Log,
	}
}

// Start launches the processors: workers each for the incoming and outgoing
// lanes plus one analytics drain. workers <= 0 means NumCPU*2.
func (p *Pool) Start(ctx context.Context, workers int) {
	ctx, p.cancel = context.WithCancel(ctx)
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}

	for i := 0; i < workers; i++ {
		processorID := fmt.Sprintf("incoming-%d-%s", i, shortID())
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runIncoming(ctx, processorID)
		}()
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runOutgoing(ctx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runAnalytics(ctx)
	}()

	p.log.Info("worker pool started", "workers", workers)
}

// Stop cancels the processors and waits up to timeout for in-flight handlers
// to finish.
func (p *Pool) Stop(timeout time.Duration) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("worker pool stop timed out")
	}
}

// receive wraps Queue.Receive with the configured batch, wait, and visibility
func (p *Pool) receive(ctx context.Context, lane queue.Lane) ([]queue.Delivery, error) {
	return p.q.Receive(ctx, lane,
		p.cfg.Queue.BatchSize,
		time.Duration(p.cfg.Queue.WaitTimeSeconds)*time.Second,
		time.Duration(p.cfg.Queue.VisibilityTimeout)*time.Second,
	)
}

// heartbeat extends a message's visibility until its context is cancelled
func (p *Pool) heartbeat(ctx context.Context, lane queue.Lane, receiptHandle string) {
	interval := time.Duration(p.cfg.Queue.HeartbeatInterval) * time.Second
	extension := time.Duration(p.cfg.Queue.HeartbeatExtension) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.q.ExtendVisibility(ctx, lane, receiptHandle, extension); err != nil {
				p.log.Warn("heartbeat failed", "lane", lane, "receipt_handle", receiptHandle, "error", err)
			}
		}
	}
}

// startHeartbeat spawns a heartbeat goroutine and returns its cancel func.
// Callers must defer the cancel so the heartbeat never outlives the handler.
func (p *Pool) startHeartbeat(ctx context.Context, lane queue.Lane, receiptHandle string) context.CancelFunc {
	hbCtx, cancel := context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.heartbeat(hbCtx, lane, receiptHandle)
	}()
	return cancel
}

// emit publishes an analytics event; failures are logged, never fatal
func (p *Pool) emit(ctx context.Context, ev queue.AnalyticsEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if _, err := p.q.Send(ctx, queue.LaneAnalytics, ev, nil); err != nil {
		p.log.Warn("failed to emit analytics event", "event", ev.Event, "error", err)
	}
}

func shortID() string {
	return uuid.NewString()[:8]
}
