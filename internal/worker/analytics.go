package worker

import (
	"context"
	"time"

	"github.com/wavelinehq/waveline/internal/models"
	"github.com/wavelinehq/waveline/internal/queue"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// runAnalytics drains the analytics lane into daily metric counters.
// Analytics is best effort: events that cannot be recorded are dropped, not
// retried, so they never clog the lane.
func (p *Pool) runAnalytics(ctx context.Context) {
	for {
		deliveries, err := p.receive(ctx, queue.LaneAnalytics)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("analytics receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for i := range deliveries {
			if ctx.Err() != nil {
				return
			}
			p.handleAnalytics(ctx, &deliveries[i])
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pool) handleAnalytics(ctx context.Context, d *queue.Delivery) {
	var ev queue.AnalyticsEvent
	if err := d.Decode(&ev); err != nil {
		p.log.Error("undecodable analytics event", "id", d.ID, "error", err)
	} else if err := p.recordEvent(&ev); err != nil {
		p.log.Error("failed to record analytics event", "event", ev.Event, "error", err)
	}

	if err := p.q.Delete(ctx, queue.LaneAnalytics, d.ReceiptHandle); err != nil {
		p.log.Error("failed to delete analytics envelope", "id", d.ID, "error", err)
	}
}

// recordEvent upserts the per-day counter for an event
func (p *Pool) recordEvent(ev *queue.AnalyticsEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	y, m, day := at.UTC().Date()

	metric := models.DailyMetric{
		Date:   time.Date(y, m, day, 0, 0, 0, 0, time.UTC),
		Metric: ev.Event,
		Count:  1,
	}
	return p.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}, {Name: "metric"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count":      gorm.Expr("count + 1"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&metric).Error
}
