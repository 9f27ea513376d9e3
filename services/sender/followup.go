package sender

import (
	"context"
	"fmt"
	"time"

	"smallbiznis-messaging/pkg/task"
	"smallbiznis-messaging/pkg/taskname"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/jobs"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const deliveryCheckPageSize = 500

// scheduleDeliveryChecks enqueues the delayed report checks. Batches that
// finish within the same delay window share one check.
func (w *Worker) scheduleDeliveryChecks(ctx context.Context, c *campaign.Campaign) {
	now := w.now()
	for _, delay := range w.settings.FollowUpDelays {
		t, err := jobs.NewTask(jobs.DeliveryCheckPayload{
			CampaignID: c.ID,
			ShopID:     c.ShopID,
			Delay:      delay.String(),
		})
		if err != nil {
			zap.L().Warn("failed to build delivery check", zap.Error(err))
			continue
		}

		id := fmt.Sprintf("delivery:%s:%s:%d", c.ID, delay, now.Truncate(delay).Unix())
		_, err = w.enqueuer.Enqueue(ctx, t,
			asynq.TaskID(id),
			asynq.ProcessIn(delay),
			asynq.MaxRetry(jobs.DeliveryCheckMaxRetry),
			asynq.Queue(taskname.QueueLow),
		)
		if err != nil && !task.IsDuplicate(err) {
			zap.L().Warn("failed to schedule delivery check",
				zap.String("campaign_id", c.ID),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
	}
}

func (w *Worker) HandleDeliveryCheckTask(ctx context.Context, t *asynq.Task) error {
	var p jobs.DeliveryCheckPayload
	if err := jobs.Decode(t, &p); err != nil {
		zap.L().Error("invalid delivery check task", zap.Error(err))
		return err
	}
	_, err := w.CheckDelivery(ctx, p)
	return err
}

// CheckDelivery pulls delivery reports for messages still queued at the
// provider, when the provider can be polled, and refreshes the counters.
func (w *Worker) CheckDelivery(ctx context.Context, p jobs.DeliveryCheckPayload) (int, error) {
	defer w.refreshAggregates(ctx, p.CampaignID)

	checker, ok := w.provider.(StatusChecker)
	if !ok {
		return 0, nil
	}

	var rows []campaign.CampaignRecipient
	if err := w.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ? AND delivery_status = ? AND provider_message_id IS NOT NULL",
			p.CampaignID, campaign.RecipientSent, campaign.DeliveryQueued).
		Order("id").
		Limit(deliveryCheckPageSize).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, *r.ProviderMessageID)
	}

	statuses, err := checker.DeliveryStatuses(ctx, ids)
	if err != nil {
		zap.L().Warn("delivery status lookup failed",
			zap.String("campaign_id", p.CampaignID), zap.Error(err))
		return 0, err
	}

	updated, err := ApplyDeliveryStatuses(ctx, w.db, statuses, w.now())
	if err != nil {
		return 0, err
	}

	zap.L().Info("delivery statuses updated",
		zap.String("campaign_id", p.CampaignID),
		zap.String("delay", p.Delay),
		zap.Int("checked", len(ids)),
		zap.Int("updated", updated),
	)
	return updated, nil
}

// ApplyDeliveryStatuses writes report statuses keyed by provider message id.
// Failure statuses also stamp failed_at.
func ApplyDeliveryStatuses(ctx context.Context, db *gorm.DB, statuses map[string]string, at time.Time) (int, error) {
	updated := 0
	for messageID, status := range statuses {
		if status == "" || status == campaign.DeliveryQueued {
			continue
		}
		updates := map[string]interface{}{"delivery_status": status}
		if isDeliveryFailure(status) {
			updates["failed_at"] = at
		}
		res := db.WithContext(ctx).
			Model(&campaign.CampaignRecipient{}).
			Where("provider_message_id = ?", messageID).
			Updates(updates)
		if res.Error != nil {
			return updated, res.Error
		}
		updated += int(res.RowsAffected)
	}
	return updated, nil
}

func isDeliveryFailure(status string) bool {
	for _, s := range campaign.DeliveryFailedStatuses {
		if s == status {
			return true
		}
	}
	return false
}
