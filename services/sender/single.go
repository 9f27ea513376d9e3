package sender

import (
	"context"
	"errors"
	"fmt"

	"smallbiznis-messaging/pkg/rediskey"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/jobs"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (w *Worker) HandleSingleSendTask(ctx context.Context, t *asynq.Task) error {
	var p jobs.SingleSendPayload
	if err := jobs.Decode(t, &p); err != nil {
		zap.L().Error("invalid single send task", zap.Error(err))
		return err
	}
	return w.SendSingle(ctx, p)
}

// SendSingle sends one campaign message with the same guards as SendBatch.
func (w *Worker) SendSingle(ctx context.Context, p jobs.SingleSendPayload) error {
	zapLog := zap.L().With(
		zap.String("campaign_id", p.CampaignID),
		zap.String("recipient_id", p.RecipientID),
	)

	var r campaign.CampaignRecipient
	if err := w.db.WithContext(ctx).
		Where("id = ? AND campaign_id = ?", p.RecipientID, p.CampaignID).
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			zapLog.Warn("recipient not found")
			return fmt.Errorf("recipient %s not found: %w", p.RecipientID, asynq.SkipRetry)
		}
		return err
	}
	if r.ProviderMessageID != nil || r.Status != campaign.RecipientPending {
		zapLog.Info("recipient already resolved", zap.String("status", string(r.Status)))
		return nil
	}

	c, err := w.loadCampaign(ctx, p.CampaignID, p.ShopID)
	if err != nil {
		zapLog.Error("failed to load campaign", zap.Error(err))
		return err
	}

	remaining := w.dropMarkedSent(ctx, c.ID, []campaign.CampaignRecipient{r})
	if len(remaining) == 0 {
		zapLog.Info("recipient already sent, awaiting persistence")
		return nil
	}

	if claimed := w.claim(ctx, c.ID, w.ids.NextID(), remaining); len(claimed) == 0 {
		zapLog.Info("recipient claimed by another worker")
		return nil
	}

	msg := w.message(ctx, c, r, w.loadContacts(ctx, remaining))

	still, err := w.pendingRecipients(ctx, c.ID, []string{r.ID})
	if err != nil {
		w.releaseClaims(ctx, c.ID, []string{r.ID})
		return err
	}
	if len(still) == 0 {
		w.releaseClaims(ctx, c.ID, []string{r.ID})
		zapLog.Info("recipient resolved concurrently")
		return nil
	}

	resp, err := w.provider.Send(ctx, msg)
	providerCalls.WithLabelValues("single", providerOutcome(err)).Inc()
	if IsUnconfirmed(err) {
		w.settleUnconfirmed(ctx, c, jobs.RepairSingle, []string{r.ID}, map[string]string{r.ID: r.Phone}, err)
		return nil
	}
	if err != nil {
		return w.handleProviderError(ctx, c, []string{r.ID}, err)
	}

	data := jobs.RepairData{
		Kind:       jobs.RepairSingle,
		CampaignID: c.ID,
		ShopID:     c.ShopID,
		Results: []jobs.ProviderResult{{
			RecipientID: r.ID,
			Phone:       r.Phone,
			Sent:        true,
			MessageID:   resp.MessageID,
		}},
		CreatedAt: w.now(),
	}
	w.settle(ctx, c, data, rediskey.BuildSingleRepairKey(c.ID, r.ID))

	zapLog.Info("message sent", zap.String("message_id", resp.MessageID))
	return nil
}
