package sender

import (
	"context"
	"sort"
	"strings"

	"smallbiznis-messaging/pkg/rediskey"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/idempotency"
	"smallbiznis-messaging/services/jobs"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func (w *Worker) HandleBulkSendTask(ctx context.Context, t *asynq.Task) error {
	var p jobs.BulkSendPayload
	if err := jobs.Decode(t, &p); err != nil {
		zap.L().Error("invalid bulk send task", zap.Error(err))
		return err
	}
	return w.SendBatch(ctx, p)
}

// SendBatch sends one batch of a campaign. The provider is called at most once
// per run, and only for recipients that are still pending, carry no sent
// marker and whose claim this run acquired. An error is only returned before
// the provider call.
func (w *Worker) SendBatch(ctx context.Context, p jobs.BulkSendPayload) error {
	ctx, span := tracer.Start(ctx, "sender.SendBatch", trace.WithAttributes(
		attribute.String("campaign_id", p.CampaignID),
		attribute.Int("batch_size", len(p.RecipientIDs)),
	))
	defer span.End()

	zapLog := zap.L().With(
		zap.String("campaign_id", p.CampaignID),
		zap.Int("batch_size", len(p.RecipientIDs)),
	)
	if jobID, ok := asynq.GetTaskID(ctx); ok {
		zapLog = zapLog.With(zap.String("job_id", jobID))
	}

	if len(p.RecipientIDs) == 0 {
		return nil
	}

	c, err := w.loadCampaign(ctx, p.CampaignID, p.ShopID)
	if err != nil {
		zapLog.Error("failed to load campaign", zap.Error(err))
		return err
	}

	pending, err := w.pendingRecipients(ctx, c.ID, p.RecipientIDs)
	if err != nil {
		zapLog.Error("failed to fetch pending recipients", zap.Error(err))
		return err
	}
	if len(pending) == 0 {
		zapLog.Info("batch already resolved")
		return nil
	}

	pending = w.dropMarkedSent(ctx, c.ID, pending)
	if len(pending) == 0 {
		zapLog.Info("batch already sent, awaiting persistence")
		return nil
	}

	owner := w.ids.NextID()
	claimed := w.claim(ctx, c.ID, owner, pending)
	if len(claimed) == 0 {
		zapLog.Info("batch claimed by another worker")
		return nil
	}

	contacts := w.loadContacts(ctx, claimed)
	messages := make(map[string]Message, len(claimed))
	claimedIDs := make([]string, 0, len(claimed))
	for _, r := range claimed {
		messages[r.ID] = w.message(ctx, c, r, contacts)
		claimedIDs = append(claimedIDs, r.ID)
	}

	still, err := w.pendingRecipients(ctx, c.ID, claimedIDs)
	if err != nil {
		w.releaseClaims(ctx, c.ID, claimedIDs)
		zapLog.Error("failed to re-check pending recipients", zap.Error(err))
		return err
	}

	stillPending := make(map[string]struct{}, len(still))
	for _, r := range still {
		stillPending[r.ID] = struct{}{}
	}

	var (
		batch   []Message
		sendIDs []string
		dropped []string
		phones  = make(map[string]string, len(still))
	)
	for _, r := range claimed {
		if _, ok := stillPending[r.ID]; !ok {
			dropped = append(dropped, r.ID)
			continue
		}
		batch = append(batch, messages[r.ID])
		sendIDs = append(sendIDs, r.ID)
		phones[r.ID] = r.Phone
	}
	w.releaseClaims(ctx, c.ID, dropped)
	if len(batch) == 0 {
		zapLog.Info("batch resolved concurrently")
		return nil
	}

	resp, err := w.provider.SendBulk(ctx, batch)
	providerCalls.WithLabelValues("bulk", providerOutcome(err)).Inc()
	if IsUnconfirmed(err) {
		w.settleUnconfirmed(ctx, c, jobs.RepairBulk, sendIDs, phones, err)
		return nil
	}
	if err != nil {
		return w.handleProviderError(ctx, c, sendIDs, err)
	}

	data := jobs.RepairData{
		Kind:       jobs.RepairBulk,
		CampaignID: c.ID,
		ShopID:     c.ShopID,
		BulkID:     resp.BulkID,
		Results:    completeResults(resp.Results, sendIDs, phones),
		CreatedAt:  w.now(),
	}
	w.settle(ctx, c, data, bulkRepairKey(c.ID, resp.BulkID, sendIDs))

	zapLog.Info("batch sent",
		zap.String("bulk_id", resp.BulkID),
		zap.Int("sent_to_provider", len(batch)),
		zap.Int("dropped", len(dropped)),
	)
	return nil
}

func (w *Worker) pendingRecipients(ctx context.Context, campaignID string, ids []string) ([]campaign.CampaignRecipient, error) {
	var rows []campaign.CampaignRecipient
	err := w.db.WithContext(ctx).
		Where("id IN ? AND campaign_id = ? AND status = ? AND provider_message_id IS NULL",
			ids, campaignID, campaign.RecipientPending).
		Order("id").
		Find(&rows).Error
	return rows, err
}

// completeResults keeps provider results for recipients of this call, fills
// in phones and reports a recipient the provider left out as failed.
func completeResults(results []jobs.ProviderResult, sentIDs []string, phones map[string]string) []jobs.ProviderResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]jobs.ProviderResult, 0, len(sentIDs))
	for _, r := range results {
		phone, ok := phones[r.RecipientID]
		if !ok {
			continue
		}
		if _, dup := seen[r.RecipientID]; dup {
			continue
		}
		seen[r.RecipientID] = struct{}{}
		r.Phone = phone
		out = append(out, r)
	}
	for _, id := range sentIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		out = append(out, jobs.ProviderResult{
			RecipientID: id,
			Phone:       phones[id],
			Error:       "no result returned by provider",
		})
	}
	return out
}

func bulkRepairKey(campaignID, bulkID string, recipientIDs []string) string {
	sorted := append([]string(nil), recipientIDs...)
	sort.Strings(sorted)
	return rediskey.BuildBulkRepairKey(campaignID, idempotency.ShortHash(bulkID, strings.Join(sorted, ",")))
}
