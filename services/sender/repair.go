package sender

import (
	"context"
	"encoding/json"
	"fmt"

	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/jobs"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (w *Worker) HandlePersistRepairTask(ctx context.Context, t *asynq.Task) error {
	var p jobs.RepairPayload
	if err := jobs.Decode(t, &p); err != nil {
		zap.L().Error("invalid persist repair task", zap.Error(err))
		return err
	}
	_, err := w.Repair(ctx, p)
	return err
}

// Repair replays a stored provider result set through the conditional update.
// It never calls the provider, so it can run any number of times; a replay
// after the first resolves nothing.
func (w *Worker) Repair(ctx context.Context, p jobs.RepairPayload) (campaign.Applied, error) {
	zapLog := zap.L().With(zap.String("repair_key", p.RepairKey))

	data, err := w.loadRepairData(ctx, p)
	if err != nil {
		zapLog.Error("failed to load repair payload", zap.Error(err))
		return campaign.Applied{}, err
	}
	if data == nil {
		zapLog.Warn("repair payload missing, nothing to replay")
		return campaign.Applied{}, nil
	}

	var applied campaign.Applied
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = campaign.ApplyResults(ctx, tx, w.ids, *data, w.now())
		return err
	})
	if err != nil {
		zapLog.Warn("repair write failed, will retry", zap.Error(err))
		return campaign.Applied{}, err
	}

	if err := w.store.Del(ctx, p.RepairKey); err != nil {
		zapLog.Warn("failed to delete repair payload", zap.Error(err))
	}

	zapLog.Info("provider results repaired",
		zap.String("campaign_id", data.CampaignID),
		zap.Int("sent", len(applied.Sent)),
		zap.Int("failed", len(applied.Failed)),
	)

	if applied.Total() > 0 {
		c, err := w.loadCampaign(ctx, data.CampaignID, data.ShopID)
		if err != nil {
			zapLog.Warn("failed to load campaign after repair", zap.Error(err))
			return applied, nil
		}
		w.afterPersist(ctx, c, applied)
	}
	return applied, nil
}

func (w *Worker) loadRepairData(ctx context.Context, p jobs.RepairPayload) (*jobs.RepairData, error) {
	raw, ok, err := w.store.Get(ctx, p.RepairKey)
	if err != nil {
		if p.Inline != nil {
			return p.Inline, nil
		}
		return nil, err
	}
	if !ok {
		return p.Inline, nil
	}

	var data jobs.RepairData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		if p.Inline != nil {
			return p.Inline, nil
		}
		return nil, fmt.Errorf("decode repair payload: %v: %w", err, asynq.SkipRetry)
	}
	return &data, nil
}
