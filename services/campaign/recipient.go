package campaign

import (
	"context"
	"encoding/json"
	"time"

	"smallbiznis-messaging/pkg/gen"
	"smallbiznis-messaging/services/jobs"

	"gorm.io/gorm"
)

// unresolved is the guard every recipient writer must use: a row can be
// resolved once, by whoever gets there first.
const unresolved = "id = ? AND campaign_id = ? AND status = ? AND provider_message_id IS NULL"

// MarkRecipientSent resolves a pending recipient as sent. It reports false
// when another writer resolved the row first.
func MarkRecipientSent(tx *gorm.DB, campaignID string, r jobs.ProviderResult, bulkID string, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":              RecipientSent,
		"provider_message_id": r.MessageID,
		"delivery_status":     DeliveryQueued,
		"sent_at":             at,
		"error":               nil,
	}
	if bulkID != "" {
		updates["bulk_id"] = bulkID
	}

	res := tx.Model(&CampaignRecipient{}).
		Where(unresolved, r.RecipientID, campaignID, RecipientPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkRecipientFailed resolves a pending recipient as failed with reason.
func MarkRecipientFailed(tx *gorm.DB, campaignID, recipientID, reason string, at time.Time) (bool, error) {
	res := tx.Model(&CampaignRecipient{}).
		Where(unresolved, recipientID, campaignID, RecipientPending).
		Updates(map[string]interface{}{
			"status":      RecipientFailed,
			"error":       reason,
			"failed_at":   at,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// NoteRetryableFailure records an attempt that may be retried: the row stays
// pending, retry_count goes up and the last error is kept.
func NoteRetryableFailure(tx *gorm.DB, campaignID string, recipientIDs []string, reason string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	return tx.Model(&CampaignRecipient{}).
		Where("id IN ? AND campaign_id = ? AND status = ? AND provider_message_id IS NULL", recipientIDs, campaignID, RecipientPending).
		Updates(map[string]interface{}{
			"error":       reason,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

// Applied lists the recipients a write actually resolved.
type Applied struct {
	Sent   []string
	Failed []string
}

func (a Applied) Total() int { return len(a.Sent) + len(a.Failed) }

// ApplyResults writes provider results through the conditional update and
// adds a message log per newly resolved success. Run it inside a transaction.
func ApplyResults(ctx context.Context, tx *gorm.DB, ids gen.IDGenerator, data jobs.RepairData, at time.Time) (Applied, error) {
	var applied Applied
	tx = tx.WithContext(ctx)

	for _, r := range data.Results {
		if !r.Sent || r.MessageID == "" {
			reason := r.Error
			if reason == "" {
				reason = "rejected by provider"
			}
			ok, err := MarkRecipientFailed(tx, data.CampaignID, r.RecipientID, reason, at)
			if err != nil {
				return Applied{}, err
			}
			if ok {
				applied.Failed = append(applied.Failed, r.RecipientID)
			}
			continue
		}

		ok, err := MarkRecipientSent(tx, data.CampaignID, r, data.BulkID, at)
		if err != nil {
			return Applied{}, err
		}
		if !ok {
			continue
		}
		applied.Sent = append(applied.Sent, r.RecipientID)

		meta, _ := json.Marshal(map[string]string{
			"bulk_id": data.BulkID,
			"source":  string(data.Kind),
		})
		log := MessageLog{
			ID:                ids.NextID(),
			ShopID:            data.ShopID,
			CampaignID:        data.CampaignID,
			RecipientID:       r.RecipientID,
			Phone:             r.Phone,
			Direction:         "outbound",
			ProviderMessageID: r.MessageID,
			Status:            string(RecipientSent),
			Metadata:          meta,
		}
		if err := tx.Create(&log).Error; err != nil {
			return Applied{}, err
		}
	}

	return applied, nil
}
