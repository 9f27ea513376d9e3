package campaign

import (
	"context"
	"errors"

	"smallbiznis-messaging/pkg/db/pagination"
	"smallbiznis-messaging/pkg/errutil"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Stats is campaign progress recomputed from recipient rows.
type Stats struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

func CountRecipients(ctx context.Context, db *gorm.DB, campaignID string) (Stats, error) {
	var rows []struct {
		Status RecipientStatus
		Count  int64
	}
	if err := db.WithContext(ctx).
		Model(&CampaignRecipient{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return Stats{}, err
	}

	var s Stats
	for _, row := range rows {
		s.Total += row.Count
		switch row.Status {
		case RecipientPending:
			s.Pending += row.Count
		case RecipientSent:
			s.Sent += row.Count
		case RecipientFailed:
			s.Failed += row.Count
		}
	}
	return s, nil
}

// PendingRecipientIDs lists unresolved recipients in id order.
func PendingRecipientIDs(ctx context.Context, db *gorm.DB, campaignID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&CampaignRecipient{}).
		Where("campaign_id = ? AND status = ? AND provider_message_id IS NULL", campaignID, RecipientPending).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// RefreshAggregates recomputes the campaign counters. FailedCount tracks
// delivery report failures; send-time rejections show up in ProcessedCount.
func (s *Service) RefreshAggregates(ctx context.Context, campaignID string) error {
	stats, err := CountRecipients(ctx, s.db, campaignID)
	if err != nil {
		return err
	}

	var deliveryFailed int64
	if err := s.db.WithContext(ctx).
		Model(&CampaignRecipient{}).
		Where("campaign_id = ? AND delivery_status IN ?", campaignID, DeliveryFailedStatuses).
		Count(&deliveryFailed).Error; err != nil {
		return err
	}

	err = s.db.WithContext(ctx).
		Model(&Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"total_recipients": stats.Total,
			"sent_count":       stats.Sent,
			"failed_count":     deliveryFailed,
			"processed_count":  stats.Sent + stats.Failed,
		}).Error
	if err != nil {
		return err
	}

	zap.L().Debug("campaign aggregates refreshed",
		zap.String("campaign_id", campaignID),
		zap.Int64("total", stats.Total),
		zap.Int64("sent", stats.Sent),
		zap.Int64("pending", stats.Pending),
	)
	return nil
}

// RecipientPage is one keyset page of a campaign's recipients.
type RecipientPage struct {
	Recipients []CampaignRecipient  `json:"recipients"`
	PageInfo   *pagination.PageInfo `json:"page_info"`
}

// ListRecipients pages through recipients in id order, optionally filtered by
// status.
func ListRecipients(ctx context.Context, db *gorm.DB, campaignID string, status RecipientStatus, page pagination.Pagination) (*RecipientPage, error) {
	page = page.Normalize()

	q := db.WithContext(ctx).Where("campaign_id = ?", campaignID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		q = q.Where("id > ?", cursor.ID)
	}

	var rows []CampaignRecipient
	if err := q.Order("id").Limit(page.Limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}

	rows, info, err := pagination.BuildCursorPageInfo(rows, page.Limit, func(r CampaignRecipient) pagination.Cursor {
		return pagination.Cursor{ID: r.ID}
	})
	if err != nil {
		return nil, err
	}
	return &RecipientPage{Recipients: rows, PageInfo: info}, nil
}

// Progress is the campaign row with counts recomputed from its recipients.
type Progress struct {
	Campaign *Campaign `json:"campaign"`
	Stats    Stats     `json:"stats"`
}

func (s *Service) Progress(ctx context.Context, campaignID string) (*Progress, error) {
	var c Campaign
	if err := s.db.WithContext(ctx).Where("id = ?", campaignID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("campaign not found", err)
		}
		return nil, err
	}

	stats, err := CountRecipients(ctx, s.db, campaignID)
	if err != nil {
		return nil, err
	}
	return &Progress{Campaign: &c, Stats: stats}, nil
}
