package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"smallbiznis-messaging/pkg/config"
	"smallbiznis-messaging/pkg/errutil"
	"smallbiznis-messaging/pkg/gen"
	"smallbiznis-messaging/pkg/rediskey"
	"smallbiznis-messaging/pkg/task"
	"smallbiznis-messaging/services/credit"
	"smallbiznis-messaging/services/idempotency"
	"smallbiznis-messaging/services/jobs"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultBatchSize = 100

type Service struct {
	db        *gorm.DB
	ids       gen.IDGenerator
	enqueuer  task.Enqueuer
	inspector task.Inspector
	credit    credit.Gate
	batchSize int
	now       func() time.Time
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	IDs      gen.IDGenerator
	Enqueuer  task.Enqueuer
	Inspector task.Inspector `optional:"true"`
	Config    *config.Config `optional:"true"`
	Credit    credit.Gate    `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	batchSize := DefaultBatchSize
	if p.Config != nil && p.Config.Campaign.BatchSize > 0 {
		batchSize = p.Config.Campaign.BatchSize
	}

	return &Service{
		db:        p.DB,
		ids:       p.IDs,
		enqueuer:  p.Enqueuer,
		inspector: p.Inspector,
		credit:    p.Credit,
		batchSize: batchSize,
		now:       time.Now,
	}
}

type Target struct {
	ContactID string `json:"contact_id,omitempty"`
	Phone     string `json:"phone"`
}

type EnqueueRequest struct {
	CampaignID string   `json:"campaign_id"`
	ShopID     string   `json:"shop_id"`
	Targets    []Target `json:"targets"`
}

type EnqueueResult struct {
	Recipients int        `json:"recipients"`
	Inserted   int64      `json:"inserted"`
	Batches    int        `json:"batches"`
	Scheduled  int        `json:"scheduled"`
	Duplicates int        `json:"duplicates"`
	StartedAt  *time.Time `json:"started_at"`
}

// Enqueue moves a campaign into sending, records its recipients and schedules
// one bulk send task per batch. It is safe to call again with the same
// targets: recipients are unique per (campaign, phone) and batch task ids are
// derived from their content.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	zapLog := zap.L().With(
		zap.String("campaign_id", req.CampaignID),
		zap.String("shop_id", req.ShopID),
	)

	var c Campaign
	if err := s.db.WithContext(ctx).
		Where("id = ? AND shop_id = ?", req.CampaignID, req.ShopID).
		First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("campaign not found", err)
		}
		return nil, err
	}

	if !c.IsEnqueueable() {
		return nil, errutil.InvalidStatus(fmt.Sprintf("campaign cannot be sent from status %q", c.Status),
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(c.Status)}))
	}

	if strings.TrimSpace(c.Message) == "" {
		return nil, errutil.NoMessageText("campaign has no message text")
	}

	targets := normalizeTargets(req.Targets)
	if len(targets) == 0 {
		return nil, errutil.NoRecipients("campaign has no recipients")
	}

	// a resumed campaign keeps its hold, grown to cover the full audience
	reservationKey := rediskey.BuildReservationKey(c.ID)
	createdHold := false
	if s.credit != nil {
		_, created, err := s.credit.Reserve(ctx, c.ShopID, int64(len(targets)), reservationKey)
		if err != nil {
			zapLog.Warn("credit reservation refused", zap.Error(err))
			return nil, err
		}
		createdHold = created
	}

	now := s.now()
	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Campaign{}).
			Where("id = ? AND status IN ?", c.ID, EnqueueableStatuses).
			Updates(map[string]interface{}{
				"status":          StatusSending,
				"started_at":      gorm.Expr("COALESCE(started_at, ?)", now),
				"finished_at":     nil,
				"reservation_key": reservationKey,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.InvalidStatus("campaign status changed concurrently")
		}

		rows := make([]CampaignRecipient, 0, len(targets))
		for _, t := range targets {
			r := CampaignRecipient{
				ID:         s.ids.NextID(),
				CampaignID: c.ID,
				Phone:      t.Phone,
				Status:     RecipientPending,
			}
			if t.ContactID != "" {
				contactID := t.ContactID
				r.ContactID = &contactID
			}
			rows = append(rows, r)
		}

		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 500)
		if ins.Error != nil {
			return ins.Error
		}
		inserted = ins.RowsAffected
		return nil
	})
	if err != nil {
		// a hold that predates this call backs sends already queued
		if createdHold {
			if relErr := s.credit.Release(ctx, reservationKey, "enqueue_failed"); relErr != nil {
				zapLog.Error("failed to release credit reservation", zap.Error(relErr))
			}
		}
		return nil, err
	}

	if err := s.db.WithContext(ctx).Where("id = ?", c.ID).First(&c).Error; err != nil {
		return nil, err
	}

	pending, err := PendingRecipientIDs(ctx, s.db, c.ID)
	if err != nil {
		return nil, err
	}

	sched, err := s.ScheduleBatches(ctx, &c, pending)
	if err != nil {
		zapLog.Error("failed to schedule batches", zap.Error(err))
		return nil, err
	}

	if err := s.RefreshAggregates(ctx, c.ID); err != nil {
		zapLog.Warn("failed to refresh campaign aggregates", zap.Error(err))
	}

	zapLog.Info("campaign enqueued",
		zap.Int("recipients", len(targets)),
		zap.Int64("inserted", inserted),
		zap.Int("batches", sched.Batches),
		zap.Int("scheduled", sched.Scheduled),
		zap.Int("duplicates", sched.Duplicates),
	)

	return &EnqueueResult{
		Recipients: len(targets),
		Inserted:   inserted,
		Batches:    sched.Batches,
		Scheduled:  sched.Scheduled,
		Duplicates: sched.Duplicates,
		StartedAt:  c.StartedAt,
	}, nil
}

type ScheduleResult struct {
	Batches    int
	Scheduled  int
	Duplicates int
	// Reclaimed counts scheduled batches whose id was held by an archived or
	// completed task that had to be deleted first.
	Reclaimed int
	JobIDs    []string
}

// ScheduleBatches splits recipientIDs into fixed size batches and enqueues a
// bulk send task per batch under its deterministic id. A batch the queue
// still means to run counts as a duplicate, not an error. An id held by a
// dead task is freed and the batch enqueued again.
func (s *Service) ScheduleBatches(ctx context.Context, c *Campaign, recipientIDs []string) (ScheduleResult, error) {
	var out ScheduleResult
	queue := c.Queue()
	for _, batch := range Chunk(recipientIDs, s.batchSize) {
		jobID := BatchJobID(c.ID, batch)
		t, err := jobs.NewTask(jobs.BulkSendPayload{
			CampaignID:   c.ID,
			ShopID:       c.ShopID,
			RecipientIDs: batch,
		})
		if err != nil {
			return out, err
		}

		out.Batches++
		out.JobIDs = append(out.JobIDs, jobID)

		opts := []asynq.Option{
			asynq.TaskID(jobID),
			asynq.MaxRetry(jobs.BulkSendMaxRetry),
			asynq.Queue(queue),
		}
		_, err = s.enqueuer.Enqueue(ctx, t, opts...)
		if task.IsDuplicate(err) {
			freed, rerr := s.reclaimTaskID(ctx, queue, jobID)
			if rerr != nil {
				zap.L().Warn("failed to inspect held batch id",
					zap.String("campaign_id", c.ID), zap.String("job_id", jobID), zap.Error(rerr))
			}
			if freed {
				if _, err = s.enqueuer.Enqueue(ctx, t, opts...); err == nil {
					out.Reclaimed++
				}
			}
		}

		switch {
		case err == nil:
			out.Scheduled++
		case task.IsDuplicate(err):
			out.Duplicates++
		default:
			return out, fmt.Errorf("enqueue batch %s: %w", jobID, err)
		}
	}
	return out, nil
}

// reclaimTaskID deletes the task holding id when it is archived or completed
// and reports whether the id is free. A live holder is left alone.
func (s *Service) reclaimTaskID(ctx context.Context, queue, id string) (bool, error) {
	if s.inspector == nil {
		return false, nil
	}

	info, err := s.inspector.GetTaskInfo(ctx, queue, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return true, nil
		}
		return false, err
	}
	if !task.IsDead(info) {
		return false, nil
	}

	if err := s.inspector.DeleteTask(ctx, queue, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, err
	}

	zap.L().Info("freed batch id held by dead task",
		zap.String("job_id", id),
		zap.String("state", info.State.String()),
	)
	return true, nil
}

// BatchJobID is "campaign:{id}:batch:{hash}" over the sorted recipient ids.
func BatchJobID(campaignID string, recipientIDs []string) string {
	sorted := append([]string(nil), recipientIDs...)
	sort.Strings(sorted)
	return fmt.Sprintf("campaign:%s:batch:%s", campaignID, idempotency.ShortHash(campaignID, strings.Join(sorted, ",")))
}

// Chunk sorts ids and splits them into slices of at most size.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var out [][]string
	for start := 0; start < len(sorted); start += size {
		end := start + size
		if end > len(sorted) {
			end = len(sorted)
		}
		out = append(out, sorted[start:end])
	}
	return out
}

// ResolveAudience returns every consenting contact of the shop as targets.
func (s *Service) ResolveAudience(ctx context.Context, shopID string) ([]Target, error) {
	var contacts []Contact
	if err := s.db.WithContext(ctx).
		Where("shop_id = ? AND sms_consent = ?", shopID, true).
		Order("id").
		Find(&contacts).Error; err != nil {
		return nil, err
	}

	targets := make([]Target, 0, len(contacts))
	for _, c := range contacts {
		targets = append(targets, Target{ContactID: c.ID, Phone: c.Phone})
	}
	return targets, nil
}

func normalizeTargets(in []Target) []Target {
	seen := make(map[string]struct{}, len(in))
	out := make([]Target, 0, len(in))
	for _, t := range in {
		phone := NormalizePhone(t.Phone)
		if phone == "" {
			continue
		}
		if _, ok := seen[phone]; ok {
			continue
		}
		seen[phone] = struct{}{}
		out = append(out, Target{ContactID: strings.TrimSpace(t.ContactID), Phone: phone})
	}
	return out
}

// NormalizePhone strips formatting characters, keeping a leading "+".
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 || b.String() == "+" {
		return ""
	}
	return b.String()
}
