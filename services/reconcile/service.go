package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"smallbiznis-messaging/pkg/config"
	"smallbiznis-messaging/pkg/errutil"
	"smallbiznis-messaging/pkg/rediskey"
	"smallbiznis-messaging/pkg/task"
	"smallbiznis-messaging/pkg/taskname"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/credit"
	"smallbiznis-messaging/services/idempotency"
	"smallbiznis-messaging/services/jobs"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Campaigns is the part of the campaign service the sweep drives.
type Campaigns interface {
	ScheduleBatches(ctx context.Context, c *campaign.Campaign, recipientIDs []string) (campaign.ScheduleResult, error)
	RefreshAggregates(ctx context.Context, campaignID string) error
}

type Outcome string

const (
	OutcomeFinalized   Outcome = "finalized"
	OutcomeRequeued    Outcome = "requeued"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeCoolingDown Outcome = "cooling_down"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeError       Outcome = "error"
)

type Result struct {
	CampaignID string                  `json:"campaign_id"`
	Outcome    Outcome                 `json:"outcome"`
	Status     campaign.CampaignStatus `json:"status"`
	Stats      campaign.Stats          `json:"stats"`
	Scheduled  int                     `json:"scheduled"`
	Duplicates int                     `json:"duplicates"`
	Reclaimed  int                     `json:"reclaimed"`
}

type Report struct {
	Campaigns           int      `json:"campaigns"`
	Finalized           int      `json:"finalized"`
	Requeued            int      `json:"requeued"`
	ExpiredReservations int64    `json:"expired_reservations"`
	Results             []Result `json:"results"`
}

type Settings struct {
	StaleAfter        time.Duration
	Cooldown          time.Duration
	ReservationMaxAge time.Duration
	Parallelism       int
}

func DefaultSettings() Settings {
	return Settings{
		StaleAfter:        15 * time.Minute,
		Cooldown:          180 * time.Second,
		ReservationMaxAge: 48 * time.Hour,
		Parallelism:       4,
	}
}

type Service struct {
	db        *gorm.DB
	store     idempotency.Store
	inspector task.Inspector
	campaigns Campaigns
	credit    credit.Gate
	settings  Settings
	now       func() time.Time
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Store     idempotency.Store
	Inspector task.Inspector
	Campaigns Campaigns
	Credit    credit.Gate    `optional:"true"`
	Config    *config.Config `optional:"true"`
}

func NewService(p Params) *Service {
	settings := DefaultSettings()
	if p.Config != nil {
		if v := p.Config.Reconcile.StaleAfter; v > 0 {
			settings.StaleAfter = v
		}
		if v := p.Config.Reconcile.Cooldown; v > 0 {
			settings.Cooldown = v
		}
		if v := p.Config.Reconcile.ReservationMaxAge; v > 0 {
			settings.ReservationMaxAge = v
		}
	}

	return &Service{
		db:        p.DB,
		store:     p.Store,
		inspector: p.Inspector,
		campaigns: p.Campaigns,
		credit:    p.Credit,
		settings:  settings,
		now:       time.Now,
	}
}

// Sweep reconciles every sending campaign that has not moved for StaleAfter
// and expires leaked credit reservations. A failing campaign does not stop
// the others.
func (s *Service) Sweep(ctx context.Context) (*Report, error) {
	ctx, span := otel.Tracer("smallbiznis-messaging/reconcile").Start(ctx, "reconcile.Sweep")
	defer span.End()

	start := s.now()
	cutoff := start.Add(-s.settings.StaleAfter)

	var stale []campaign.Campaign
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", campaign.StatusSending, cutoff).
		Order("updated_at").
		Find(&stale).Error; err != nil {
		return nil, err
	}

	results := make([]Result, len(stale))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.settings.Parallelism)
	for i := range stale {
		i := i
		g.Go(func() error {
			r, err := s.reconcile(gctx, &stale[i])
			if err != nil {
				zap.L().Error("[Reconcile] campaign failed",
					zap.String("campaign_id", stale[i].ID), zap.Error(err))
				r = Result{CampaignID: stale[i].ID, Outcome: OutcomeError, Status: stale[i].Status}
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Campaigns: len(stale), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeFinalized:
			report.Finalized++
		case OutcomeRequeued:
			report.Requeued++
		}
	}

	if s.credit != nil {
		expired, err := s.credit.ExpireStale(ctx, s.settings.ReservationMaxAge)
		if err != nil {
			zap.L().Error("[Reconcile] failed to expire credit reservations", zap.Error(err))
		}
		report.ExpiredReservations = expired
	}

	zap.L().Info("[Reconcile] sweep finished",
		zap.Int("campaigns", report.Campaigns),
		zap.Int("finalized", report.Finalized),
		zap.Int("requeued", report.Requeued),
		zap.Int64("expired_reservations", report.ExpiredReservations),
		zap.Duration("duration", time.Since(start)),
	)
	return report, nil
}

// ReconcileCampaign runs the same check for one sending campaign, regardless
// of how recently it moved.
func (s *Service) ReconcileCampaign(ctx context.Context, campaignID string) (*Result, error) {
	var c campaign.Campaign
	if err := s.db.WithContext(ctx).Where("id = ?", campaignID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("campaign not found", err)
		}
		return nil, err
	}
	if c.Status != campaign.StatusSending {
		return nil, errutil.InvalidStatus(fmt.Sprintf("campaign is %s, not sending", c.Status))
	}

	r, err := s.reconcile(ctx, &c)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Service) reconcile(ctx context.Context, c *campaign.Campaign) (Result, error) {
	zapLog := zap.L().With(zap.String("campaign_id", c.ID))

	stats, err := campaign.CountRecipients(ctx, s.db, c.ID)
	if err != nil {
		return Result{}, err
	}
	res := Result{CampaignID: c.ID, Status: c.Status, Stats: stats, Outcome: OutcomeUnchanged}

	if stats.Pending == 0 {
		return s.finalize(ctx, c, res)
	}

	inFlight, err := s.inspector.HasInflight(ctx, matchCampaign(c.ID))
	if err != nil {
		// unknown queue state: leave it for the next tick
		zapLog.Warn("[Reconcile] queue inspection failed", zap.Error(err))
		res.Outcome = OutcomeInFlight
		return res, nil
	}
	if inFlight {
		res.Outcome = OutcomeInFlight
		return res, nil
	}

	if s.coolingDown(ctx, c.ID) {
		res.Outcome = OutcomeCoolingDown
		return res, nil
	}

	pending, err := campaign.PendingRecipientIDs(ctx, s.db, c.ID)
	if err != nil {
		return res, err
	}

	sched, err := s.campaigns.ScheduleBatches(ctx, c, pending)
	if err != nil {
		return res, err
	}
	res.Outcome = OutcomeRequeued
	res.Scheduled = sched.Scheduled
	res.Duplicates = sched.Duplicates
	res.Reclaimed = sched.Reclaimed

	if err := s.store.Set(ctx, rediskey.BuildCooldownKey(c.ID), "1", s.settings.Cooldown); err != nil {
		zapLog.Warn("[Reconcile] failed to set cooldown", zap.Error(err))
	}

	zapLog.Info("[Reconcile] pending recipients re-enqueued",
		zap.Int64("pending", stats.Pending),
		zap.Int("scheduled", sched.Scheduled),
		zap.Int("duplicates", sched.Duplicates),
		zap.Int("reclaimed", sched.Reclaimed),
	)
	return res, nil
}

// finalize closes a campaign with nothing pending: failed when every
// recipient failed, completed otherwise.
func (s *Service) finalize(ctx context.Context, c *campaign.Campaign, res Result) (Result, error) {
	status := campaign.StatusCompleted
	if res.Stats.Total > 0 && res.Stats.Failed == res.Stats.Total {
		status = campaign.StatusFailed
	}

	now := s.now()
	upd := s.db.WithContext(ctx).
		Model(&campaign.Campaign{}).
		Where("id = ? AND status = ?", c.ID, campaign.StatusSending).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": now,
		})
	if upd.Error != nil {
		return res, upd.Error
	}
	if upd.RowsAffected == 0 {
		return res, nil
	}

	res.Outcome = OutcomeFinalized
	res.Status = status

	if err := s.campaigns.RefreshAggregates(ctx, c.ID); err != nil {
		zap.L().Warn("[Reconcile] failed to refresh aggregates", zap.String("campaign_id", c.ID), zap.Error(err))
	}

	if s.credit != nil && c.ReservationKey != "" {
		if err := s.credit.Release(ctx, c.ReservationKey, "campaign_"+string(status)); err != nil {
			zap.L().Warn("[Reconcile] failed to release credits", zap.String("campaign_id", c.ID), zap.Error(err))
		}
	}

	zap.L().Info("[Reconcile] campaign finalized",
		zap.String("campaign_id", c.ID),
		zap.String("status", string(status)),
		zap.Int64("sent", res.Stats.Sent),
		zap.Int64("failed", res.Stats.Failed),
	)
	return res, nil
}

// coolingDown is true while the reconcile cooldown or a provider rate limit
// flag is set. A store error counts as no flag.
func (s *Service) coolingDown(ctx context.Context, campaignID string) bool {
	flags, err := s.store.GetMany(ctx, []string{
		rediskey.BuildCooldownKey(campaignID),
		rediskey.BuildRateLimitKey(campaignID),
	})
	if err != nil {
		zap.L().Warn("[Reconcile] cooldown lookup failed", zap.String("campaign_id", campaignID), zap.Error(err))
		return false
	}
	return len(flags) > 0
}

// matchCampaign selects queued send and repair tasks of one campaign.
func matchCampaign(campaignID string) func(*asynq.TaskInfo) bool {
	batchPrefix := "campaign:" + campaignID + ":"
	repairPart := ":" + campaignID + ":"

	return func(info *asynq.TaskInfo) bool {
		switch info.Type {
		case taskname.CampaignBulkSend, taskname.CampaignSingleSend:
			if strings.HasPrefix(info.ID, batchPrefix) {
				return true
			}
			var p struct {
				CampaignID string `json:"campaign_id"`
			}
			return json.Unmarshal(info.Payload, &p) == nil && p.CampaignID == campaignID
		case taskname.CampaignPersistRepair:
			var p jobs.RepairPayload
			if json.Unmarshal(info.Payload, &p) != nil {
				return false
			}
			if p.Inline != nil && p.Inline.CampaignID == campaignID {
				return true
			}
			return strings.Contains(p.RepairKey, repairPart)
		default:
			return false
		}
	}
}
