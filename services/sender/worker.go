package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-messaging/pkg/config"
	"smallbiznis-messaging/pkg/gen"
	"smallbiznis-messaging/pkg/rediskey"
	"smallbiznis-messaging/pkg/task"
	"smallbiznis-messaging/pkg/taskname"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/credit"
	"smallbiznis-messaging/services/idempotency"
	"smallbiznis-messaging/services/jobs"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Aggregator recomputes campaign counters after a write.
type Aggregator interface {
	RefreshAggregates(ctx context.Context, campaignID string) error
}

type Settings struct {
	ClaimTTL          time.Duration
	SentMarkerTTL     time.Duration
	RepairTTL         time.Duration
	RateLimitCooldown time.Duration
	FollowUpDelays    []time.Duration
	// SettleTimeout bounds the post-provider writes, which run detached from
	// the job context.
	SettleTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		ClaimTTL:          15 * time.Minute,
		SentMarkerTTL:     30 * 24 * time.Hour,
		RepairTTL:         24 * time.Hour,
		RateLimitCooldown: 60 * time.Second,
		FollowUpDelays:    []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
		SettleTimeout:     30 * time.Second,
	}
}

// Worker runs the send, repair and delivery check tasks.
type Worker struct {
	db         *gorm.DB
	ids        gen.IDGenerator
	store      idempotency.Store
	enqueuer   task.Enqueuer
	provider   Provider
	builder    *Builder
	aggregates Aggregator
	credit     credit.Gate
	settings   Settings
	now        func() time.Time
}

type WorkerParams struct {
	fx.In

	DB         *gorm.DB
	IDs        gen.IDGenerator
	Store      idempotency.Store
	Enqueuer   task.Enqueuer
	Provider   Provider
	Builder    *Builder
	Aggregates Aggregator
	Credit     credit.Gate    `optional:"true"`
	Config     *config.Config `optional:"true"`
}

func NewWorker(p WorkerParams) *Worker {
	settings := DefaultSettings()
	if p.Config != nil {
		if v := p.Config.Campaign.ClaimTTL; v > 0 {
			settings.ClaimTTL = v
		}
		if v := p.Config.Campaign.SentMarkerTTL; v > 0 {
			settings.SentMarkerTTL = v
		}
		if v := p.Config.Campaign.RepairTTL; v > 0 {
			settings.RepairTTL = v
		}
	}

	builder := p.Builder
	if builder == nil {
		builder = NewBuilder(nil, nil)
	}

	return &Worker{
		db:         p.DB,
		ids:        p.IDs,
		store:      p.Store,
		enqueuer:   p.Enqueuer,
		provider:   p.Provider,
		builder:    builder,
		aggregates: p.Aggregates,
		credit:     p.Credit,
		settings:   settings,
		now:        time.Now,
	}
}

func (w *Worker) loadCampaign(ctx context.Context, campaignID, shopID string) (*campaign.Campaign, error) {
	var c campaign.Campaign
	q := w.db.WithContext(ctx).Where("id = ?", campaignID)
	if shopID != "" {
		q = q.Where("shop_id = ?", shopID)
	}
	if err := q.First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("campaign %s not found: %w", campaignID, asynq.SkipRetry)
		}
		return nil, err
	}
	return &c, nil
}

func (w *Worker) loadContacts(ctx context.Context, recipients []campaign.CampaignRecipient) map[string]*campaign.Contact {
	var ids []string
	for _, r := range recipients {
		if r.ContactID != nil {
			ids = append(ids, *r.ContactID)
		}
	}
	out := make(map[string]*campaign.Contact, len(ids))
	if len(ids) == 0 {
		return out
	}

	var contacts []campaign.Contact
	if err := w.db.WithContext(ctx).Where("id IN ?", ids).Find(&contacts).Error; err != nil {
		// personalization degrades to empty fields
		zap.L().Warn("failed to load contacts", zap.Error(err))
		return out
	}
	for i := range contacts {
		out[contacts[i].ID] = &contacts[i]
	}
	return out
}

func (w *Worker) message(ctx context.Context, c *campaign.Campaign, r campaign.CampaignRecipient, contacts map[string]*campaign.Contact) Message {
	var contact *campaign.Contact
	if r.ContactID != nil {
		contact = contacts[*r.ContactID]
	}
	return Message{
		RecipientID:    r.ID,
		Destination:    r.Phone,
		Text:           w.builder.Build(ctx, c, r, contact),
		IdempotencyKey: IdempotencyKey(c.ID, r.ID),
	}
}

func sentKey(campaignID, phone string) string {
	return rediskey.BuildSentKey(campaignID, idempotency.ShortHash(phone))
}

// dropMarkedSent removes recipients that already carry a sent marker. A store
// error keeps everyone; the database guard still holds.
func (w *Worker) dropMarkedSent(ctx context.Context, campaignID string, recipients []campaign.CampaignRecipient) []campaign.CampaignRecipient {
	keys := make([]string, 0, len(recipients))
	for _, r := range recipients {
		keys = append(keys, sentKey(campaignID, r.Phone))
	}

	marked, err := w.store.GetMany(ctx, keys)
	if err != nil {
		zap.L().Warn("sent marker lookup failed, relying on database guard",
			zap.String("campaign_id", campaignID), zap.Error(err))
		return recipients
	}

	out := recipients[:0:0]
	for _, r := range recipients {
		if _, ok := marked[sentKey(campaignID, r.Phone)]; ok {
			skippedRecipients.WithLabelValues("marked_sent").Inc()
			continue
		}
		out = append(out, r)
	}
	return out
}

// claim takes a send lease per recipient. A store error counts as acquired.
func (w *Worker) claim(ctx context.Context, campaignID, owner string, recipients []campaign.CampaignRecipient) []campaign.CampaignRecipient {
	out := recipients[:0:0]
	for _, r := range recipients {
		ok, err := w.store.SetNX(ctx, rediskey.BuildClaimKey(campaignID, r.ID), owner, w.settings.ClaimTTL)
		if err != nil {
			zap.L().Warn("claim store unavailable, proceeding unclaimed",
				zap.String("campaign_id", campaignID),
				zap.String("recipient_id", r.ID),
				zap.Error(err),
			)
			ok = true
		}
		if !ok {
			skippedRecipients.WithLabelValues("claimed").Inc()
			continue
		}
		out = append(out, r)
	}
	return out
}

func (w *Worker) releaseClaims(ctx context.Context, campaignID string, recipientIDs []string) {
	if len(recipientIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		keys = append(keys, rediskey.BuildClaimKey(campaignID, id))
	}
	if err := w.store.Del(ctx, keys...); err != nil {
		zap.L().Warn("failed to release claims",
			zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

// handleProviderError settles a failed provider call. Nothing was sent, so
// the job may run again: retryable errors leave the rows pending and are
// returned as is, rejections fail the rows and stop the retries.
func (w *Worker) handleProviderError(ctx context.Context, c *campaign.Campaign, recipientIDs []string, callErr error) error {
	zapLog := zap.L().With(
		zap.String("campaign_id", c.ID),
		zap.Int("recipients", len(recipientIDs)),
	)

	w.releaseClaims(ctx, c.ID, recipientIDs)

	if IsRateLimited(callErr) {
		if err := w.store.Set(ctx, rediskey.BuildRateLimitKey(c.ID), "1", w.settings.RateLimitCooldown); err != nil {
			zapLog.Warn("failed to set rate limit flag", zap.Error(err))
		}
	}

	if IsRetryable(callErr) {
		if err := campaign.NoteRetryableFailure(w.db.WithContext(ctx), c.ID, recipientIDs, callErr.Error()); err != nil {
			zapLog.Error("failed to record retryable failure", zap.Error(err))
		}
		zapLog.Warn("provider call failed, job will retry", zap.Error(callErr))
		return fmt.Errorf("provider call: %w", callErr)
	}

	now := w.now()
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range recipientIDs {
			if _, err := campaign.MarkRecipientFailed(tx, c.ID, id, callErr.Error(), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// rows stay pending; the retry finds them again
		zapLog.Error("failed to mark rejected recipients", zap.Error(err))
		return fmt.Errorf("mark rejected recipients: %w", err)
	}

	messagesTotal.WithLabelValues("failed").Add(float64(len(recipientIDs)))
	zapLog.Warn("provider rejected messages", zap.Error(callErr))
	w.refreshAggregates(ctx, c.ID)
	return fmt.Errorf("provider rejected messages: %v: %w", callErr, asynq.SkipRetry)
}

// UnconfirmedReason is the failure recorded for recipients of a call whose
// 2xx response could not be read.
const UnconfirmedReason = "provider response unreadable"

// settleUnconfirmed handles a 2xx the worker could not read. The provider may
// have sent the messages, so claims are kept, every recipient gets a sent
// marker and the rows are failed; nothing is retried.
func (w *Worker) settleUnconfirmed(ctx context.Context, c *campaign.Campaign, kind jobs.RepairKind, recipientIDs []string, phones map[string]string, callErr error) {
	zap.L().Error("provider accepted call but response was unreadable, failing recipients",
		zap.String("campaign_id", c.ID),
		zap.Int("recipients", len(recipientIDs)),
		zap.Error(callErr),
	)

	markerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.settings.SettleTimeout)
	results := make([]jobs.ProviderResult, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		phone := phones[id]
		if err := w.store.Set(markerCtx, sentKey(c.ID, phone), unconfirmedMarker, w.settings.SentMarkerTTL); err != nil {
			markerWriteFailures.Inc()
			zap.L().Error("failed to write sent marker",
				zap.String("campaign_id", c.ID),
				zap.String("recipient_id", id),
				zap.Error(err),
			)
		}
		results = append(results, jobs.ProviderResult{RecipientID: id, Phone: phone, Error: UnconfirmedReason})
	}
	cancel()

	data := jobs.RepairData{
		Kind:       kind,
		CampaignID: c.ID,
		ShopID:     c.ShopID,
		Results:    results,
		CreatedAt:  w.now(),
	}
	w.settle(ctx, c, data, bulkRepairKey(c.ID, "unconfirmed", recipientIDs))
}

// unconfirmedMarker stands in for a provider message id we never learned.
const unconfirmedMarker = "unconfirmed"

// settle records what the provider accepted. It never returns an error: the
// provider has been called, so the job must not run again.
func (w *Worker) settle(ctx context.Context, c *campaign.Campaign, data jobs.RepairData, repairKey string) {
	zapLog := zap.L().With(
		zap.String("campaign_id", c.ID),
		zap.String("bulk_id", data.BulkID),
		zap.String("kind", string(data.Kind)),
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.settings.SettleTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			zapLog.Error("panic after provider call, results may need repair",
				zap.Any("panic", r),
				zap.String("repair_key", repairKey),
			)
		}
	}()

	w.writeSentMarkers(ctx, c.ID, data.Results)

	var applied campaign.Applied
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = campaign.ApplyResults(ctx, tx, w.ids, data, w.now())
		return err
	})
	if err != nil {
		zapLog.Error("failed to persist provider results, scheduling repair", zap.Error(err))
		w.scheduleRepair(ctx, data, repairKey)
		return
	}

	w.afterPersist(ctx, c, applied)
}

func (w *Worker) writeSentMarkers(ctx context.Context, campaignID string, results []jobs.ProviderResult) {
	for _, r := range results {
		if !r.Sent || r.MessageID == "" {
			continue
		}
		if err := w.store.Set(ctx, sentKey(campaignID, r.Phone), r.MessageID, w.settings.SentMarkerTTL); err != nil {
			markerWriteFailures.Inc()
			zap.L().Error("failed to write sent marker",
				zap.String("campaign_id", campaignID),
				zap.String("recipient_id", r.RecipientID),
				zap.Error(err),
			)
		}
	}
}

// scheduleRepair stores data under key and enqueues the replay. When the
// store is down the data rides inline in the task.
func (w *Worker) scheduleRepair(ctx context.Context, data jobs.RepairData, key string) {
	zapLog := zap.L().With(
		zap.String("campaign_id", data.CampaignID),
		zap.String("repair_key", key),
	)

	payload := jobs.RepairPayload{RepairKey: key}
	raw, err := json.Marshal(data)
	if err == nil {
		err = w.store.Set(ctx, key, string(raw), w.settings.RepairTTL)
	}
	if err != nil {
		zapLog.Warn("failed to store repair payload, sending inline", zap.Error(err))
		payload.Inline = &data
	}

	t, err := jobs.NewTask(payload)
	if err == nil {
		_, err = w.enqueuer.Enqueue(ctx, t,
			asynq.TaskID(jobs.RepairTaskID(key)),
			asynq.MaxRetry(jobs.PersistRepairMaxRetry),
			asynq.Queue(taskname.QueueCritical),
		)
	}
	switch {
	case err == nil:
		repairsScheduled.Inc()
		zapLog.Info("persist repair scheduled")
	case task.IsDuplicate(err):
		zapLog.Info("persist repair already scheduled")
	default:
		zapLog.Error("failed to schedule persist repair, results need manual replay",
			zap.Error(err),
			zap.ByteString("results", raw),
		)
	}
}

// afterPersist runs the fire-and-log side effects of a successful write.
func (w *Worker) afterPersist(ctx context.Context, c *campaign.Campaign, applied campaign.Applied) {
	zapLog := zap.L().With(zap.String("campaign_id", c.ID))

	messagesTotal.WithLabelValues("sent").Add(float64(len(applied.Sent)))
	messagesTotal.WithLabelValues("failed").Add(float64(len(applied.Failed)))

	if len(applied.Failed) > 0 {
		zapLog.Warn("some messages in batch failed",
			zap.Int("sent", len(applied.Sent)),
			zap.Int("failed", len(applied.Failed)),
		)
	}

	if w.credit != nil && c.ReservationKey != "" && len(applied.Sent) > 0 {
		if err := w.credit.Consume(ctx, c.ReservationKey, int64(len(applied.Sent))); err != nil {
			zapLog.Warn("failed to consume reserved credits", zap.Error(err))
		}
	}

	w.refreshAggregates(ctx, c.ID)

	if len(applied.Sent) > 0 {
		w.scheduleDeliveryChecks(ctx, c)
	}
}

func (w *Worker) refreshAggregates(ctx context.Context, campaignID string) {
	if w.aggregates == nil {
		return
	}
	if err := w.aggregates.RefreshAggregates(ctx, campaignID); err != nil {
		zap.L().Warn("failed to refresh campaign aggregates",
			zap.String("campaign_id", campaignID), zap.Error(err))
	}
}
