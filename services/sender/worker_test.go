package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-messaging/pkg/rediskey"
	"smallbiznis-messaging/pkg/taskname"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/credit"
	"smallbiznis-messaging/services/jobs"
	"smallbiznis-messaging/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	sent  []Message

	SendBulkFn func(ctx context.Context, messages []Message) (*BulkResponse, error)
	SendFn     func(ctx context.Context, message Message) (*SendResponse, error)
}

func acceptAll(messages []Message) *BulkResponse {
	resp := &BulkResponse{BulkID: "bulk-1"}
	for _, m := range messages {
		resp.Results = append(resp.Results, jobs.ProviderResult{
			RecipientID: m.RecipientID,
			Sent:        true,
			MessageID:   "msg-" + m.RecipientID,
		})
	}
	return resp
}

func (p *fakeProvider) SendBulk(ctx context.Context, messages []Message) (*BulkResponse, error) {
	p.mu.Lock()
	p.calls++
	p.sent = append(p.sent, messages...)
	fn := p.SendBulkFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, messages)
	}
	return acceptAll(messages), nil
}

func (p *fakeProvider) Send(ctx context.Context, message Message) (*SendResponse, error) {
	p.mu.Lock()
	p.calls++
	p.sent = append(p.sent, message)
	fn := p.SendFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, message)
	}
	return &SendResponse{MessageID: "msg-" + message.RecipientID}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}

type statusProvider struct {
	*fakeProvider
	statuses map[string]string
}

func (p *statusProvider) DeliveryStatuses(ctx context.Context, messageIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range messageIDs {
		if s, ok := p.statuses[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

type workerFixture struct {
	db        *gorm.DB
	store     *testutil.MemoryStore
	queue     *testutil.RecordingEnqueuer
	provider  *fakeProvider
	campaigns *campaign.Service
	credit    *credit.Service
	worker    *Worker

	// failWrites makes every UPDATE fail, as if the database went away.
	failWrites atomic.Bool
}

func newWorkerFixture(t *testing.T, recipients int) (*workerFixture, []string) {
	t.Helper()

	models := append(campaign.Models(), &credit.Wallet{}, &credit.Reservation{}, &ShortLink{})
	db := testutil.NewTestDB(t, models...)

	f := &workerFixture{
		db:       db,
		store:    testutil.NewMemoryStore(),
		queue:    testutil.NewRecordingEnqueuer(),
		provider: &fakeProvider{},
	}

	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:fail_writes", func(tx *gorm.DB) {
		if f.failWrites.Load() {
			_ = tx.AddError(errors.New("database unavailable"))
		}
	}))

	ctx := context.Background()
	require.NoError(t, db.Create(&credit.Wallet{ShopID: "shop-1", Balance: 1000, SubscriptionActive: true}).Error)
	f.credit = credit.NewService(db, testutil.NewSequentialIDs("res"))
	_, _, err := f.credit.Reserve(ctx, "shop-1", int64(recipients), "campaign:cmp-1")
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, db.Create(&campaign.Campaign{
		ID:             "cmp-1",
		ShopID:         "shop-1",
		Name:           "Spring sale",
		Message:        "Hi {{first_name}}, use {{discount_code}}",
		DiscountCode:   "SPRING",
		Status:         campaign.StatusSending,
		ReservationKey: "campaign:cmp-1",
		StartedAt:      &now,
	}).Error)

	ids := make([]string, 0, recipients)
	for i := 1; i <= recipients; i++ {
		r := campaign.CampaignRecipient{
			ID:         fmt.Sprintf("rcp-%02d", i),
			CampaignID: "cmp-1",
			Phone:      fmt.Sprintf("+30690000%04d", i),
			Status:     campaign.RecipientPending,
		}
		require.NoError(t, db.Create(&r).Error)
		ids = append(ids, r.ID)
	}

	f.campaigns = campaign.NewService(campaign.ServiceParams{
		DB:       db,
		IDs:      testutil.NewSequentialIDs("r"),
		Enqueuer: f.queue,
		Credit:   f.credit,
	})
	f.worker = f.newWorker(f.provider)
	return f, ids
}

func (f *workerFixture) newWorker(p Provider) *Worker {
	return NewWorker(WorkerParams{
		DB:         f.db,
		IDs:        testutil.NewSequentialIDs("w"),
		Store:      f.store,
		Enqueuer:   f.queue,
		Provider:   p,
		Builder:    NewBuilder(nil, nil),
		Aggregates: f.campaigns,
		Credit:     f.credit,
	})
}

func (f *workerFixture) recipients(t *testing.T) []campaign.CampaignRecipient {
	t.Helper()
	var rows []campaign.CampaignRecipient
	require.NoError(t, f.db.Where("campaign_id = ?", "cmp-1").Order("id").Find(&rows).Error)
	return rows
}

func (f *workerFixture) loadCampaign(t *testing.T) campaign.Campaign {
	t.Helper()
	var c campaign.Campaign
	require.NoError(t, f.db.Where("id = ?", "cmp-1").First(&c).Error)
	return c
}

func (f *workerFixture) reservation(t *testing.T) credit.Reservation {
	t.Helper()
	var r credit.Reservation
	require.NoError(t, f.db.Where("reservation_key = ?", "campaign:cmp-1").First(&r).Error)
	return r
}

func batchOf(ids []string) jobs.BulkSendPayload {
	return jobs.BulkSendPayload{CampaignID: "cmp-1", ShopID: "shop-1", RecipientIDs: ids}
}

func TestSendBatchMixedOutcome(t *testing.T) {
	f, ids := newWorkerFixture(t, 3)
	f.provider.SendBulkFn = func(ctx context.Context, messages []Message) (*BulkResponse, error) {
		return &BulkResponse{BulkID: "bulk-7", Results: []jobs.ProviderResult{
			{RecipientID: messages[0].RecipientID, Sent: true, MessageID: "m-1"},
			{RecipientID: messages[1].RecipientID, Sent: true, MessageID: "m-2"},
			{RecipientID: messages[2].RecipientID, Sent: false, Error: "invalid destination"},
		}}, nil
	}

	require.NoError(t, f.worker.SendBatch(context.Background(), batchOf(ids)))
	require.Equal(t, 1, f.provider.Calls())

	sent := f.provider.Sent()
	require.Len(t, sent, 3)
	require.Equal(t, "Hi , use SPRING", sent[0].Text)
	require.Equal(t, IdempotencyKey("cmp-1", ids[0]), sent[0].IdempotencyKey)

	rows := f.recipients(t)
	require.Equal(t, campaign.RecipientSent, rows[0].Status)
	require.Equal(t, "m-1", *rows[0].ProviderMessageID)
	require.Equal(t, "bulk-7", *rows[0].BulkID)
	require.Equal(t, campaign.RecipientSent, rows[1].Status)
	require.Equal(t, "m-2", *rows[1].ProviderMessageID)
	require.Equal(t, campaign.RecipientFailed, rows[2].Status)
	require.Equal(t, "invalid destination", *rows[2].Error)
	require.Nil(t, rows[2].ProviderMessageID)

	c := f.loadCampaign(t)
	require.Equal(t, int64(3), c.TotalRecipients)
	require.Equal(t, int64(2), c.SentCount)
	require.Equal(t, int64(0), c.FailedCount)
	require.Equal(t, int64(3), c.ProcessedCount)

	require.True(t, f.store.Has(sentKey("cmp-1", rows[0].Phone)))
	require.True(t, f.store.Has(sentKey("cmp-1", rows[1].Phone)))
	require.False(t, f.store.Has(sentKey("cmp-1", rows[2].Phone)))
	require.Equal(t, 30*24*time.Hour, f.store.TTL(sentKey("cmp-1", rows[0].Phone)))

	checks := f.queue.Tasks(taskname.CampaignDeliveryCheck)
	require.Len(t, checks, 3)
	require.Equal(t, 10*time.Second, checks[0].ProcessIn)
	require.Equal(t, 30*time.Second, checks[1].ProcessIn)
	require.Equal(t, 60*time.Second, checks[2].ProcessIn)
	require.Equal(t, jobs.DeliveryCheckMaxRetry, checks[0].MaxRetry)

	require.Equal(t, int64(2), f.reservation(t).Consumed)
	require.Empty(t, f.queue.Tasks(taskname.CampaignPersistRepair))
}

func TestSendBatchPersistFailureNeverResends(t *testing.T) {
	f, ids := newWorkerFixture(t, 3)
	ctx := context.Background()

	f.provider.SendBulkFn = func(ctx context.Context, messages []Message) (*BulkResponse, error) {
		f.failWrites.Store(true)
		return acceptAll(messages), nil
	}

	require.NoError(t, f.worker.SendBatch(ctx, batchOf(ids)))
	for _, r := range f.recipients(t) {
		require.Equal(t, campaign.RecipientPending, r.Status)
		require.Nil(t, r.ProviderMessageID)
	}

	repairs := f.queue.Tasks(taskname.CampaignPersistRepair)
	require.Len(t, repairs, 1)
	require.True(t, strings.HasPrefix(repairs[0].TaskID, "persistSmsResults:sms:repair:bulk:cmp-1:"))
	require.Equal(t, jobs.PersistRepairMaxRetry, repairs[0].MaxRetry)
	require.Equal(t, taskname.QueueCritical, repairs[0].Queue)

	// the queue retries the job a few times while the database is down
	f.provider.SendBulkFn = nil
	for i := 0; i < 3; i++ {
		require.NoError(t, f.worker.SendBatch(ctx, batchOf(ids)))
	}
	require.Equal(t, 1, f.provider.Calls())
	require.Len(t, f.provider.Sent(), 3)

	f.failWrites.Store(false)

	var p jobs.RepairPayload
	require.NoError(t, jobs.Decode(repairs[0].Task, &p))
	require.Nil(t, p.Inline)
	require.Equal(t, jobs.RepairTaskID(p.RepairKey), repairs[0].TaskID)

	raw, ok, err := f.store.Get(ctx, p.RepairKey)
	require.NoError(t, err)
	require.True(t, ok)
	var data jobs.RepairData
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	require.Equal(t, "bulk-1", data.BulkID)

	applied, err := f.worker.Repair(ctx, p)
	require.NoError(t, err)
	require.Equal(t, ids, applied.Sent)

	for _, r := range f.recipients(t) {
		require.Equal(t, campaign.RecipientSent, r.Status)
		require.Equal(t, "msg-"+r.ID, *r.ProviderMessageID)
	}
	require.False(t, f.store.Has(p.RepairKey))
	require.Equal(t, int64(3), f.reservation(t).Consumed)

	applied, err = f.worker.Repair(ctx, p)
	require.NoError(t, err)
	require.Equal(t, 0, applied.Total())

	applied, err = f.worker.Repair(ctx, jobs.RepairPayload{RepairKey: p.RepairKey, Inline: &data})
	require.NoError(t, err)
	require.Equal(t, 0, applied.Total())

	var logs int64
	require.NoError(t, f.db.Model(&campaign.MessageLog{}).Count(&logs).Error)
	require.Equal(t, int64(3), logs)

	require.Equal(t, 1, f.provider.Calls())
}

func TestSendBatchRepairTravelsInlineWhenStoreIsDown(t *testing.T) {
	f, ids := newWorkerFixture(t, 2)
	ctx := context.Background()

	f.provider.SendBulkFn = func(ctx context.Context, messages []Message) (*BulkResponse, error) {
		f.failWrites.Store(true)
		f.store.FailSet = errors.New("redis down")
		return acceptAll(messages), nil
	}

	require.NoError(t, f.worker.SendBatch(ctx, batchOf(ids)))

	repairs := f.queue.Tasks(taskname.CampaignPersistRepair)
	require.Len(t, repairs, 1)

	var p jobs.RepairPayload
	require.NoError(t, jobs.Decode(repairs[0].Task, &p))
	require.NotNil(t, p.Inline)
	require.Len(t, p.Inline.Results, 2)
	require.False(t, f.store.Has(p.RepairKey))

	f.failWrites.Store(false)
	f.store.FailSet = nil

	applied, err := f.worker.Repair(ctx, p)
	require.NoError(t, err)
	require.Len(t, applied.Sent, 2)
}

func TestSendBatchRetryableProviderError(t *testing.T) {
	f, ids := newWorkerFixture(t, 2)
	ctx := context.Background()

	f.provider.SendBulkFn = func(ctx context.Context, messages []Message) (*BulkResponse, error) {
		return nil, &ProviderError{StatusCode: 503, Message: "unavailable"}
	}

	err := f.worker.SendBatch(ctx, batchOf(ids))
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))

	for _, r := range f.recipients(t) {
		require.Equal(t, campaign.RecipientPending, r.Status)
		require.Equal(t, 1, r.RetryCount)
		require.Contains(t, *r.Error, "503")
	}
	require.Empty(t, f.store.Keys())

	f.provider.SendBulkFn = nil
	require.NoError(t, f.worker.SendBatch(ctx, batchOf(ids)))
	require.Equal(t, 2, f.provider.Calls())
	for _, r := range f.recipients(t) {
		require.Equal(t, campaign.RecipientSent, r.Status)
	}
}

func TestSendBatchRejectedByProvider(t *testing.T) {
	f, ids := newWorkerFixture(t, 2)

	f.provider.SendBulkFn = func(ctx context.Context, messages []Message) (*BulkResponse, error) {
		return nil, &ProviderError{StatusCode: 400, Message: "invalid sender"}
	}

	err := f.worker.SendBatch(context.Background(), batchOf(ids))
	require.True(t, errors.Is(err, asynq.SkipRetry))

	for _, r := range f.recipients(t) {
		require.Equal(t, campaign.RecipientFailed, r.Status)
		require.Equal(t, "sms provider returned 400: invalid sender", *r.Error)
		require.NotNil(t, r.FailedAt)
	}
	require.Equal(t, int64(2), f.loadCampaign(t).ProcessedCount)
}

func TestSendBatchRateLimitedSetsFlag(t *testing.T) {
	f, ids := newWorkerFixture(t, 1)

	f.provider.SendBulkFn = func(ctx context.Context, messages []Message) (*BulkResponse, error) {
		return nil, &ProviderError{StatusCode: 429}
	}

	err := f.worker.SendBatch(context.Background(), batchOf(ids))
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))

	key := rediskey.BuildRateLimitKey("cmp-1")
	require.True(t, f.store.Has(key))
	require.Equal(t, 60*time.Second, f.store.TTL(key))
}

func TestSendBatchSkipsClaimedAndMarkedRecipients(t *testing.T) {
	f, ids := newWorkerFixture(t, 4)
	ctx := context.Background()
	rows := f.recipients(t)

	_, err := f.store.SetNX(ctx, rediskey.BuildClaimKey("cmp-1", ids[1]), "other-worker", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, sentKey("cmp-1", rows[2].Phone), "msg-earlier", time.Hour))

	require.NoError(t, f.worker.SendBatch(ctx, batchOf(ids)))

	var sentTo []string
	for _, m := range f.provider.Sent() {
		sentTo = append(sentTo, m.RecipientID)
	}
	require.Equal(t, []string{ids[0], ids[3]}, sentTo)

	rows = f.recipients(t)
	require.Equal(t, campaign.RecipientPending, rows[1].Status)
	require.Equal(t, campaign.RecipientPending, rows[2].Status)
	require.Equal(t, 15*time.Minute, f.store.TTL(rediskey.BuildClaimKey("cmp-1", ids[0])))
}

func TestSendBatchResolvedRecipientsAreNotSent(t *testing.T) {
	f, ids := newWorkerFixture(t, 2)
	for _, id := range ids {
		ok, err := campaign.MarkRecipientSent(f.db, "cmp-1", jobs.ProviderResult{RecipientID: id, Sent: true, MessageID: "m-" + id}, "", time.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, f.worker.SendBatch(context.Background(), batchOf(ids)))
	require.Equal(t, 0, f.provider.Calls())
}

func TestSendBatchProceedsWhenClaimStoreIsDown(t *testing.T) {
	f, ids := newWorkerFixture(t, 3)
	f.store.FailSetNX = errors.New("redis down")
	f.store.FailGet = errors.New("redis down")

	require.NoError(t, f.worker.SendBatch(context.Background(), batchOf(ids)))
	require.Len(t, f.provider.Sent(), 3)

	// the database guard still stops a second send from being recorded
	f.provider.SendBulkFn = func(ctx context.Context, messages []Message) (*BulkResponse, error) {
		t.Fatal("provider called for resolved recipients")
		return nil, nil
	}
	require.NoError(t, f.worker.SendBatch(context.Background(), batchOf(ids)))
}

func TestSendBatchMissingProviderResultFailsRecipient(t *testing.T) {
	f, ids := newWorkerFixture(t, 2)
	f.provider.SendBulkFn = func(ctx context.Context, messages []Message) (*BulkResponse, error) {
		return &BulkResponse{BulkID: "bulk-2", Results: []jobs.ProviderResult{
			{RecipientID: messages[0].RecipientID, Sent: true, MessageID: "m-1"},
			{RecipientID: "someone-else", Sent: true, MessageID: "m-x"},
		}}, nil
	}

	require.NoError(t, f.worker.SendBatch(context.Background(), batchOf(ids)))

	rows := f.recipients(t)
	require.Equal(t, campaign.RecipientSent, rows[0].Status)
	require.Equal(t, campaign.RecipientFailed, rows[1].Status)
	require.Equal(t, "no result returned by provider", *rows[1].Error)
}

func TestSendBatchUnknownCampaign(t *testing.T) {
	f, ids := newWorkerFixture(t, 1)

	err := f.worker.SendBatch(context.Background(), jobs.BulkSendPayload{CampaignID: "nope", ShopID: "shop-1", RecipientIDs: ids})
	require.True(t, errors.Is(err, asynq.SkipRetry))
	require.Equal(t, 0, f.provider.Calls())
}

func TestHandleBulkSendTaskRejectsWrongPayload(t *testing.T) {
	f, _ := newWorkerFixture(t, 1)

	err := f.worker.HandleBulkSendTask(context.Background(), asynq.NewTask(taskname.CampaignBulkSend, []byte("{")))
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestSendSingle(t *testing.T) {
	f, ids := newWorkerFixture(t, 1)
	ctx := context.Background()
	p := jobs.SingleSendPayload{CampaignID: "cmp-1", ShopID: "shop-1", RecipientID: ids[0]}

	require.NoError(t, f.worker.SendSingle(ctx, p))
	require.NoError(t, f.worker.SendSingle(ctx, p))
	require.Equal(t, 1, f.provider.Calls())
	require.Equal(t, IdempotencyKey("cmp-1", ids[0]), f.provider.Sent()[0].IdempotencyKey)

	rows := f.recipients(t)
	require.Equal(t, campaign.RecipientSent, rows[0].Status)
	require.Equal(t, "msg-"+ids[0], *rows[0].ProviderMessageID)
	require.Nil(t, rows[0].BulkID)
}

func TestSendSinglePersistFailureSchedulesRepair(t *testing.T) {
	f, ids := newWorkerFixture(t, 1)
	ctx := context.Background()

	f.provider.SendFn = func(ctx context.Context, message Message) (*SendResponse, error) {
		f.failWrites.Store(true)
		return &SendResponse{MessageID: "msg-single"}, nil
	}

	require.NoError(t, f.worker.SendSingle(ctx, jobs.SingleSendPayload{CampaignID: "cmp-1", ShopID: "shop-1", RecipientID: ids[0]}))

	repairs := f.queue.Tasks(taskname.CampaignPersistRepair)
	require.Len(t, repairs, 1)
	require.Equal(t, jobs.RepairTaskID(rediskey.BuildSingleRepairKey("cmp-1", ids[0])), repairs[0].TaskID)

	f.failWrites.Store(false)
	require.NoError(t, f.worker.HandlePersistRepairTask(ctx, repairs[0].Task))

	rows := f.recipients(t)
	require.Equal(t, campaign.RecipientSent, rows[0].Status)
	require.Equal(t, "msg-single", *rows[0].ProviderMessageID)
}

func TestSendSingleRejected(t *testing.T) {
	f, ids := newWorkerFixture(t, 1)
	f.provider.SendFn = func(ctx context.Context, message Message) (*SendResponse, error) {
		return nil, &ProviderError{StatusCode: 422, Message: "unroutable number"}
	}

	err := f.worker.SendSingle(context.Background(), jobs.SingleSendPayload{CampaignID: "cmp-1", ShopID: "shop-1", RecipientID: ids[0]})
	require.True(t, errors.Is(err, asynq.SkipRetry))
	require.Equal(t, campaign.RecipientFailed, f.recipients(t)[0].Status)
}

func TestRepairWithoutPayloadIsNoop(t *testing.T) {
	f, _ := newWorkerFixture(t, 1)

	applied, err := f.worker.Repair(context.Background(), jobs.RepairPayload{RepairKey: "sms:repair:bulk:cmp-1:gone"})
	require.NoError(t, err)
	require.Equal(t, 0, applied.Total())
}

func TestCheckDeliveryAppliesReports(t *testing.T) {
	f, ids := newWorkerFixture(t, 3)
	ctx := context.Background()
	require.NoError(t, f.worker.SendBatch(ctx, batchOf(ids)))

	w := f.newWorker(&statusProvider{
		fakeProvider: f.provider,
		statuses: map[string]string{
			"msg-" + ids[0]: campaign.DeliveryDelivered,
			"msg-" + ids[1]: campaign.DeliveryUndelivered,
			"msg-" + ids[2]: campaign.DeliveryQueued,
		},
	})

	updated, err := w.CheckDelivery(ctx, jobs.DeliveryCheckPayload{CampaignID: "cmp-1", ShopID: "shop-1", Delay: "10s"})
	require.NoError(t, err)
	require.Equal(t, 2, updated)

	rows := f.recipients(t)
	require.Equal(t, campaign.DeliveryDelivered, *rows[0].DeliveryStatus)
	require.Nil(t, rows[0].FailedAt)
	require.Equal(t, campaign.DeliveryUndelivered, *rows[1].DeliveryStatus)
	require.NotNil(t, rows[1].FailedAt)
	require.Equal(t, campaign.DeliveryQueued, *rows[2].DeliveryStatus)

	c := f.loadCampaign(t)
	require.Equal(t, int64(3), c.SentCount)
	require.Equal(t, int64(1), c.FailedCount)
}

func TestCheckDeliveryWithoutStatusSupport(t *testing.T) {
	f, _ := newWorkerFixture(t, 1)

	updated, err := f.worker.CheckDelivery(context.Background(), jobs.DeliveryCheckPayload{CampaignID: "cmp-1"})
	require.NoError(t, err)
	require.Equal(t, 0, updated)
}

func TestSendBatchUnreadableAcceptanceIsNotRetried(t *testing.T) {
	f, ids := newWorkerFixture(t, 2)
	ctx := context.Background()

	var hits atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html>gateway hiccup</html>`))
	})
	f.worker = f.newWorker(p)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.worker.SendBatch(ctx, batchOf(ids)))
	}
	require.Equal(t, int32(1), hits.Load())

	for _, r := range f.recipients(t) {
		require.Equal(t, campaign.RecipientFailed, r.Status)
		require.Equal(t, UnconfirmedReason, *r.Error)
		require.Nil(t, r.ProviderMessageID)
		require.True(t, f.store.Has(sentKey("cmp-1", r.Phone)))
		require.True(t, f.store.Has(rediskey.BuildClaimKey("cmp-1", r.ID)))
	}
	require.Equal(t, int64(0), f.reservation(t).Consumed)
	require.Empty(t, f.queue.Tasks(taskname.CampaignDeliveryCheck))
}

func TestSendSingleUnreadableAcceptanceIsNotRetried(t *testing.T) {
	f, ids := newWorkerFixture(t, 1)
	f.provider.SendFn = func(ctx context.Context, message Message) (*SendResponse, error) {
		return nil, &ProviderError{StatusCode: http.StatusAccepted, Message: "unreadable response"}
	}

	p := jobs.SingleSendPayload{CampaignID: "cmp-1", ShopID: "shop-1", RecipientID: ids[0]}
	require.NoError(t, f.worker.SendSingle(context.Background(), p))
	require.NoError(t, f.worker.SendSingle(context.Background(), p))
	require.Equal(t, 1, f.provider.Calls())

	rows := f.recipients(t)
	require.Equal(t, campaign.RecipientFailed, rows[0].Status)
	require.Equal(t, UnconfirmedReason, *rows[0].Error)
}
