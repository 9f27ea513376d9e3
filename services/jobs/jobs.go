package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"smallbiznis-messaging/pkg/taskname"

	"github.com/hibiken/asynq"
)

// Kind tags each payload with the task type it travels under.
type Kind string

const (
	KindBulkSend      Kind = taskname.CampaignBulkSend
	KindSingleSend    Kind = taskname.CampaignSingleSend
	KindPersistRepair Kind = taskname.CampaignPersistRepair
	KindReconcile     Kind = taskname.CampaignReconcile
	KindDeliveryCheck Kind = taskname.CampaignDeliveryCheck
)

const (
	BulkSendMaxRetry      = 5
	SingleSendMaxRetry    = 5
	PersistRepairMaxRetry = 10
	DeliveryCheckMaxRetry = 1
)

// Payload is implemented by every task payload.
type Payload interface {
	Kind() Kind
}

type BulkSendPayload struct {
	CampaignID   string   `json:"campaign_id"`
	ShopID       string   `json:"shop_id"`
	RecipientIDs []string `json:"recipient_ids"`
}

func (BulkSendPayload) Kind() Kind { return KindBulkSend }

type SingleSendPayload struct {
	CampaignID  string `json:"campaign_id"`
	ShopID      string `json:"shop_id"`
	RecipientID string `json:"recipient_id"`
}

func (SingleSendPayload) Kind() Kind { return KindSingleSend }

type RepairKind string

const (
	RepairBulk   RepairKind = "bulk"
	RepairSingle RepairKind = "single"
)

// ProviderResult is one recipient outcome as reported by the provider.
type ProviderResult struct {
	RecipientID string `json:"recipient_id"`
	Phone       string `json:"phone"`
	Sent        bool   `json:"sent"`
	MessageID   string `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RepairData is what a send worker stores when its post-provider write fails.
type RepairData struct {
	Kind       RepairKind       `json:"kind"`
	CampaignID string           `json:"campaign_id"`
	ShopID     string           `json:"shop_id"`
	BulkID     string           `json:"bulk_id,omitempty"`
	Results    []ProviderResult `json:"results"`
	CreatedAt  time.Time        `json:"created_at"`
}

type RepairPayload struct {
	RepairKey string `json:"repair_key"`
	// Inline carries the data when it could not be stored under RepairKey.
	Inline *RepairData `json:"inline,omitempty"`
}

func (RepairPayload) Kind() Kind { return KindPersistRepair }

type ReconcilePayload struct {
	// CampaignID limits the run to one campaign; empty sweeps all stale ones.
	CampaignID string `json:"campaign_id,omitempty"`
}

func (ReconcilePayload) Kind() Kind { return KindReconcile }

type DeliveryCheckPayload struct {
	CampaignID string `json:"campaign_id"`
	ShopID     string `json:"shop_id"`
	Delay      string `json:"delay"`
}

func (DeliveryCheckPayload) Kind() Kind { return KindDeliveryCheck }

// NewTask encodes p under its own task type.
func NewTask(p Payload, opts ...asynq.Option) (*asynq.Task, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return asynq.NewTask(string(p.Kind()), raw, opts...), nil
}

// Decode reads t into p after checking the task type matches.
func Decode(t *asynq.Task, p Payload) error {
	if t.Type() != string(p.Kind()) {
		return fmt.Errorf("task type %q does not carry %s payload: %w", t.Type(), p.Kind(), asynq.SkipRetry)
	}
	if err := json.Unmarshal(t.Payload(), p); err != nil {
		return fmt.Errorf("invalid %s payload: %v: %w", p.Kind(), err, asynq.SkipRetry)
	}
	return nil
}

// RepairTaskID is the dedup id of the repair task for key.
func RepairTaskID(repairKey string) string {
	return "persistSmsResults:" + repairKey
}
