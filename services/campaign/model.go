package campaign

import (
	"time"

	"smallbiznis-messaging/pkg/taskname"

	"gorm.io/datatypes"
)

type CampaignStatus string
type Priority string
type RecipientStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusPaused    CampaignStatus = "paused"
	StatusSending   CampaignStatus = "sending"
	StatusCompleted CampaignStatus = "completed"
	StatusFailed    CampaignStatus = "failed"
	StatusCancelled CampaignStatus = "cancelled"

	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"

	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Delivery report statuses written onto recipients.
const (
	DeliveryQueued      = "Queued"
	DeliveryDelivered   = "Delivered"
	DeliveryFailed      = "Failed"
	DeliveryUndelivered = "Undelivered"
	DeliveryExpired     = "Expired"
)

// DeliveryFailedStatuses count toward Campaign.FailedCount.
var DeliveryFailedStatuses = []string{DeliveryFailed, DeliveryUndelivered, DeliveryExpired}

// EnqueueableStatuses are the campaign states a send may start from.
var EnqueueableStatuses = []CampaignStatus{StatusDraft, StatusScheduled, StatusPaused}

type Campaign struct {
	ID             string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	ShopID         string         `gorm:"column:shop_id;index;not null" json:"shop_id"`
	Name           string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Message        string         `gorm:"column:message;type:text" json:"message"`
	DiscountCode   string         `gorm:"column:discount_code;type:varchar(64)" json:"discount_code"`
	ScheduleType   string         `gorm:"column:schedule_type;type:varchar(20);not null;default:'immediate'" json:"schedule_type"`
	ScheduledAt    *time.Time     `gorm:"column:scheduled_at" json:"scheduled_at,omitempty"`
	Priority       Priority       `gorm:"column:priority;type:varchar(20);not null;default:'normal'" json:"priority"`
	Status         CampaignStatus `gorm:"column:status;type:varchar(20);index;not null;default:'draft'" json:"status"`
	ReservationKey string         `gorm:"column:reservation_key;type:varchar(100)" json:"reservation_key"`

	TotalRecipients int64 `gorm:"column:total_recipients;not null;default:0" json:"total_recipients"`
	SentCount       int64 `gorm:"column:sent_count;not null;default:0" json:"sent_count"`
	FailedCount     int64 `gorm:"column:failed_count;not null;default:0" json:"failed_count"`
	ProcessedCount  int64 `gorm:"column:processed_count;not null;default:0" json:"processed_count"`

	StartedAt  *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime;index" json:"updated_at"`
}

func (Campaign) TableName() string { return "campaigns" }

// Queue maps the campaign priority onto an asynq queue.
func (c *Campaign) Queue() string {
	switch c.Priority {
	case PriorityHigh, PriorityUrgent:
		return taskname.QueueCritical
	case PriorityLow:
		return taskname.QueueLow
	default:
		return taskname.QueueDefault
	}
}

func (c *Campaign) IsEnqueueable() bool {
	for _, s := range EnqueueableStatuses {
		if c.Status == s {
			return true
		}
	}
	return false
}

type Contact struct {
	ID         string    `gorm:"column:id;primaryKey;type:varchar(32)"`
	ShopID     string    `gorm:"column:shop_id;index;not null"`
	Phone      string    `gorm:"column:phone;type:varchar(32);not null"`
	FirstName  string    `gorm:"column:first_name;type:varchar(100)"`
	LastName   string    `gorm:"column:last_name;type:varchar(100)"`
	SMSConsent bool      `gorm:"column:sms_consent;not null;default:true"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Contact) TableName() string { return "contacts" }

// CampaignRecipient is one (campaign, phone) pair. It moves from pending to
// sent or failed exactly once, through MarkRecipientSent/MarkRecipientFailed.
type CampaignRecipient struct {
	ID                string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	CampaignID        string          `gorm:"column:campaign_id;type:varchar(32);not null;uniqueIndex:idx_campaign_recipient_phone,priority:1;index:idx_campaign_recipient_status,priority:1" json:"campaign_id"`
	ContactID         *string         `gorm:"column:contact_id;type:varchar(32)" json:"contact_id,omitempty"`
	Phone             string          `gorm:"column:phone;type:varchar(32);not null;uniqueIndex:idx_campaign_recipient_phone,priority:2" json:"phone"`
	Status            RecipientStatus `gorm:"column:status;type:varchar(20);not null;default:'pending';index:idx_campaign_recipient_status,priority:2" json:"status"`
	ProviderMessageID *string         `gorm:"column:provider_message_id;type:varchar(128);index" json:"provider_message_id,omitempty"`
	BulkID            *string         `gorm:"column:bulk_id;type:varchar(128)" json:"bulk_id,omitempty"`
	DeliveryStatus    *string         `gorm:"column:delivery_status;type:varchar(32)" json:"delivery_status,omitempty"`
	Error             *string         `gorm:"column:error;type:text" json:"error,omitempty"`
	RetryCount        int             `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	SentAt            *time.Time      `gorm:"column:sent_at" json:"sent_at,omitempty"`
	FailedAt          *time.Time      `gorm:"column:failed_at" json:"failed_at,omitempty"`
	CreatedAt         time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (CampaignRecipient) TableName() string { return "campaign_recipients" }

// MessageLog is the outbound record of a recipient this process resolved.
type MessageLog struct {
	ID                string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	ShopID            string         `gorm:"column:shop_id;index;not null"`
	CampaignID        string         `gorm:"column:campaign_id;index;not null"`
	RecipientID       string         `gorm:"column:recipient_id;uniqueIndex;not null"`
	Phone             string         `gorm:"column:phone;type:varchar(32);not null"`
	Direction         string         `gorm:"column:direction;type:varchar(10);not null;default:'outbound'"`
	ProviderMessageID string         `gorm:"column:provider_message_id;type:varchar(128)"`
	Status            string         `gorm:"column:status;type:varchar(20);not null"`
	Metadata          datatypes.JSON `gorm:"column:metadata"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (MessageLog) TableName() string { return "message_logs" }

// Models lists every table owned by this package, for migrations and tests.
func Models() []any {
	return []any{&Campaign{}, &Contact{}, &CampaignRecipient{}, &MessageLog{}}
}
