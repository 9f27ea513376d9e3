package taskname

const (
	// Campaign send tasks
	CampaignBulkSend      = "sms:bulk:send"
	CampaignSingleSend    = "sms:single:send"
	CampaignPersistRepair = "sms:persist:repair"

	// Campaign maintenance tasks
	CampaignReconcile     = "campaign:reconcile"
	CampaignDeliveryCheck = "campaign:delivery:check"
)

// Queues, highest weight first.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
