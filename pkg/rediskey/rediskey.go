package rediskey

import "fmt"

// SMS pipeline keys (global convention across services)
const (
	ClaimPrefix      = "sms:claim:campaignRecipient"
	SentPrefix       = "sms:sent:campaignRecipient"
	RepairBulkPrefix = "sms:repair:bulk"
	RepairOnePrefix  = "sms:repair:single"
	RateLimitPrefix  = "sms:ratelimit:campaign"
	CooldownPrefix   = "campaign:reconcile:cooldown"
	ReservationScope = "campaign"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildClaimKey returns "sms:claim:campaignRecipient:{campaignID}:{recipientID}"
func BuildClaimKey(campaignID, recipientID string) string {
	return NamespaceKey(ClaimPrefix, campaignID+":"+recipientID)
}

// BuildSentKey returns "sms:sent:campaignRecipient:{campaignID}:{phoneHash}"
func BuildSentKey(campaignID, phoneHash string) string {
	return NamespaceKey(SentPrefix, campaignID+":"+phoneHash)
}

// BuildBulkRepairKey returns "sms:repair:bulk:{campaignID}:{batchHash}"
func BuildBulkRepairKey(campaignID, batchHash string) string {
	return NamespaceKey(RepairBulkPrefix, campaignID+":"+batchHash)
}

// BuildSingleRepairKey returns "sms:repair:single:{campaignID}:{recipientID}"
func BuildSingleRepairKey(campaignID, recipientID string) string {
	return NamespaceKey(RepairOnePrefix, campaignID+":"+recipientID)
}

// BuildRateLimitKey returns "sms:ratelimit:campaign:{campaignID}"
func BuildRateLimitKey(campaignID string) string {
	return NamespaceKey(RateLimitPrefix, campaignID)
}

// BuildCooldownKey returns "campaign:reconcile:cooldown:{campaignID}"
func BuildCooldownKey(campaignID string) string {
	return NamespaceKey(CooldownPrefix, campaignID)
}

// BuildReservationKey returns "campaign:{campaignID}"
func BuildReservationKey(campaignID string) string {
	return NamespaceKey(ReservationScope, campaignID)
}
