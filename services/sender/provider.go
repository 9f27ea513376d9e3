package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"smallbiznis-messaging/services/jobs"

	"github.com/google/uuid"
)

// Message is one SMS handed to the provider.
type Message struct {
	RecipientID    string `json:"external_id"`
	Destination    string `json:"to"`
	Sender         string `json:"from,omitempty"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key"`
}

type BulkResponse struct {
	BulkID  string
	Results []jobs.ProviderResult
}

type SendResponse struct {
	MessageID string
}

// Provider is the outbound SMS gateway. A returned error means no message of
// the call was accepted.
type Provider interface {
	SendBulk(ctx context.Context, messages []Message) (*BulkResponse, error)
	Send(ctx context.Context, message Message) (*SendResponse, error)
}

// StatusChecker is implemented by providers that can be polled for delivery
// reports.
type StatusChecker interface {
	DeliveryStatuses(ctx context.Context, messageIDs []string) (map[string]string, error)
}

// ProviderError is a failed provider call. StatusCode is zero for transport
// failures.
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("sms provider unreachable: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("sms provider returned %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("sms provider returned %d", e.StatusCode)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed provider call may be attempted again.
// Only transport errors, 5xx and 429 are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return true
	}
	switch {
	case pe.StatusCode == 0:
		return true
	case pe.StatusCode == http.StatusTooManyRequests:
		return true
	case pe.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsUnconfirmed reports a 2xx whose body could not be read: the provider may
// have accepted the messages.
func IsUnconfirmed(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode >= 200 && pe.StatusCode <= 299
}

func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusTooManyRequests
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("smallbiznis-messaging/sms"))

// IdempotencyKey is a stable UUIDv5 per (campaign, recipient). Providers that
// honour it drop a resend that slipped past the sent marker.
func IdempotencyKey(campaignID, recipientID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(campaignID+":"+recipientID)).String()
}
