package errutil

type CoreStatus string

const (
	StatusUnknown             CoreStatus = "unknown"
	StatusBadRequest          CoreStatus = "bad_request"
	StatusValidationFailed    CoreStatus = "validation_failed"
	StatusUnauthorized        CoreStatus = "unauthorized"
	StatusForbidden           CoreStatus = "forbidden"
	StatusNotFound            CoreStatus = "not_found"
	StatusConflict            CoreStatus = "conflict"
	StatusUnprocessableEntity CoreStatus = "unprocessable_entity"
	StatusTooManyRequests     CoreStatus = "too_many_requests"
	StatusClientClosedRequest CoreStatus = "client_closed_request"
	StatusInternal            CoreStatus = "internal"
	StatusNotImplemented      CoreStatus = "not_implemented"
	StatusBadGateway          CoreStatus = "bad_gateway"
	StatusServiceUnavailable  CoreStatus = "service_unavailable"
	StatusGatewayTimeout      CoreStatus = "gateway_timeout"
	StatusTimeout             CoreStatus = "timeout"

	// Campaign send pipeline
	StatusInvalidStatus        CoreStatus = "invalid_status"
	StatusInsufficientCredits  CoreStatus = "insufficient_credits"
	StatusSubscriptionRequired CoreStatus = "subscription_required"
	StatusNoRecipients         CoreStatus = "no_recipients"
	StatusNoMessageText        CoreStatus = "no_message_text"
)
