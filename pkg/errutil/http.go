package errutil

import (
	"context"
	"errors"
	"net/http"
)

// HTTPStatus converts the CoreStatus to its closest HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden, StatusSubscriptionRequired:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusTimeout, StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	case StatusBadRequest, StatusValidationFailed, StatusNoRecipients, StatusNoMessageText:
		return http.StatusBadRequest
	case StatusConflict, StatusInvalidStatus:
		return http.StatusConflict
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusInsufficientCredits:
		return http.StatusPaymentRequired
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusClientClosedRequest:
		return 499
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusBadGateway:
		return http.StatusBadGateway
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the CoreStatus carried by err, StatusUnknown otherwise.
func CodeOf(err error) CoreStatus {
	var base BaseError
	if errors.As(err, &base) {
		return base.Code
	}
	return StatusUnknown
}

// ToHTTP normalises an error into a status code and JSON body for handlers.
func ToHTTP(err error) (int, interface{}) {
	if errors.Is(err, context.Canceled) {
		err = ClientClosedRequest("request canceled", err)
	} else if errors.Is(err, context.DeadlineExceeded) {
		err = Timeout("request timed out", err)
	}

	var base BaseError
	if errors.As(err, &base) {
		return base.Code.HTTPStatus(), base.JSON()
	}

	internal := BaseError{Code: StatusInternal, Message: "internal error", Err: err}
	return http.StatusInternalServerError, internal.JSON()
}
