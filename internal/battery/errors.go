package battery

import "fmt"

// Error codes shared with the websocket command channel. Validation failures
// on write operations map 1:1 onto these codes in the wire response.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidThreshold     = "invalid_threshold"
	ErrCodeInvalidDeviceRule    = "invalid_device_rule"
	ErrCodeTooManyRules         = "too_many_rules"
	ErrCodeInvalidPreferences   = "invalid_notification_preferences"
	ErrCodeSubscriptionLimit    = "subscription_limit_exceeded"
	ErrCodeIntegrationNotLoaded = "integration_not_loaded"
	ErrCodeInternal             = "internal_error"
)

// Error is a validation error carrying its wire code. Write operations
// return it without partially applying; read operations never produce it
// for data-quality issues in individual records.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with a formatted message.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
