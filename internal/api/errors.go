package api

import "net/http"

// Error is the body of a failed request
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

const (
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeMalformed      = "MALFORMED_PAYLOAD"
	ErrCodeTooLarge       = "PAYLOAD_TOO_LARGE"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeOutOfOrder     = "OUT_OF_ORDER"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeUnknownChannel = "UNKNOWN_CHANNEL"
	ErrCodeUnknownReceipt = "UNKNOWN_RECEIPT_EVENT"
)

var (
	ErrInternalServer = &Error{
		Code:    ErrCodeInternalError,
		Message: "Internal server error",
		Status:  http.StatusInternalServerError,
	}

	ErrPayloadTooLarge = &Error{
		Code:    ErrCodeTooLarge,
		Message: "Request body too large",
		Status:  http.StatusRequestEntityTooLarge,
	}

	ErrUnknownNotification = &Error{
		Code:    ErrCodeNotFound,
		Message: "Unknown notification",
		Status:  http.StatusNotFound,
	}
)

// NewBadRequest creates a 400 error with code
func NewBadRequest(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusBadRequest}
}

// NewConflict creates a 409 error with code
func NewConflict(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: http.StatusConflict}
}
