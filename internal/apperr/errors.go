package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies an error for callers and for HTTP mapping
type Kind string

const (
	KindInvalidRequest         Kind = "invalid_request"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
	KindInsufficientInventory  Kind = "insufficient_inventory"
	KindDiscountLimitExhausted Kind = "discount_limit_exhausted"
	KindInvalidState           Kind = "invalid_state"
	KindUpstreamPayment        Kind = "upstream_payment_error"
	KindDeliveryFailure        Kind = "delivery_failure"
	KindInternal               Kind = "internal"
)

// Error represents an application error
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a new Error
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinels for errors.Is checks
var (
	ErrInvalidRequest         = New(KindInvalidRequest, "invalid request", nil)
	ErrNotFound               = New(KindNotFound, "not found", nil)
	ErrConflict               = New(KindConflict, "conflict", nil)
	ErrInsufficientInventory  = New(KindInsufficientInventory, "insufficient inventory", nil)
	ErrDiscountLimitExhausted = New(KindDiscountLimitExhausted, "discount usage limit exhausted", nil)
	ErrInvalidState           = New(KindInvalidState, "invalid state", nil)
	ErrUpstreamPayment        = New(KindUpstreamPayment, "payment provider error", nil)
	ErrDeliveryFailure        = New(KindDeliveryFailure, "webhook delivery failed", nil)
)

func InvalidRequest(format string, args ...interface{}) *Error {
	return New(KindInvalidRequest, fmt.Sprintf(format, args...), nil)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...), nil)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...), nil)
}

func InsufficientInventory(sku string, requested int) *Error {
	return New(KindInsufficientInventory, fmt.Sprintf("insufficient inventory for sku %s (requested %d)", sku, requested), nil)
}

func DiscountLimitExhausted(code string) *Error {
	return New(KindDiscountLimitExhausted, fmt.Sprintf("discount %s has reached its usage limit", code), nil)
}

func InvalidState(format string, args ...interface{}) *Error {
	return New(KindInvalidState, fmt.Sprintf(format, args...), nil)
}

func UpstreamPayment(err error) *Error {
	return New(KindUpstreamPayment, "payment provider error", err)
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to a response status
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInsufficientInventory, KindDiscountLimitExhausted:
		return http.StatusConflict
	case KindInvalidState:
		return http.StatusUnprocessableEntity
	case KindUpstreamPayment:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorMiddleware renders the last error attached to the gin context
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := HTTPStatus(err)
		body := gin.H{"error": string(KindOf(err))}
		if status < http.StatusInternalServerError {
			body["details"] = err.Error()
		}
		c.JSON(status, body)
		c.Abort()
	}
}
