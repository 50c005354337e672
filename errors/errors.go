package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrAuthRequired       = fmt.Errorf("authentication required")
	ErrAuthInvalid        = fmt.Errorf("invalid or expired credential")
	ErrPermissionDenied   = fmt.Errorf("permission denied")
	ErrNotFound           = fmt.Errorf("not found")
	ErrTooOld             = fmt.Errorf("operation window has expired")
	ErrDuplicate          = fmt.Errorf("already exists")
	ErrRateLimited        = fmt.Errorf("rate limit exceeded")
	ErrModerationRejected = fmt.Errorf("message rejected by moderation")
	ErrInvalidRecipient   = fmt.Errorf("invalid recipient")
	ErrInvalidPayload     = fmt.Errorf("invalid payload")
	ErrUnknownEvent       = fmt.Errorf("unknown event type")

	ErrConnectionLimit     = fmt.Errorf("connection limit exceeded")
	ErrConnectionThrottled = fmt.Errorf("too many connection attempts")
	ErrConnectionClosed    = fmt.Errorf("connection closed")

	ErrWorkerPanic  = fmt.Errorf("worker panic")
	ErrQueueFull    = fmt.Errorf("persistence queue full")
	ErrInvalidToken = fmt.Errorf("invalid token claims")
)

// Code is the stable identifier carried in the message field of an error frame.
type Code string

const (
	CodeAuthRequired       Code = "AuthRequired"
	CodeAuthInvalid        Code = "AuthInvalid"
	CodePermissionDenied   Code = "PermissionDenied"
	CodeNotFound           Code = "NotFound"
	CodeTooOld             Code = "TooOld"
	CodeDuplicate          Code = "Duplicate"
	CodeRateLimited        Code = "RateLimited"
	CodeModerationRejected Code = "ModerationRejected"
	CodeInvalidRecipient   Code = "InvalidRecipient"
	CodeInvalidPayload     Code = "InvalidPayload"
	CodeUnknownEvent       Code = "UnknownEvent"
	CodeInternal           Code = "Internal"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrAuthRequired, CodeAuthRequired},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrNotFound, CodeNotFound},
	{ErrTooOld, CodeTooOld},
	{ErrDuplicate, CodeDuplicate},
	{ErrRateLimited, CodeRateLimited},
	{ErrModerationRejected, CodeModerationRejected},
	{ErrInvalidRecipient, CodeInvalidRecipient},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrUnknownEvent, CodeUnknownEvent},
}

// Classify maps an error to its wire code and a human-readable detail.
// Unknown errors are reported as Internal without leaking their text.
func Classify(err error) (Code, string) {
	if err == nil {
		return "", ""
	}
	var validationErrors validator.ValidationErrors
	if stderrors.As(err, &validationErrors) {
		return CodeInvalidPayload, describeValidation(validationErrors)
	}
	details := err.Error()
	var detailed *Detailed
	if stderrors.As(err, &detailed) {
		details = detailed.Details
	}
	for _, c := range codes {
		if stderrors.Is(err, c.err) {
			return c.code, details
		}
	}
	return CodeInternal, "internal error"
}

// Detailed attaches the exact detail text and an optional action to a sentinel.
type Detailed struct {
	Err     error
	Details string
	Action  string
}

func (d *Detailed) Error() string { return d.Err.Error() + ": " + d.Details }

func (d *Detailed) Unwrap() error { return d.Err }

func WithDetails(err error, details, action string) error {
	return &Detailed{Err: err, Details: details, Action: action}
}

// ActionOf returns the action carried by a Detailed error, if any.
func ActionOf(err error) string {
	var detailed *Detailed
	if stderrors.As(err, &detailed) {
		return detailed.Action
	}
	return ""
}

// Is and As mirror the standard library helpers shadowed by this package name.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func describeValidation(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}
