package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrAuth              = errors.New("authentication error")
	ErrUpstream          = errors.New("upstream error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrEmptyInput        = errors.New("empty input")
	ErrEncode            = errors.New("encode error")
	ErrCleanup           = errors.New("cleanup error")
	ErrValidation        = errors.New("validation error")
	ErrConfiguration     = errors.New("configuration error")
	ErrExternalTool      = errors.New("external tool error")
)

// Kind is the coarse failure classification surfaced to callers of a run.
type Kind string

const (
	KindNone              Kind = ""
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindAuth              Kind = "auth"
	KindUpstream          Kind = "upstream"
	KindMalformedResponse Kind = "malformed_response"
	KindEmptyInput        Kind = "empty_input"
	KindEncode            Kind = "encode"
	KindCleanup           Kind = "cleanup"
	KindInvalidRequest    Kind = "invalid_request"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrUpstream
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error chain to the Kind reported to run callers.
// Cancellation wins over any marker because an abandoned upstream call
// usually surfaces as a wrapped network failure.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrAuth), errors.Is(err, ErrConfiguration):
		return KindAuth
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	case errors.Is(err, ErrEmptyInput):
		return KindEmptyInput
	case errors.Is(err, ErrEncode), errors.Is(err, ErrExternalTool):
		return KindEncode
	case errors.Is(err, ErrCleanup):
		return KindCleanup
	case errors.Is(err, ErrValidation):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

// UserMessage returns a short description of a failure kind that is safe to
// show to end users. Backend error text never appears here.
func UserMessage(kind Kind) string {
	switch kind {
	case KindNone:
		return "video generated"
	case KindQuotaExceeded:
		return "daily generation limit reached; upgrade or try again tomorrow"
	case KindAuth:
		return "image service rejected the configured credentials"
	case KindUpstream:
		return "image service is unavailable; try again later"
	case KindMalformedResponse:
		return "image service returned an unusable image"
	case KindEmptyInput, KindEncode:
		return "video encoding failed"
	case KindInvalidRequest:
		return "generation request is invalid"
	case KindCanceled:
		return "generation was canceled"
	default:
		return "generation failed"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
