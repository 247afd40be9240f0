package reliability

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Category is the error taxonomy surfaced to session callers.
type Category string

const (
	CategoryPermission Category = "permission"
	CategoryTransport  Category = "transport"
	CategoryCapture    Category = "capture"
	CategoryDecode     Category = "decode"
	CategoryCanceled   Category = "canceled"
)

type taggedError struct {
	category Category
	err      error
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

// Tag marks err with a category Classify cannot infer from its type.
func Tag(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{category: category, err: err}
}

// Classify places err in the taxonomy. Untagged errors are transport errors
// unless they come from cancellation.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var tagged *taggedError
	if errors.As(err, &tagged) {
		return tagged.category
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCanceled
	}
	return CategoryTransport
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableCloseCode classifies websocket close codes the server uses for
// transient conditions.
func IsRetryableCloseCode(code int) bool {
	switch code {
	case websocket.CloseInternalServerErr, websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
		return true
	default:
		return false
	}
}

// IsCleanClose reports whether err marks an orderly end of the stream.
func IsCleanClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// Retryable reports whether a caller could sensibly retry after err. Nothing
// inside a session retries; the flag is only surfaced.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return IsRetryableHTTPStatus(apiErr.Code)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return IsRetryableCloseCode(closeErr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Code returns a short machine-readable error code for logs and error events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case IsCleanClose(err):
		return "closed"
	}
	var tagged *taggedError
	if errors.As(err, &tagged) {
		return string(tagged.category)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Status != "" {
		return apiErr.Status
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return "ws_close"
	}
	return "transport_error"
}
