package transcode

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"claudegate/internal/anthropic"
	"claudegate/internal/openai"
)

// Error classes for the request lifecycle. Handlers classify failures by
// wrapping one of these sentinels; the mapper below turns the class into the
// Anthropic error envelope.
var (
	ErrValidation         = errors.New("invalid request")
	ErrAuthentication     = errors.New("authentication failed")
	ErrUnknownModel       = errors.New("unknown model")
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrUpstreamTransport  = errors.New("upstream transport failure")
	ErrUpstreamProtocol   = errors.New("upstream protocol violation")
	ErrStreamAbort        = errors.New("stream aborted")
)

// Anthropic error types.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypePermission     = "permission_error"
	TypeAPIError       = "api_error"
)

// classTable maps error classes to wire error types and HTTP statuses.
// Ordered so that errors.Is checks run most-specific first. Upstream-side
// classes carry a fixed client-facing message: the wrapped detail embeds the
// tenant's upstream endpoint and dial errors, which must never reach the
// client.
var classTable = []struct {
	class   error
	errType string
	status  int
	generic string
}{
	{ErrValidation, TypeInvalidRequest, http.StatusBadRequest, ""},
	{ErrAuthentication, TypeAuthentication, http.StatusUnauthorized, ""},
	{ErrUnknownModel, TypeNotFound, http.StatusNotFound, ""},
	{ErrUnsupportedFeature, TypeInvalidRequest, http.StatusBadRequest, ""},
	{ErrUpstreamTransport, TypeAPIError, http.StatusBadGateway, "upstream request failed"},
	{ErrUpstreamProtocol, TypeAPIError, http.StatusBadGateway, "upstream returned an invalid response"},
	{ErrStreamAbort, TypeAPIError, http.StatusBadGateway, "upstream stream ended unexpectedly"},
}

// upstreamTypeTable maps structured upstream error types to Anthropic error
// types. Anything absent falls back to api_error.
var upstreamTypeTable = map[string]string{
	"invalid_request_error": TypeInvalidRequest,
	"authentication_error":  TypeAuthentication,
	"permission_error":      TypePermission,
	"not_found_error":       TypeNotFound,
	"rate_limit_error":      TypeRateLimit,
	"insufficient_quota":    TypeRateLimit,
}

// upstreamStatusTable maps upstream HTTP statuses to Anthropic error types
// when the error body carries no recognisable type.
var upstreamStatusTable = map[int]string{
	http.StatusBadRequest:      TypeInvalidRequest,
	http.StatusNotFound:        TypeNotFound,
	http.StatusTooManyRequests: TypeRateLimit,
}

// UpstreamStatusError reports an upstream 4xx/5xx with its decoded error
// body, when one was present. The raw body is never carried through.
type UpstreamStatusError struct {
	Status int
	Body   *openai.ErrorBlock
}

func (e *UpstreamStatusError) Error() string {
	if e.Body != nil && e.Body.Message != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body.Message)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

// MapError converts any request-scoped failure into the Anthropic error
// object and the HTTP status to pair with it. Upstream error bodies are
// mapped field-by-field where their shape is recognised; everything else
// degrades to a generic api_error so no raw upstream detail leaks verbatim.
func MapError(err error) (anthropic.APIError, int) {
	var statusErr *UpstreamStatusError
	if errors.As(err, &statusErr) {
		return mapUpstreamStatus(statusErr), http.StatusBadGateway
	}

	for _, entry := range classTable {
		if errors.Is(err, entry.class) {
			message := err.Error()
			if entry.generic != "" {
				slog.Warn("upstream failure", "err", err)
				message = entry.generic
			}
			return anthropic.APIError{Type: entry.errType, Message: message}, entry.status
		}
	}

	return anthropic.APIError{Type: TypeAPIError, Message: "internal gateway error"}, http.StatusInternalServerError
}

func mapUpstreamStatus(statusErr *UpstreamStatusError) anthropic.APIError {
	errType := TypeAPIError
	message := "upstream provider returned an error"

	if mapped, ok := upstreamStatusTable[statusErr.Status]; ok {
		errType = mapped
	}
	if statusErr.Body != nil {
		if mapped, ok := upstreamTypeTable[statusErr.Body.Type]; ok {
			errType = mapped
		}
		if statusErr.Body.Message != "" {
			message = statusErr.Body.Message
		}
	}

	return anthropic.APIError{Type: errType, Message: message}
}
