package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kvsovanreach/mind-llm/internal/auth"
	"github.com/kvsovanreach/mind-llm/internal/deploy"
	"github.com/kvsovanreach/mind-llm/internal/mediator"
	"github.com/kvsovanreach/mind-llm/internal/runtime"
	"github.com/kvsovanreach/mind-llm/pkg/types"
)

// Error kinds of the administrative envelope.
const (
	KindValidation        = "ValidationError"
	KindAuth              = "AuthError"
	KindNotFound          = "NotFound"
	KindConflict          = "Conflict"
	KindResourceExhausted = "ResourceExhausted"
	KindUpstream          = "UpstreamError"
	KindContextOverflow   = "ContextOverflow"
	KindInternal          = "Internal"
)

// writeError maps component errors onto status codes and the uniform
// {error:{kind,message,trace_id}} envelope. Unexpected errors get a trace
// id and no internal detail.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var (
		status int
		detail types.ErrorDetail
	)
	switch {
	case deploy.IsValidation(err):
		status = http.StatusBadRequest
		detail = types.ErrorDetail{Kind: KindValidation, Message: err.Error(), Field: deploy.ValidationField(err)}
	case auth.IsUnauthorized(err):
		status = http.StatusUnauthorized
		detail = types.ErrorDetail{Kind: KindAuth, Message: "unauthorized"}
	case deploy.IsNotFound(err):
		status = http.StatusNotFound
		detail = types.ErrorDetail{Kind: KindNotFound, Message: err.Error()}
	case deploy.IsConflict(err):
		status = http.StatusConflict
		detail = types.ErrorDetail{Kind: KindConflict, Message: err.Error()}
	case deploy.IsExhausted(err), runtime.IsRuntimeDown(err):
		status = http.StatusServiceUnavailable
		detail = types.ErrorDetail{Kind: KindResourceExhausted, Message: err.Error()}
	case mediator.IsOverflow(err):
		status = http.StatusRequestEntityTooLarge
		detail = types.ErrorDetail{Kind: KindContextOverflow, Message: err.Error()}
	default:
		status = http.StatusInternalServerError
		traceID := uuid.NewString()
		log.Error().Err(err).Str("trace_id", traceID).Msg("internal error")
		detail = types.ErrorDetail{Kind: KindInternal, Message: "internal error", TraceID: traceID}
	}
	writeJSON(w, status, types.ErrorResponse{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
