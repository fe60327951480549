package router

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/llamawrapper/gateway/internal/manager"
	"github.com/llamawrapper/gateway/internal/obsmetrics"
)

// openAIError mirrors the OpenAI-compatible error envelope the teacher's
// handler.go writes, kept unchanged since clients already parse this shape.
type openAIError struct {
	Error openAIErrorBody `json:"error"`
}

type openAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// capacityDiagnostic is appended to the body of a 503 CapacityExhausted
// response, per spec section 7 ("response includes required MB, free MB,
// and the ids considered").
type capacityDiagnostic struct {
	Error          openAIErrorBody `json:"error"`
	RequiredMB     float64         `json:"required_mb"`
	FreeMB         float64         `json:"free_mb"`
	EvictionTried  []string        `json:"eviction_candidates_considered"`
}

func writeOpenAIError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openAIError{Error: openAIErrorBody{Message: message, Type: errType, Code: code}})
}

// writeManagerError implements the error translation table of spec section
// 7 / SPEC_FULL.md section 8, turning a *manager.Error into the HTTP
// response the client sees.
func writeManagerError(w http.ResponseWriter, model, endpoint string, err *manager.Error) {
	status, errType, code := translate(err)
	obsmetrics.RequestsTotal.WithLabelValues(model, endpoint, strconv.Itoa(status)).Inc()

	if err.Kind == manager.KindCapacityExhausted {
		w.Header().Set("Retry-After", "5")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(capacityDiagnostic{
			Error:         openAIErrorBody{Message: err.Error(), Type: errType, Code: code},
			RequiredMB:    err.RequiredMB,
			FreeMB:        err.FreeMB,
			EvictionTried: err.Candidates,
		})
		return
	}

	writeOpenAIError(w, status, errType, code, err.Error())
}

func translate(err *manager.Error) (status int, errType, code string) {
	switch err.Kind {
	case manager.KindUnknownModel:
		return http.StatusNotFound, "invalid_request_error", "model_not_found"
	case manager.KindModelBusy:
		return http.StatusConflict, "invalid_request_error", "model_busy"
	case manager.KindCapacityExhausted:
		return http.StatusServiceUnavailable, "capacity_error", "capacity_exhausted"
	case manager.KindStartupTimeout:
		return http.StatusInternalServerError, "server_error", "startup_timeout"
	case manager.KindBackendCrash:
		return http.StatusBadGateway, "server_error", "backend_crash"
	case manager.KindUpstreamFailure:
		return http.StatusBadGateway, "server_error", "upstream_failure"
	case manager.KindInvalidRequest:
		return http.StatusBadRequest, "invalid_request_error", "invalid_request"
	case manager.KindUnauthorized:
		return http.StatusUnauthorized, "authentication_error", "unauthorized"
	default:
		return http.StatusInternalServerError, "server_error", "unknown"
	}
}
