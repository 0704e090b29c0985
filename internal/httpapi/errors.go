package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"postpipe/internal/delivery"
	"postpipe/internal/dispatch"
	"postpipe/internal/model"
	"postpipe/pkg/logx"
)

type errorBody struct {
	Error  string           `json:"error"`
	Code   string           `json:"code,omitempty"`
	Result *dispatch.Result `json:"result,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	var de *delivery.Error
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, model.ErrNotConfigured):
		return http.StatusUnprocessableEntity, "not_configured"
	case errors.Is(err, model.ErrBudgetExceeded):
		return http.StatusTooManyRequests, "budget_exceeded"
	case errors.As(err, &de):
		return http.StatusBadGateway, "delivery_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, log logx.Logger, err error) {
	writeErrorResult(w, log, err, nil)
}

func writeErrorResult(w http.ResponseWriter, log logx.Logger, err error, res *dispatch.Result) {
	status, code := statusFor(err)
	if status >= 500 && status != http.StatusBadGateway {
		log.Error("request failed", logx.Int("status", status), logx.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code, Result: res})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.InvalidArgument("invalid request body: %v", err)
	}
	return nil
}
