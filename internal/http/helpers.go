package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"bilancio/internal/core"
	"bilancio/internal/log"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("request body is required")

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	State string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg, field string) {
	writeJSON(w, status, errorResponse{Error: msg, Field: field})
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		validation *core.ValidationError
		state      *core.InvalidStateError
	)
	ctx := r.Context()
	logger := log.FromContext(ctx)

	switch {
	case errors.As(err, &validation):
		logger.DebugContext(ctx, "Request rejected",
			log.FieldErrorType, log.ErrorTypeValidation,
			log.FieldOperation, op,
			log.FieldError, err.Error())
		writeJSONError(w, http.StatusBadRequest, err.Error(), validation.Field)
	case errors.Is(err, core.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error(), "")
	case errors.As(err, &state):
		logger.InfoContext(ctx, "Request conflicts with current state",
			log.FieldErrorType, log.ErrorTypeState,
			log.FieldOperation, op,
			log.FieldError, err.Error())
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), State: state.State})
	case errors.Is(err, core.ErrTransient):
		logger.WarnContext(ctx, "Retries exhausted",
			log.FieldErrorType, log.ErrorTypeTransient,
			log.FieldOperation, op,
			log.FieldError, err.Error())
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusServiceUnavailable, core.ErrTransient.Error(), "")
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrDuplicate):
		writeJSONError(w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusServiceUnavailable, "request cancelled", "")
	default:
		log.NewStructuredLogger(logger).LogError(ctx, "Request failed", err, log.ErrorTypeInternal, op, nil)
		writeJSONError(w, http.StatusInternalServerError, "internal error", "")
	}
}

// decodeJSON reads a single JSON object from the body into dst. Malformed
// amounts and dates surface as validation errors on the offending key.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return core.Invalid("body", fmt.Errorf("read body: %w", err))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(dst); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return core.Invalid("body", errEmptyBody)
		case errors.Is(err, core.ErrInvalidAmount):
			return core.Invalid(offendingKey(body, dst, "amount"), err)
		case errors.Is(err, core.ErrInvalidDate):
			return core.Invalid(offendingKey(body, dst, "date"), err)
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return core.Invalid(typeErr.Field, fmt.Errorf("expected %s", typeErr.Type))
		}
		return core.Invalid("body", fmt.Errorf("malformed JSON: %w", err))
	}
	return nil
}

// offendingKey finds the first top-level key of body that fails to decode
// into a fresh value of dst's type on its own. fallback is returned when no
// single key fails.
func offendingKey(body []byte, dst any, fallback string) string {
	typ := reflect.TypeOf(dst)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return fallback
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return fallback
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fallback
		}
		key, ok := tok.(string)
		if !ok {
			return fallback
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fallback
		}
		single, err := json.Marshal(map[string]json.RawMessage{key: raw})
		if err != nil {
			return fallback
		}
		if err := json.Unmarshal(single, reflect.New(typ.Elem()).Interface()); err != nil {
			return key
		}
	}
	return fallback
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(r, dst)
	var validation *core.ValidationError
	if errors.As(err, &validation) && errors.Is(validation.Err, errEmptyBody) {
		return nil
	}
	return err
}

// parseMonthKey reads month and year from the query, defaulting each to today's.
func parseMonthKey(r *http.Request, today core.Date) (core.MonthKey, error) {
	key := core.MonthOf(today)
	q := r.URL.Query()

	if v := strings.TrimSpace(q.Get("year")); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return core.MonthKey{}, core.Invalid("year", core.ErrInvalidYear)
		}
		key.Year = y
	}
	if v := strings.TrimSpace(q.Get("month")); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil {
			return core.MonthKey{}, core.Invalid("month", core.ErrInvalidMonth)
		}
		key.Month = m
	}
	return key, key.Validate()
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
