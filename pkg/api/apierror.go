// Package api serves the ledger, evidence, key lifecycle and anchoring
// operations over HTTP. Errors use RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/yrippert-maker/papa-app-sub003/pkg/chain"
	"github.com/yrippert-maker/papa-app-sub003/pkg/keylifecycle"
	"github.com/yrippert-maker/papa-app-sub003/pkg/ledger"
	"github.com/yrippert-maker/papa-app-sub003/pkg/signing"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is the stable domain error code, when there is one.
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("/errors/%d", p.Status)
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem detail for status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, r, &ProblemDetail{Status: status, Detail: detail})
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, detail)
}

// WriteTooManyRequests writes a 429 with Retry-After in whole seconds.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal logs err and writes a generic 500. err is never sent to the
// client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "path", r.URL.Path)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

var keyLifecycleStatus = map[keylifecycle.Code]int{
	keylifecycle.CodeTwoManRule:          http.StatusForbidden,
	keylifecycle.CodeDualControlRequired: http.StatusForbidden,
	keylifecycle.CodeRequestExpired:      http.StatusGone,
	keylifecycle.CodeNotFound:            http.StatusNotFound,
	keylifecycle.CodeInvalidStatus:       http.StatusConflict,
	keylifecycle.CodeActiveKeyRevocation: http.StatusConflict,
	keylifecycle.CodeBreakGlassActive:    http.StatusConflict,
	keylifecycle.CodeBreakGlassInactive:  http.StatusConflict,
	keylifecycle.CodeInvalidRequest:      http.StatusBadRequest,
}

// WriteDomainError maps package errors onto status codes: validation 400,
// governance denial 403, missing 404, conflicts and integrity 409, expiry
// 410, contention after retries 503, anything else 500.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var kle *keylifecycle.Error
	if errors.As(err, &kle) {
		status, ok := keyLifecycleStatus[kle.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeProblem(w, r, &ProblemDetail{Status: status, Detail: kle.Message, Code: string(kle.Code)})
		return
	}

	var ie *chain.IntegrityError
	var dl *ledger.DeadLetterError
	switch {
	case errors.Is(err, ledger.ErrReservedEventType):
		writeProblem(w, r, &ProblemDetail{Status: http.StatusForbidden, Detail: err.Error(), Code: "RESERVED_EVENT_TYPE"})
	case errors.Is(err, ledger.ErrValidation):
		writeProblem(w, r, &ProblemDetail{Status: http.StatusBadRequest, Detail: err.Error(), Code: "VALIDATION"})
	case errors.Is(err, signing.ErrInvalidHash):
		writeProblem(w, r, &ProblemDetail{Status: http.StatusBadRequest, Detail: err.Error(), Code: "INVALID_HASH"})
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, signing.ErrKeyNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, signing.ErrActiveKeyRevocation):
		writeProblem(w, r, &ProblemDetail{Status: http.StatusConflict, Detail: err.Error(),
			Code: string(keylifecycle.CodeActiveKeyRevocation)})
	case errors.As(err, &ie):
		writeProblem(w, r, &ProblemDetail{Status: http.StatusConflict, Detail: err.Error(), Code: "INTEGRITY"})
	case errors.As(err, &dl):
		slog.Error("ledger append dead-lettered", "error", err, "persisted", dl.Persisted)
		w.Header().Set("Retry-After", "5")
		writeProblem(w, r, &ProblemDetail{Status: http.StatusServiceUnavailable,
			Detail: "The ledger is busy and the event was set aside for replay.", Code: "DEAD_LETTERED"})
	default:
		WriteInternal(w, r, err)
	}
}
