package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/quotaguard/internal/domain"
)

const (
	codeRateLimit       = "RATE_LIMIT"
	codeUnauthenticated = "UNAUTHENTICATED"
	codeInvalidRequest  = "INVALID_REQUEST"
	codeInternal        = "INTERNAL"
	codeOperationFailed = "OPERATION_FAILED"
	codeNotFound        = "NOT_FOUND"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type quotaDeniedResponse struct {
	Error                string `json:"error"`
	Code                 string `json:"code"`
	RemainingForResource int    `json:"remainingForResource"`
	RemainingForDay      int    `json:"remainingForDay"`
	CooldownRemainingMs  *int64 `json:"cooldownRemainingMs,omitempty"`
	Retryable            bool   `json:"retryable"`
}

type usage struct {
	RemainingForResource int `json:"remainingForResource"`
	RemainingForDay      int `json:"remainingForDay"`
}

type successResponse struct {
	Result any   `json:"result"`
	Usage  usage `json:"usage"`
}

var denialMessages = map[domain.ReasonCode]string{
	domain.ReasonResourceLimit: "resource quota exhausted",
	domain.ReasonDailyLimit:    "daily quota exhausted",
	domain.ReasonCooldown:      "cooldown in effect",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeInternalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "internal error", codeInternal)
}

// writeQuotaDenied answers a policy denial. retry is zero when no retry can succeed.
// writeQuotaDenied omits Retry-After when retry is zero: a RESOURCE_LIMIT
// denial does not lift with time, and the body says so with retryable=false.
func writeQuotaDenied(w http.ResponseWriter, d domain.QuotaDecision, retry time.Duration) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(min(d.RemainingForResource, d.RemainingForDay)))
	w.Header().Set("X-RateLimit-Reset", formatSeconds(retry))
	if retry > 0 {
		w.Header().Set("Retry-After", formatSeconds(retry))
	}

	body := quotaDeniedResponse{
		Error:                denialMessages[d.Reason],
		Code:                 string(d.Reason),
		RemainingForResource: d.RemainingForResource,
		RemainingForDay:      d.RemainingForDay,
		Retryable:            retry > 0,
	}
	if d.Reason == domain.ReasonCooldown {
		ms := d.CooldownRemaining.Milliseconds()
		body.CooldownRemainingMs = &ms
	}
	writeJSON(w, http.StatusTooManyRequests, body)
}

func setRateHeaders(w http.ResponseWriter, limit, remaining int, reset time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", formatSeconds(reset))
}

// formatSeconds renders d as whole seconds, rounded up so clients never retry early.
func formatSeconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	secs := int64((d + time.Second - 1) / time.Second)
	return strconv.FormatInt(secs, 10)
}
